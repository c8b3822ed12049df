package debuglog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	log, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log output")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(time.Hour)
	if !l.Allow("peer-a") {
		t.Fatalf("first event should pass")
	}
	if l.Allow("peer-a") {
		t.Fatalf("second event within interval should be limited")
	}
	if !l.Allow("peer-b") {
		t.Fatalf("keys must be independent")
	}
}
