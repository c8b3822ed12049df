package testutil

import (
	"testing"
	"time"
)

// MaxFuzzInput caps fuzz inputs so a single case cannot allocate much more
// than a few frames.
const MaxFuzzInput = 1 << 16

// FuzzDeadline is how long one fuzz case may take before it counts as a hang.
const FuzzDeadline = 100 * time.Millisecond

// Trim shortens data to MaxFuzzInput.
func Trim(data []byte) []byte {
	return data[:min(len(data), MaxFuzzInput)]
}

// Within fails t if fn has not returned after d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("still running after %s", d)
	}
}
