package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New(nil)
	m.IncGossipReceived("tx_gossip")
	m.IncGossipReceived("tx_gossip")
	m.IncGossipDuplicate()
	m.ObserveGossipForward(3)
	m.IncDecodeError("truncated")
	m.SetPeers(4)
	m.SetLocalHeight("shard-1", 10)

	if got := testutil.ToFloat64(m.gossipTargets); got != 3 {
		t.Fatalf("expected 3 forward targets, got %v", got)
	}
	snap := m.Snapshot()
	if snap.Values["shardnet_gossip_received_total{kind=tx_gossip}"] != 2 {
		t.Fatalf("unexpected received count: %v", snap.Values)
	}
	if snap.Values["shardnet_peers_connected"] != 4 {
		t.Fatalf("expected peers=4, got %v", snap.Values["shardnet_peers_connected"])
	}
	if snap.Values["shardnet_sync_local_height{chain=shard-1}"] != 10 {
		t.Fatalf("expected height 10, got %v", snap.Values)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New(nil)
	m.IncFrameIn()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Values["shardnet_transport_frames_in_total"] != 1 {
		t.Fatalf("expected frames_in=1, got %v", snap.Values)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
