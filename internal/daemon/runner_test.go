package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shardnet/internal/chain"
	"shardnet/internal/config"
	"shardnet/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NetworkID = "runner-test"
	cfg.Home = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.Shards = []uint32{1}
	cfg.Metrics.Listen = ""
	cfg.Discovery.Interval = 200 * time.Millisecond
	return cfg
}

func startRunner(t *testing.T, r *Runner) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("runner did not stop")
		}
	})
	select {
	case addr := <-ready:
		return addr
	case err := <-done:
		t.Fatalf("runner exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner not ready")
	}
	return ""
}

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	first, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	id := first.Node.ID()
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, id, second.Node.ID())
	_, err = os.Stat(cfg.StorePath())
	require.NoError(t, err)
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.NetworkID = ""
	_, err := NewRunner(cfg, nil)
	require.Error(t, err)
}

func TestRunnersSyncOverQUIC(t *testing.T) {
	server, err := NewRunner(testConfig(t), nil)
	require.NoError(t, err)
	blocks := testutil.BuildBlocks(1, chain.Head{}, 3, "runner")
	for _, b := range blocks {
		require.NoError(t, server.Store.Apply(b))
	}
	serverAddr := startRunner(t, server)

	cfg := testConfig(t)
	cfg.BootNodes = []string{serverAddr}
	client, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	startRunner(t, client)

	require.Eventually(t, func() bool {
		return client.Store.LocalHead(1) == chain.HeadOf(blocks[2])
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(server.Node.Peers()) == 1 }, 5*time.Second, 20*time.Millisecond)
}
