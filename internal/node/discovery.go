package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shardnet/internal/network"
	"shardnet/internal/peer"
)

// discover dials boot nodes at start and then periodically refreshes the
// candidate pool and tops the peer set up.
func (n *Node) discover(ctx context.Context) {
	n.dialCandidates(ctx)
	t := time.NewTicker(n.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.do(ctx, n.solicitRandom); err != nil {
				return
			}
			n.dialCandidates(ctx)
		}
	}
}

func (n *Node) dialCandidates(ctx context.Context) {
	var addrs []string
	err := n.do(ctx, func() {
		free := n.cfg.MaxPeers - n.peers.Len()
		if free <= 0 {
			return
		}
		addrs = n.candidates.Dialable(free, n.skipCandidate)
	})
	if err != nil || len(addrs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(n.cfg.DialParallelism)
	for _, addr := range addrs {
		g.Go(func() error {
			n.dialCandidate(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Node) dialCandidate(ctx context.Context, addr string) {
	id, err := n.Connect(ctx, addr)
	if isClosed(err) {
		return
	}
	if err != nil && !errors.Is(err, network.ErrAlreadyConnected) {
		n.candidates.RecordFailure(addr)
		if n.noisy.Allow("dial:" + addr) {
			n.log.Debug("candidate dial failed", zap.String("addr", addr), zap.Error(err))
		}
		return
	}
	n.candidates.RecordSuccess(addr, id)
}

// skipCandidate filters addresses that point at ourselves or at peers we
// already hold.
func (n *Node) skipCandidate(addr string, id peer.ID) bool {
	if addr == n.cfg.ListenAddr || id == n.self {
		return true
	}
	if !id.IsZero() && n.peers.Has(id) {
		return true
	}
	for _, p := range n.peers.Snapshot() {
		if p.ListenAddr == addr || p.Addr == addr {
			return true
		}
	}
	return false
}
