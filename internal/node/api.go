package node

import (
	"context"
	"errors"
	"fmt"

	"shardnet/internal/chain"
	"shardnet/internal/chainsync"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

// do runs f on the loop goroutine and waits for it to finish.
func (n *Node) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case n.cmds <- func() { f(); close(done) }:
	case <-n.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-n.loopDone:
		return ErrClosed
	}
}

// Connect dials addr and returns once the peer is registered.
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	id, err := n.tr.Connect(ctx, addr)
	if err != nil {
		return peer.ID{}, err
	}
	wait := make(chan error, 1)
	err = n.do(ctx, func() { n.await(id, wait) })
	if err != nil {
		return id, err
	}
	select {
	case err := <-wait:
		return id, err
	case <-ctx.Done():
		return id, ctx.Err()
	case <-n.loopDone:
		return id, ErrClosed
	}
}

// await settles wait right away when id is already registered or was
// refused, and queues it otherwise.
func (n *Node) await(id peer.ID, wait chan error) {
	if n.peers.Has(id) {
		wait <- nil
		return
	}
	if r, ok := n.rejected[id]; ok {
		delete(n.rejected, id)
		wait <- r.err
		return
	}
	n.waiters[id] = append(n.waiters[id], wait)
}

// Disconnect drops the peer and its sync sessions. Repeated calls are no-ops.
func (n *Node) Disconnect(ctx context.Context, id peer.ID) error {
	err := n.do(ctx, func() {
		if n.dropPeer(id) {
			n.metrics.IncPeerEvent("dropped")
		}
	})
	n.tr.Disconnect(id)
	return err
}

// BroadcastTransaction validates tx and gossips it to a fan-out of peers.
func (n *Node) BroadcastTransaction(ctx context.Context, shard chain.ChainID, tx []byte) error {
	var out error
	err := n.do(ctx, func() {
		if len(tx) == 0 || len(tx) > proto.MaxTxSize || !n.chain.ValidateTransaction(tx) {
			out = ErrInvalidTransaction
			return
		}
		msg := proto.New(&proto.TransactionGossip{Tx: tx}, shard, 0)
		res := n.gossip.Publish(msg, n.peers.IDs())
		if res.Dropped {
			out = ErrGossipFull
			return
		}
		n.sendAll(res.Forward, msg)
	})
	if err != nil {
		return err
	}
	return out
}

// AnnounceBlock applies a locally produced block when it extends the head
// and gossips it.
func (n *Node) AnnounceBlock(ctx context.Context, b chain.Block) error {
	var out error
	err := n.do(ctx, func() {
		c := b.Header.Chain
		if !n.sync.Tracks(c) {
			out = fmt.Errorf("%w: chain %s not tracked", ErrInvalidBlock, c)
			return
		}
		if b.Header.Height == 0 || !n.chain.ValidateBlock(b) {
			out = ErrInvalidBlock
			return
		}
		if _, have := n.chain.GetBlock(b.Hash()); !have {
			local := n.chain.LocalHead(c)
			if !b.Header.Links(local) {
				out = fmt.Errorf("%w: does not extend head %d", ErrInvalidBlock, local.Height)
				return
			}
			if err := n.applyBlock(b); err != nil {
				out = err
				return
			}
		}
		msg := proto.New(&proto.BlockAnnounce{Block: b}, c, 0)
		res := n.gossip.Publish(msg, n.peers.IDs())
		if res.Dropped {
			out = ErrGossipFull
			return
		}
		n.sendAll(res.Forward, msg)
	})
	if err != nil {
		return err
	}
	return out
}

// Peers returns a snapshot of the connected peers.
func (n *Node) Peers() []peer.Info {
	return n.peers.Snapshot()
}

// SyncStatus returns the state of every sync session.
func (n *Node) SyncStatus(ctx context.Context) ([]chainsync.Status, error) {
	var out []chainsync.Status
	if err := n.do(ctx, func() { out = n.sync.Statuses() }); err != nil {
		return nil, err
	}
	return out, nil
}

func isClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}
