package chainsync_test

import (
	"errors"
	"testing"
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/chainsync"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
	"shardnet/internal/testutil"
)

type sent struct {
	to  peer.ID
	msg proto.Message
}

type outbox struct {
	queue []sent
	fail  map[peer.ID]bool
}

func (o *outbox) SendMessage(to peer.ID, m proto.Message) error {
	if o.fail[to] {
		return errors.New("peer gone")
	}
	o.queue = append(o.queue, sent{to: to, msg: m})
	return nil
}

func (o *outbox) pop() (sent, bool) {
	if len(o.queue) == 0 {
		return sent{}, false
	}
	s := o.queue[0]
	o.queue = o.queue[1:]
	return s, true
}

type forkRecorder struct {
	calls int
}

func (f *forkRecorder) HandleFork(chain.ChainID, [32]byte, []chain.Header) { f.calls++ }

type harness struct {
	t     *testing.T
	now   time.Time
	local *testutil.MemChain
	peers *peer.Table
	out   *outbox
	forks *forkRecorder
	mgr   *chainsync.Manager
}

func newHarness(t *testing.T, cfg chainsync.Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		now:   time.Unix(1_000, 0),
		local: testutil.NewMemChain(),
		peers: peer.NewTable(0),
		out:   &outbox{fail: make(map[peer.ID]bool)},
		forks: &forkRecorder{},
	}
	h.mgr = chainsync.NewManager(cfg, chainsync.Deps{
		Chain:  h.local,
		Forks:  h.forks,
		Peers:  h.peers,
		Sender: h.out,
		Now:    func() time.Time { return h.now },
	})
	return h
}

func pid(b byte) peer.ID {
	var id peer.ID
	id[0] = b
	return id
}

func (h *harness) addPeer(id peer.ID, c chain.ChainID, head chain.Head) {
	h.t.Helper()
	if err := h.peers.Add(peer.Info{ID: id, ConnectedAt: h.now}); err != nil {
		h.t.Fatalf("add peer: %v", err)
	}
	h.peers.SetHead(id, c, head)
}

func serve(remote *testutil.MemChain, m proto.Message) proto.Message {
	switch b := m.Body.(type) {
	case *proto.HeaderRequest:
		var hs []chain.Header
		for height := b.From + 1; height <= b.To; height++ {
			blk, ok := remote.BlockAt(m.Shard, height)
			if !ok {
				break
			}
			hs = append(hs, blk.Header)
		}
		return proto.New(&proto.HeaderResponse{Headers: hs}, m.Shard, m.RequestID)
	case *proto.BlockRequest:
		var blocks []chain.Block
		for _, hash := range b.Hashes {
			if blk, ok := remote.GetBlock(hash); ok {
				blocks = append(blocks, blk)
			}
		}
		return proto.New(&proto.BlockResponse{Blocks: blocks}, m.Shard, m.RequestID)
	}
	return proto.Message{}
}

// pump answers queued requests from the remote chains until none remain.
// Peers without a remote never answer.
func (h *harness) pump(remotes map[peer.ID]*testutil.MemChain, c chain.ChainID) {
	h.t.Helper()
	last := h.local.LocalHead(c).Height
	for {
		s, ok := h.out.pop()
		if !ok {
			return
		}
		remote, ok := remotes[s.to]
		if !ok {
			continue
		}
		if !h.mgr.OnResponse(s.to, serve(remote, s.msg)) {
			h.t.Fatalf("response to request %d rejected", s.msg.RequestID)
		}
		st, _ := h.mgr.Status(c)
		if st.LocalHeight < last {
			h.t.Fatalf("local height regressed from %d to %d", last, st.LocalHeight)
		}
		last = st.LocalHeight
	}
}

func TestSyncShardToRemoteHead(t *testing.T) {
	h := newHarness(t, chainsync.Config{HeaderBatch: 4, BlockBatch: 3})
	remote := testutil.NewMemChain()
	remote.Extend(1, 10)
	head := remote.LocalHead(1)
	h.addPeer(pid(1), 1, head)

	h.mgr.OnPeerHead(pid(1), 1, head)
	h.pump(map[peer.ID]*testutil.MemChain{pid(1): remote}, 1)

	if got := h.local.LocalHead(1); got != head {
		t.Fatalf("expected local head %v, got %v", head, got)
	}
	st, ok := h.mgr.Status(1)
	if !ok || st.State != chainsync.Synced || st.LocalHeight != 10 {
		t.Fatalf("expected synced session at 10, got %+v", st)
	}
	if h.mgr.Pending().Len() != 0 {
		t.Fatalf("pending table not drained: %d", h.mgr.Pending().Len())
	}
}

func TestSessionsProgressIndependently(t *testing.T) {
	h := newHarness(t, chainsync.Config{})
	remote := testutil.NewMemChain()
	remote.Extend(0, 3)
	remote.Extend(2, 3)
	h.addPeer(pid(1), 0, remote.LocalHead(0))
	h.peers.SetHead(pid(1), 2, remote.LocalHead(2))

	h.mgr.OnPeerHead(pid(1), 0, remote.LocalHead(0))
	h.mgr.OnPeerHead(pid(1), 2, remote.LocalHead(2))
	// Answer only the beacon requests; shard 2 stays outstanding.
	for {
		s, ok := h.out.pop()
		if !ok {
			break
		}
		if s.msg.Shard == 0 {
			h.mgr.OnResponse(s.to, serve(remote, s.msg))
		}
	}
	beacon, _ := h.mgr.Status(0)
	shard, _ := h.mgr.Status(2)
	if beacon.State != chainsync.Synced {
		t.Fatalf("expected beacon synced, got %s", beacon.State)
	}
	if shard.State != chainsync.RequestingHeaders {
		t.Fatalf("expected shard still requesting headers, got %s", shard.State)
	}
}

func TestUnknownResponseIsDiscarded(t *testing.T) {
	h := newHarness(t, chainsync.Config{})
	h.addPeer(pid(1), 1, chain.Head{Height: 10})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 10})
	before, _ := h.mgr.Status(1)
	pending := h.mgr.Pending().Len()

	stray := proto.New(&proto.BlockResponse{Blocks: nil}, 1, 999)
	if h.mgr.OnResponse(pid(1), stray) {
		t.Fatalf("response with unknown request id accepted")
	}
	after, _ := h.mgr.Status(1)
	if before != after || h.mgr.Pending().Len() != pending {
		t.Fatalf("stray response changed state: %+v -> %+v", before, after)
	}

	// Right id, wrong peer.
	if h.mgr.OnResponse(pid(2), proto.New(&proto.HeaderResponse{}, 1, before.Outstanding)) {
		t.Fatalf("response from the wrong peer accepted")
	}
	if after, _ := h.mgr.Status(1); after != before {
		t.Fatalf("wrong-peer response changed state")
	}
}

func TestTimeoutsEndInStalled(t *testing.T) {
	const maxRetries = 3
	h := newHarness(t, chainsync.Config{RequestTimeout: time.Second, MaxRetries: maxRetries, BackoffFactor: 1})
	h.addPeer(pid(1), 1, chain.Head{Height: 10})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 10})

	for i := 0; i <= maxRetries; i++ {
		st, _ := h.mgr.Status(1)
		if st.State != chainsync.RequestingHeaders {
			t.Fatalf("attempt %d: expected requesting headers, got %s", i, st.State)
		}
		if st.Retries != i {
			t.Fatalf("attempt %d: expected retry count %d, got %d", i, i, st.Retries)
		}
		h.now = h.now.Add(time.Second)
		h.mgr.Sweep()
	}
	st, _ := h.mgr.Status(1)
	if st.State != chainsync.Stalled {
		t.Fatalf("expected stalled, got %s", st.State)
	}
	if len(h.out.queue) != maxRetries+1 {
		t.Fatalf("expected %d requests, got %d", maxRetries+1, len(h.out.queue))
	}
	if h.mgr.Pending().Len() != 0 {
		t.Fatalf("stalled session left pending requests")
	}
}

func TestRetryPrefersAlternatePeer(t *testing.T) {
	h := newHarness(t, chainsync.Config{RequestTimeout: time.Second, MaxRetries: 2})
	remote := testutil.NewMemChain()
	remote.Extend(1, 5)
	head := remote.LocalHead(1)
	h.addPeer(pid(1), 1, head)
	h.addPeer(pid(2), 1, head)

	h.mgr.OnPeerHead(pid(1), 1, head)
	first, _ := h.out.pop()
	if first.to != pid(1) {
		t.Fatalf("expected first request to announcing peer")
	}
	h.now = h.now.Add(time.Second)
	h.mgr.Sweep()
	st, _ := h.mgr.Status(1)
	if st.Peer != pid(2) {
		t.Fatalf("expected retry against peer 2, got %v", st.Peer)
	}
	h.pump(map[peer.ID]*testutil.MemChain{pid(2): remote}, 1)
	if h.local.LocalHead(1) != head {
		t.Fatalf("sync did not complete through alternate peer")
	}
}

func TestExponentialBackoffStretchesDeadline(t *testing.T) {
	h := newHarness(t, chainsync.Config{RequestTimeout: time.Second, MaxRetries: 3, BackoffFactor: 2})
	h.addPeer(pid(1), 1, chain.Head{Height: 4})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 4})
	h.now = h.now.Add(time.Second)
	h.mgr.Sweep()
	st, _ := h.mgr.Status(1)
	if got := st.Deadline.Sub(h.now); got != 2*time.Second {
		t.Fatalf("expected 2s deadline after first retry, got %s", got)
	}
}

func TestHeaderDiscontinuityStalls(t *testing.T) {
	h := newHarness(t, chainsync.Config{})
	h.local.Extend(1, 2)
	fork := testutil.NewMemChain()
	for _, b := range testutil.BuildBlocks(1, chain.Head{}, 6, "fork") {
		if err := fork.Apply(b); err != nil {
			t.Fatalf("build fork: %v", err)
		}
	}
	h.addPeer(pid(1), 1, fork.LocalHead(1))
	h.mgr.OnPeerHead(pid(1), 1, fork.LocalHead(1))
	h.pump(map[peer.ID]*testutil.MemChain{pid(1): fork}, 1)

	st, _ := h.mgr.Status(1)
	if st.State != chainsync.Stalled {
		t.Fatalf("expected stalled on fork, got %s", st.State)
	}
	if h.forks.calls != 1 {
		t.Fatalf("expected fork handler call, got %d", h.forks.calls)
	}
	if h.local.LocalHead(1).Height != 2 {
		t.Fatalf("fork rewrote local chain")
	}
}

func TestApplyFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, chainsync.Config{})
	remote := testutil.NewMemChain()
	remote.Extend(1, 6)
	h.local.FailApplyAt(1, 4)
	h.addPeer(pid(1), 1, remote.LocalHead(1))
	h.mgr.OnPeerHead(pid(1), 1, remote.LocalHead(1))
	h.pump(map[peer.ID]*testutil.MemChain{pid(1): remote}, 1)

	st, _ := h.mgr.Status(1)
	if st.State != chainsync.Idle || st.Outstanding != 0 {
		t.Fatalf("expected idle with nothing outstanding, got %+v", st)
	}
	if h.local.LocalHead(1).Height != 3 || st.LocalHeight != 3 {
		t.Fatalf("expected blocks below the failure applied, got local %d", h.local.LocalHead(1).Height)
	}
}

func TestPartialBlockBatchRequestsOnlyMissing(t *testing.T) {
	h := newHarness(t, chainsync.Config{BlockBatch: 4})
	remote := testutil.NewMemChain()
	blocks := remote.Extend(1, 4)
	h.addPeer(pid(1), 1, remote.LocalHead(1))
	h.mgr.OnPeerHead(pid(1), 1, remote.LocalHead(1))

	hdr, _ := h.out.pop()
	h.mgr.OnResponse(pid(1), serve(remote, hdr.msg))
	req, _ := h.out.pop()
	if n := len(req.msg.Body.(*proto.BlockRequest).Hashes); n != 4 {
		t.Fatalf("expected 4 hashes requested, got %d", n)
	}
	partial := proto.New(&proto.BlockResponse{Blocks: blocks[:2]}, 1, req.msg.RequestID)
	if !h.mgr.OnResponse(pid(1), partial) {
		t.Fatalf("partial response rejected")
	}
	again, ok := h.out.pop()
	if !ok {
		t.Fatalf("expected follow-up block request")
	}
	hashes := again.msg.Body.(*proto.BlockRequest).Hashes
	if len(hashes) != 2 || hashes[0] != blocks[2].Hash() || hashes[1] != blocks[3].Hash() {
		t.Fatalf("follow-up should ask for the two missing blocks, got %d hashes", len(hashes))
	}
}

func TestPeerGoneReissuesToAlternate(t *testing.T) {
	h := newHarness(t, chainsync.Config{})
	h.addPeer(pid(1), 1, chain.Head{Height: 8})
	h.addPeer(pid(2), 1, chain.Head{Height: 8})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 8})
	h.out.pop()

	h.peers.Remove(pid(1))
	h.mgr.OnPeerGone(pid(1))
	next, ok := h.out.pop()
	if !ok || next.to != pid(2) {
		t.Fatalf("expected immediate reissue to peer 2")
	}
	st, ok := h.mgr.Status(1)
	if !ok || st.Peer != pid(2) || st.Outstanding != next.msg.RequestID {
		t.Fatalf("session not rebound to peer 2: %+v", st)
	}

	h.peers.Remove(pid(2))
	h.mgr.OnPeerGone(pid(2))
	if _, ok := h.mgr.Status(1); ok {
		t.Fatalf("session should be torn down without an alternate peer")
	}
	if h.mgr.Pending().Len() != 0 {
		t.Fatalf("pending entries left for departed peers")
	}
	h.mgr.OnPeerGone(pid(2))
}

func TestNoSessionWhenPeerNotAhead(t *testing.T) {
	h := newHarness(t, chainsync.Config{Chains: []chain.ChainID{0, 1}})
	h.local.Extend(1, 3)
	h.addPeer(pid(1), 1, chain.Head{Height: 3})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 3})
	h.mgr.OnPeerHead(pid(1), 7, chain.Head{Height: 30})
	if len(h.mgr.Statuses()) != 0 || len(h.out.queue) != 0 {
		t.Fatalf("expected no sessions, got %+v", h.mgr.Statuses())
	}
}

func TestSyncContinuesToHighestKnownHead(t *testing.T) {
	h := newHarness(t, chainsync.Config{HeaderBatch: 4})
	short := testutil.NewMemChain()
	short.Extend(1, 5)
	// Extend is deterministic, so both remotes share the first five blocks.
	long := testutil.NewMemChain()
	long.Extend(1, 10)
	h.addPeer(pid(1), 1, short.LocalHead(1))
	h.addPeer(pid(2), 1, long.LocalHead(1))

	h.mgr.OnPeerHead(pid(1), 1, short.LocalHead(1))
	h.mgr.OnPeerHead(pid(2), 1, long.LocalHead(1))
	st, _ := h.mgr.Status(1)
	if st.RemoteHeight != 10 {
		t.Fatalf("expected target raised to 10, got %d", st.RemoteHeight)
	}
	h.pump(map[peer.ID]*testutil.MemChain{pid(1): short, pid(2): long}, 1)

	if got := h.local.LocalHead(1); got != long.LocalHead(1) {
		t.Fatalf("expected local head at 10, got %d", got.Height)
	}
	st, _ = h.mgr.Status(1)
	if st.State != chainsync.Synced || st.Peer != pid(2) || st.LocalHeight != 10 {
		t.Fatalf("expected synced from peer 2 at 10, got %+v", st)
	}
}

func TestStalledSessionWaitsForCooldown(t *testing.T) {
	h := newHarness(t, chainsync.Config{RequestTimeout: time.Second, MaxRetries: 0, StallCooldown: time.Minute})
	h.addPeer(pid(1), 1, chain.Head{Height: 10})
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 10})
	h.out.pop()
	h.now = h.now.Add(time.Second)
	h.mgr.Sweep()
	if st, _ := h.mgr.Status(1); st.State != chainsync.Stalled {
		t.Fatalf("expected stalled, got %s", st.State)
	}

	h.now = h.now.Add(30 * time.Second)
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 11})
	if st, _ := h.mgr.Status(1); st.State != chainsync.Stalled {
		t.Fatalf("announcement inside cooldown restarted sync: %s", st.State)
	}
	if len(h.out.queue) != 0 {
		t.Fatalf("announcement inside cooldown sent %d requests", len(h.out.queue))
	}

	h.now = h.now.Add(31 * time.Second)
	h.mgr.OnPeerHead(pid(1), 1, chain.Head{Height: 12})
	st, _ := h.mgr.Status(1)
	if st.State != chainsync.RequestingHeaders || st.Retries != 0 || st.RemoteHeight != 12 {
		t.Fatalf("expected fresh session after cooldown, got %+v", st)
	}
	if len(h.out.queue) != 1 {
		t.Fatalf("expected one header request, got %d", len(h.out.queue))
	}
}
