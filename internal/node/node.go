// Package node routes peer traffic between the transport, the gossip engine
// and the sync manager. One goroutine owns all peer and session state.
package node

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shardnet/internal/chain"
	"shardnet/internal/chainsync"
	"shardnet/internal/debuglog"
	"shardnet/internal/gossip"
	"shardnet/internal/metrics"
	"shardnet/internal/network"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

type Deps struct {
	Transport network.Transport
	Chain     chain.Chain
	// Forks receives header ranges that do not link to the local chain.
	Forks chain.ForkHandler
	// OnTransaction receives every transaction that passed validation.
	OnTransaction func(chain.ChainID, []byte)
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

type Node struct {
	cfg        Config
	tr         network.Transport
	chain      chain.Chain
	onTx       func(chain.ChainID, []byte)
	self       peer.ID
	peers      *peer.Table
	candidates *peer.CandidatePool
	gossip     *gossip.Engine
	sync       *chainsync.Manager
	metrics    *metrics.Metrics
	log        *zap.Logger
	noisy      *debuglog.Limiter
	now        func() time.Time

	cmds     chan func()
	loopDone chan struct{}
	running  atomic.Bool

	// Only touched by the loop.
	sessions map[peer.ID]uint64
	waiters  map[peer.ID][]chan error
	rejected map[peer.ID]refusal
}

// refusal is a connection failure no Connect call was waiting for yet.
type refusal struct {
	err error
	at  time.Time
}

func New(cfg Config, deps Deps) *Node {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := debuglog.OrNop(deps.Logger)
	n := &Node{
		cfg:        cfg,
		tr:         deps.Transport,
		chain:      deps.Chain,
		onTx:       deps.OnTransaction,
		self:       deps.Transport.LocalID(),
		peers:      peer.NewTable(cfg.MaxPeers),
		candidates: peer.NewCandidatePool(cfg.CandidateCap, cfg.CandidateTTL),
		metrics:    deps.Metrics,
		log:        log.Named("node"),
		noisy:      debuglog.NewLimiter(10 * time.Second),
		now:        deps.Now,
		cmds:       make(chan func()),
		loopDone:   make(chan struct{}),
		sessions:   make(map[peer.ID]uint64),
		waiters:    make(map[peer.ID][]chan error),
		rejected:   make(map[peer.ID]refusal),
	}
	n.gossip = gossip.NewEngine(cfg.Gossip, n.self,
		gossip.NewCache(cfg.GossipCacheCap, cfg.GossipTTL),
		n.validateGossip, deps.Metrics, log)
	n.sync = chainsync.NewManager(cfg.Sync, chainsync.Deps{
		Chain:   deps.Chain,
		Forks:   deps.Forks,
		Peers:   n.peers,
		Sender:  wireSender{tr: deps.Transport},
		Metrics: deps.Metrics,
		Logger:  log,
		Now:     deps.Now,
	})
	for _, addr := range cfg.BootNodes {
		n.candidates.AddBootstrap(addr)
	}
	return n
}

func (n *Node) ID() peer.ID { return n.self }

// StatusFunc reports the local heads of chains, for the handshake.
func StatusFunc(c chain.Chain, chains []chain.ChainID) func() []proto.ChainHead {
	return func() []proto.ChainHead {
		out := make([]proto.ChainHead, 0, len(chains))
		for _, id := range chains {
			out = append(out, proto.ChainHead{Chain: id, Head: c.LocalHead(id)})
		}
		return out
	}
}

// Run drives the node until ctx is cancelled or the transport closes. It
// can only be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(n.loopDone)
		return n.loop(ctx)
	})
	g.Go(func() error {
		n.discover(ctx)
		return nil
	})
	return g.Wait()
}

func (n *Node) loop(ctx context.Context) error {
	sweep := time.NewTicker(n.cfg.SweepInterval)
	defer sweep.Stop()
	n.log.Info("node running",
		zap.Stringer("id", n.self),
		zap.Int("chains", len(n.cfg.Chains)),
		zap.Int("max_peers", n.cfg.MaxPeers))
	for {
		select {
		case <-ctx.Done():
			n.failWaiters(ErrClosed)
			return nil
		case ev, ok := <-n.tr.Events():
			if !ok {
				n.failWaiters(ErrClosed)
				return network.ErrClosed
			}
			n.handleEvent(ev)
		case cmd := <-n.cmds:
			cmd()
		case <-sweep.C:
			n.sweep()
		}
	}
}

func (n *Node) handleEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventConnected:
		n.onConnected(ev)
	case network.EventFrame:
		if n.sessions[ev.Peer] == ev.Session {
			n.onFrame(ev.Peer, ev.Data)
		}
	case network.EventDisconnected:
		if n.sessions[ev.Peer] != ev.Session {
			return
		}
		if n.dropPeer(ev.Peer) {
			n.log.Debug("peer left", zap.Stringer("peer", ev.Peer), zap.NamedError("cause", ev.Err))
		}
	}
}

func (n *Node) onConnected(ev network.Event) {
	now := n.now()
	// A reconnect can overtake the disconnect of the previous session.
	if n.peers.Has(ev.Peer) {
		n.dropPeer(ev.Peer)
	}
	n.sessions[ev.Peer] = ev.Session
	err := n.peers.Add(peer.Info{
		ID:           ev.Peer,
		Addr:         ev.Addr,
		ListenAddr:   ev.Hello.ListenAddr,
		ProtoVersion: ev.Hello.Version,
		Inbound:      ev.Inbound,
		ConnectedAt:  now,
	})
	if err != nil {
		n.log.Debug("refusing peer", zap.Stringer("peer", ev.Peer), zap.Error(err))
		n.tr.Disconnect(ev.Peer)
		n.settle(ev.Peer, ErrPeerTableFull)
		return
	}
	if !ev.Inbound && ev.Hello.ListenAddr != "" {
		n.candidates.RecordSuccess(ev.Hello.ListenAddr, ev.Peer)
	}
	n.evictExcess(ev.Peer)
	if !n.peers.Has(ev.Peer) {
		n.settle(ev.Peer, ErrPeerTableFull)
		return
	}
	n.metrics.SetPeers(n.peers.Len())
	for _, st := range ev.Hello.Status {
		n.peers.SetHead(ev.Peer, st.Chain, st.Head)
		n.sync.OnPeerHead(ev.Peer, st.Chain, st.Head)
	}
	if n.peers.Len() < n.cfg.MaxPeers {
		n.solicit(ev.Peer)
	}
	n.settle(ev.Peer, nil)
}

// settle answers Connect calls waiting on id.
func (n *Node) settle(id peer.ID, err error) {
	ws, ok := n.waiters[id]
	if !ok {
		if err != nil {
			n.rejected[id] = refusal{err: err, at: n.now()}
		}
		return
	}
	delete(n.waiters, id)
	for _, w := range ws {
		w <- err
	}
}

func (n *Node) failWaiters(err error) {
	for id := range n.waiters {
		n.settle(id, err)
	}
}

// dropPeer removes id and everything that refers to it. It reports whether
// the peer was present.
func (n *Node) dropPeer(id peer.ID) bool {
	delete(n.sessions, id)
	if !n.peers.Remove(id) {
		if _, waiting := n.waiters[id]; waiting {
			n.settle(id, network.ErrPeerGone)
		}
		return false
	}
	n.sync.OnPeerGone(id)
	n.metrics.SetPeers(n.peers.Len())
	return true
}

// evictExcess disconnects the least recently seen peers above the limit.
func (n *Node) evictExcess(keep peer.ID) {
	for n.peers.Excess() > 0 {
		victim, ok := n.peers.Oldest(keep)
		if !ok {
			return
		}
		n.log.Info("evicting peer", zap.Stringer("peer", victim))
		n.metrics.IncPeerEvent("evicted")
		n.dropPeer(victim)
		n.tr.Disconnect(victim)
	}
}

func (n *Node) sweep() {
	n.sync.Sweep()
	n.gossip.Sweep()
	// A refusal outlives one full interval so a Connect racing the tick
	// still finds it.
	now := n.now()
	for id, r := range n.rejected {
		if now.Sub(r.at) > n.cfg.SweepInterval {
			delete(n.rejected, id)
		}
	}
}

func (n *Node) onFrame(from peer.ID, data []byte) {
	if !n.peers.Has(from) {
		return
	}
	n.peers.Touch(from, n.now())
	msg, err := proto.Decode(data)
	if err != nil {
		n.onDecodeError(from, err)
		return
	}
	if msg.Unsupported() {
		if n.noisy.Allow("unsupported:" + from.String()) {
			n.log.Debug("ignoring unsupported message", zap.Stringer("peer", from), zap.Stringer("kind", msg.Kind))
		}
		return
	}
	n.route(from, msg)
}

func (n *Node) onDecodeError(from peer.ID, err error) {
	reason := decodeReason(err)
	n.metrics.IncDecodeError(reason)
	strikes := n.peers.Strike(from)
	if n.noisy.Allow("decode:" + from.String()) {
		n.log.Debug("discarding malformed frame",
			zap.Stringer("peer", from),
			zap.String("reason", reason),
			zap.Int("strikes", strikes),
			zap.Error(err))
	}
	if strikes >= n.cfg.MaxDecodeFailures {
		n.log.Info("disconnecting misbehaving peer", zap.Stringer("peer", from), zap.Int("strikes", strikes))
		n.metrics.IncPeerEvent("banned")
		n.dropPeer(from)
		n.tr.Disconnect(from)
	}
}

// wireSender encodes sync requests onto the transport.
type wireSender struct {
	tr network.Transport
}

func (s wireSender) SendMessage(to peer.ID, m proto.Message) error {
	frame, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return s.tr.Send(to, frame)
}
