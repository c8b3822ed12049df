// Package chainsync drives lagging chains to the best head known from peers.
package chainsync

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"shardnet/internal/chain"
	"shardnet/internal/debuglog"
	"shardnet/internal/metrics"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultHeaderBatch    = 128
	DefaultBlockBatch     = 32
	DefaultBackoffFactor  = 2.0
	DefaultStallCooldown  = 30 * time.Second

	maxBackoffSteps = 6
)

type Config struct {
	RequestTimeout time.Duration
	MaxRetries     int
	HeaderBatch    int
	BlockBatch     int
	// BackoffFactor scales the deadline of each retry. Values <= 1 keep
	// every attempt at RequestTimeout.
	BackoffFactor float64
	StallCooldown time.Duration
	// Chains restricts syncing to these chains; empty means any chain.
	Chains []chain.ChainID
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HeaderBatch <= 0 {
		c.HeaderBatch = DefaultHeaderBatch
	}
	if c.HeaderBatch > proto.MaxHeadersPerResp {
		c.HeaderBatch = proto.MaxHeadersPerResp
	}
	if c.BlockBatch <= 0 {
		c.BlockBatch = DefaultBlockBatch
	}
	if c.BlockBatch > proto.MaxHashesPerReq {
		c.BlockBatch = proto.MaxHashesPerReq
	}
	if c.StallCooldown <= 0 {
		c.StallCooldown = DefaultStallCooldown
	}
	return c
}

// Sender delivers a request to a peer.
type Sender interface {
	SendMessage(to peer.ID, m proto.Message) error
}

// PeerSet answers peer selection queries and takes responsiveness feedback.
type PeerSet interface {
	BestPeer(c chain.ChainID, minHeight uint64, exclude map[peer.ID]bool) (peer.ID, bool)
	Head(id peer.ID, c chain.ChainID) (chain.Head, bool)
	ReportFailure(id peer.ID)
	ReportResponse(id peer.ID, rtt time.Duration)
}

type Deps struct {
	Chain   chain.Chain
	Forks   chain.ForkHandler
	Peers   PeerSet
	Sender  Sender
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Manager owns the sync sessions and the pending request table. It is not
// safe for concurrent use; the coordinator loop is its only caller.
type Manager struct {
	cfg      Config
	deps     Deps
	tracked  map[chain.ChainID]bool
	sessions map[chain.ChainID]*session
	pending  *PendingTable
	log      *zap.Logger
}

func NewManager(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[chain.ChainID]*session),
		pending:  NewPendingTable(),
		log:      debuglog.OrNop(deps.Logger).Named("sync"),
	}
	if len(cfg.Chains) > 0 {
		m.tracked = make(map[chain.ChainID]bool, len(cfg.Chains))
		for _, c := range cfg.Chains {
			m.tracked[c] = true
		}
	}
	return m
}

func (m *Manager) Tracks(c chain.ChainID) bool {
	return m.tracked == nil || m.tracked[c]
}

func (m *Manager) Pending() *PendingTable { return m.pending }

func (m *Manager) Status(c chain.ChainID) (Status, bool) {
	s, ok := m.sessions[c]
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// OnPeerHead reacts to a peer advertising head on chain c. A session starts
// when the head is strictly above the local one; a running session raises
// its target to the highest head heard from any peer.
func (m *Manager) OnPeerHead(p peer.ID, c chain.ChainID, head chain.Head) {
	if !m.Tracks(c) {
		return
	}
	local := m.deps.Chain.LocalHead(c)
	s := m.sessions[c]
	if head.Height <= local.Height {
		return
	}
	if s != nil {
		switch {
		case s.state.InProgress():
			if head.Height > s.remoteHeight {
				s.remoteHeight = head.Height
			}
			return
		case s.state == Stalled && m.deps.Now().Sub(s.stalledAt) < m.cfg.StallCooldown:
			return
		}
	}
	if s == nil || s.state == Stalled {
		s = &session{chain: c}
		m.sessions[c] = s
	}
	s.peer = p
	s.state = Idle
	s.retries = 0
	s.remoteHeight = head.Height
	s.advanceLocal(local.Height)
	s.clearBatch()
	m.log.Info("sync started",
		zap.Stringer("chain", c),
		zap.Stringer("peer", p),
		zap.Uint64("local", local.Height),
		zap.Uint64("remote", head.Height))
	m.requestHeaders(s)
}

// NoteLocalHead updates idle or synced sessions after the head moved outside
// of sync, for example by an applied announcement.
func (m *Manager) NoteLocalHead(c chain.ChainID) {
	s, ok := m.sessions[c]
	if !ok || s.state.InProgress() || s.state == Stalled {
		return
	}
	s.advanceLocal(m.deps.Chain.LocalHead(c).Height)
	if s.localHeight >= s.remoteHeight {
		m.requestHeaders(s)
	}
}

// OnResponse correlates a response with its request. Responses with an
// unknown or resolved id, or from the wrong peer, are dropped without
// touching any session. It reports whether the response was accepted.
func (m *Manager) OnResponse(from peer.ID, msg proto.Message) bool {
	ent, ok := m.pending.Get(msg.RequestID)
	if !ok || ent.Peer != from || ent.Chain != msg.Shard {
		m.stale(from, msg, "unknown request")
		return false
	}
	if want, _ := ent.Kind.ResponseKind(); want != msg.Kind {
		m.stale(from, msg, "kind mismatch")
		return false
	}
	m.pending.Remove(ent.ID)
	now := m.deps.Now()
	m.deps.Peers.ReportResponse(from, now.Sub(ent.SentAt))
	m.deps.Metrics.ObserveRequestLatency(now.Sub(ent.SentAt))

	s, ok := m.sessions[ent.Chain]
	if !ok || s.outstanding != ent.ID {
		return true
	}
	s.outstanding = 0
	s.retries = 0
	switch body := msg.Body.(type) {
	case *proto.HeaderResponse:
		m.onHeaders(s, ent, body.Headers)
	case *proto.BlockResponse:
		m.onBlocks(s, ent, body.Blocks)
	}
	return true
}

func (m *Manager) stale(from peer.ID, msg proto.Message, reason string) {
	m.deps.Metrics.IncStaleResponse()
	m.log.Debug("discarding response",
		zap.String("reason", reason),
		zap.Stringer("peer", from),
		zap.Uint64("request_id", msg.RequestID),
		zap.Stringer("kind", msg.Kind))
}

// Sweep retries or abandons every request past its deadline.
func (m *Manager) Sweep() {
	now := m.deps.Now()
	for _, ent := range m.pending.Expired(now) {
		m.pending.Remove(ent.ID)
		m.deps.Metrics.IncSyncTimeout()
		m.deps.Peers.ReportFailure(ent.Peer)
		s, ok := m.sessions[ent.Chain]
		if !ok || s.outstanding != ent.ID {
			continue
		}
		m.log.Debug("request timed out",
			zap.Stringer("chain", ent.Chain),
			zap.Stringer("peer", ent.Peer),
			zap.Uint64("request_id", ent.ID),
			zap.Int("retries", ent.Retries))
		m.retry(s, ent)
	}
}

// OnPeerGone drops the peer's requests and sessions. A request in flight is
// reissued to another peer when one has a sufficient head.
func (m *Manager) OnPeerGone(p peer.ID) {
	for _, ent := range m.pending.ForPeer(p) {
		m.pending.Remove(ent.ID)
		s, ok := m.sessions[ent.Chain]
		if !ok || s.outstanding != ent.ID {
			continue
		}
		alt, ok := m.deps.Peers.BestPeer(ent.Chain, ent.MinHeight, map[peer.ID]bool{p: true})
		if !ok {
			delete(m.sessions, ent.Chain)
			continue
		}
		s.peer = alt
		m.deps.Metrics.IncSyncRetry()
		m.issue(s, ent.Body, ent.MinHeight, ent.Retries)
	}
	for c, s := range m.sessions {
		if s.peer == p {
			delete(m.sessions, c)
		}
	}
}

func (m *Manager) retry(s *session, ent *Pending) {
	attempt := ent.Retries + 1
	if attempt > m.cfg.MaxRetries {
		m.stall(s, "retries exhausted")
		return
	}
	next := ent.Peer
	if alt, ok := m.deps.Peers.BestPeer(ent.Chain, ent.MinHeight, map[peer.ID]bool{ent.Peer: true}); ok {
		next = alt
	}
	s.peer = next
	m.deps.Metrics.IncSyncRetry()
	m.issue(s, ent.Body, ent.MinHeight, attempt)
}

func (m *Manager) stall(s *session, reason string) {
	s.state = Stalled
	s.outstanding = 0
	s.stalledAt = m.deps.Now()
	s.clearBatch()
	m.deps.Metrics.IncSyncStall(reason)
	m.log.Warn("sync stalled",
		zap.Stringer("chain", s.chain),
		zap.Stringer("peer", s.peer),
		zap.String("reason", reason),
		zap.Uint64("local", s.localHeight),
		zap.Uint64("remote", s.remoteHeight))
}

func (m *Manager) deadline(now time.Time, retries int) time.Time {
	d := m.cfg.RequestTimeout
	if m.cfg.BackoffFactor > 1 && retries > 0 {
		steps := min(retries, maxBackoffSteps)
		d = time.Duration(float64(d) * math.Pow(m.cfg.BackoffFactor, float64(steps)))
	}
	return now.Add(d)
}

// issue registers and sends a request for s. A send failure is handled like
// an immediate timeout.
func (m *Manager) issue(s *session, body proto.Body, minHeight uint64, retries int) {
	now := m.deps.Now()
	ent := m.pending.Add(Pending{
		Peer:      s.peer,
		Chain:     s.chain,
		Kind:      body.Kind(),
		Body:      body,
		MinHeight: minHeight,
		SentAt:    now,
		Deadline:  m.deadline(now, retries),
		Retries:   retries,
	})
	s.outstanding = ent.ID
	s.retries = retries
	s.deadline = ent.Deadline
	m.deps.Metrics.IncSyncRequest(body.Kind().String())
	if err := m.deps.Sender.SendMessage(s.peer, proto.New(body, s.chain, ent.ID)); err != nil {
		m.log.Debug("request send failed",
			zap.Stringer("peer", s.peer),
			zap.Stringer("kind", body.Kind()),
			zap.Error(err))
		m.pending.Remove(ent.ID)
		m.deps.Peers.ReportFailure(s.peer)
		m.retry(s, ent)
	}
}

func (m *Manager) requestHeaders(s *session) {
	local := m.deps.Chain.LocalHead(s.chain)
	s.advanceLocal(local.Height)
	s.base = local
	s.clearBatch()
	m.retarget(s, local.Height)
	if local.Height >= s.remoteHeight {
		s.state = Synced
		return
	}
	to := min(s.remoteHeight, local.Height+uint64(m.cfg.HeaderBatch))
	s.state = RequestingHeaders
	m.issue(s, &proto.HeaderRequest{From: local.Height, To: to}, local.Height+1, 0)
}

// retarget raises the session's target to the best head in the peer set and
// moves the session off a peer that has nothing above local.
func (m *Manager) retarget(s *session, local uint64) {
	best, ok := m.deps.Peers.BestPeer(s.chain, local+1, nil)
	if !ok {
		return
	}
	if h, ok := m.deps.Peers.Head(best, s.chain); ok && h.Height > s.remoteHeight {
		s.remoteHeight = h.Height
	}
	if h, ok := m.deps.Peers.Head(s.peer, s.chain); ok && h.Height > local {
		return
	}
	if best != s.peer {
		m.log.Debug("sync peer switched",
			zap.Stringer("chain", s.chain),
			zap.Stringer("from", s.peer),
			zap.Stringer("to", best),
			zap.Uint64("remote", s.remoteHeight))
		s.peer = best
	}
}

func (m *Manager) onHeaders(s *session, ent *Pending, headers []chain.Header) {
	if len(headers) == 0 {
		m.deps.Peers.ReportFailure(ent.Peer)
		m.retry(s, ent)
		return
	}
	req, _ := ent.Body.(*proto.HeaderRequest)
	if req != nil && uint64(len(headers)) > req.To-req.From {
		m.deps.Peers.ReportFailure(ent.Peer)
		m.retry(s, ent)
		return
	}
	prev := s.base
	for _, h := range headers {
		if h.Chain != s.chain || !h.Links(prev) {
			m.fork(s, headers)
			return
		}
		prev = chain.Head{Height: h.Height, Hash: h.Hash()}
	}
	// The head may have moved while the request was out; skip what is
	// already applied, provided it is the same history.
	local := m.deps.Chain.LocalHead(s.chain)
	for len(headers) > 0 && headers[0].Height <= local.Height {
		have, ok := m.deps.Chain.BlockAt(s.chain, headers[0].Height)
		if !ok || have.Hash() != headers[0].Hash() {
			m.fork(s, headers)
			return
		}
		headers = headers[1:]
	}
	if last := headers; len(last) > 0 && last[len(last)-1].Height > s.remoteHeight {
		s.remoteHeight = last[len(last)-1].Height
	}
	s.headers = headers
	s.bodies = make(map[chain.Hash]chain.Block, len(headers))
	s.state = DownloadingBlocks
	m.requestBlocks(s)
}

func (m *Manager) fork(s *session, headers []chain.Header) {
	if m.deps.Forks != nil {
		m.deps.Forks.HandleFork(s.chain, s.peer, headers)
	}
	m.stall(s, "header discontinuity")
}

func (m *Manager) requestBlocks(s *session) {
	var (
		want      []chain.Hash
		minHeight uint64
	)
	for _, h := range s.headers {
		hash := h.Hash()
		if _, ok := s.bodies[hash]; ok {
			continue
		}
		want = append(want, hash)
		minHeight = h.Height
		if len(want) == m.cfg.BlockBatch {
			break
		}
	}
	if len(want) == 0 {
		m.verify(s)
		return
	}
	s.inflight = make(map[chain.Hash]bool, len(want))
	for _, h := range want {
		s.inflight[h] = true
	}
	m.issue(s, &proto.BlockRequest{Hashes: want}, minHeight, 0)
}

func (m *Manager) onBlocks(s *session, ent *Pending, blocks []chain.Block) {
	got := 0
	for _, b := range blocks {
		h := b.Hash()
		if !s.inflight[h] || b.Header.Chain != s.chain || b.CheckBody() != nil {
			continue
		}
		if _, dup := s.bodies[h]; dup {
			continue
		}
		s.bodies[h] = b
		got++
	}
	if got == 0 {
		m.deps.Peers.ReportFailure(ent.Peer)
		m.retry(s, ent)
		return
	}
	m.requestBlocks(s)
}

func (m *Manager) verify(s *session) {
	s.state = Verifying
	applied := 0
	for _, h := range s.headers {
		b := s.bodies[h.Hash()]
		var err error
		if !m.deps.Chain.ValidateBlock(b) {
			err = &chain.ApplyError{Chain: s.chain, Height: h.Height, Err: errInvalidBlock}
		} else if err = m.deps.Chain.Apply(b); err != nil {
			err = &chain.ApplyError{Chain: s.chain, Height: h.Height, Err: err}
		}
		if err != nil {
			m.deps.Peers.ReportFailure(s.peer)
			m.deps.Metrics.AddBlocksApplied(s.chain.String(), applied)
			m.log.Warn("apply failed, dropping batch",
				zap.Stringer("chain", s.chain),
				zap.Stringer("peer", s.peer),
				zap.Error(err))
			s.clearBatch()
			s.state = Idle
			return
		}
		applied++
		s.advanceLocal(h.Height)
	}
	m.deps.Metrics.AddBlocksApplied(s.chain.String(), applied)
	m.deps.Metrics.SetLocalHeight(s.chain.String(), s.localHeight)
	m.requestHeaders(s)
	if s.state == Synced {
		m.log.Info("chain synced",
			zap.Stringer("chain", s.chain),
			zap.Uint64("height", s.localHeight))
	}
}
