package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardnet/internal/crypto"
	"shardnet/internal/debuglog"
	"shardnet/internal/metrics"
	"shardnet/internal/peer"
)

// link is the raw stream provider under a Host.
type link interface {
	dial(ctx context.Context, addr string) (stream, error)
	close() error
}

// Host implements Transport over any link: it runs the handshake, keeps one
// session per peer and moves sealed frames.
type Host struct {
	cfg     Config
	ident   crypto.Identity
	self    peer.ID
	link    link
	limiter *ipLimiter
	metrics *metrics.Metrics
	log     *zap.Logger
	noisy   *debuglog.Limiter

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[peer.ID]*conn
	closed  bool
	session uint64
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func newHost(cfg Config, ident crypto.Identity, m *metrics.Metrics, log *zap.Logger) *Host {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:     cfg,
		ident:   ident,
		self:    peer.IDFromPublicKey(ident.Public),
		limiter: newIPLimiter(cfg.MaxInboundPerIP),
		metrics: m,
		log:     debuglog.OrNop(log).Named("transport"),
		noisy:   debuglog.NewLimiter(10 * time.Second),
		events:  make(chan Event, cfg.InboundQueue),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[peer.ID]*conn),
	}
}

func (h *Host) LocalID() peer.ID { return h.self }

func (h *Host) Events() <-chan Event { return h.events }

func (h *Host) connected(id peer.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[id]
	return ok
}

func (h *Host) lookup(id peer.ID) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

func (h *Host) byAddr(addr string) (peer.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		if c.addr == addr || c.hello.ListenAddr == addr {
			return id, true
		}
	}
	return peer.ID{}, false
}

// spawn runs f on a tracked goroutine unless the host is closed.
func (h *Host) spawn(f func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		f()
	}()
	return true
}

func (h *Host) Connect(ctx context.Context, addr string) (peer.ID, error) {
	if h.ctx.Err() != nil {
		return peer.ID{}, ErrClosed
	}
	if id, ok := h.byAddr(addr); ok {
		return id, nil
	}
	s, err := h.link.dial(ctx, addr)
	if err != nil {
		h.metrics.IncConnectFailure(Unreachable.String())
		return peer.ID{}, connectErr(Unreachable, addr, err)
	}
	_ = s.SetDeadline(h.handshakeDeadline(ctx))
	stopHost := context.AfterFunc(h.ctx, func() { _ = s.Close() })
	stopCaller := context.AfterFunc(ctx, func() { _ = s.Close() })
	sec, err := h.dialHandshake(s, addr)
	stopHost()
	stopCaller()
	if err != nil {
		_ = s.Close()
		h.countConnectFailure(err)
		return peer.ID{}, err
	}
	_ = s.SetDeadline(time.Time{})
	return h.register(s, sec, addr, false, nil)
}

func (h *Host) handshakeDeadline(ctx context.Context) time.Time {
	d := time.Now().Add(h.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (h *Host) countConnectFailure(err error) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		h.metrics.IncConnectFailure(ce.Kind.String())
	}
}

// serveInbound admits a stream accepted by the link.
func (h *Host) serveInbound(s stream) {
	ip := hostOf(s.RemoteAddr())
	if !h.limiter.acquire(ip) {
		h.log.Debug("inbound over per-ip limit", zap.String("addr", s.RemoteAddr()))
		h.metrics.IncConnectFailure("ip_limit")
		_ = s.Close()
		return
	}
	release := func() { h.limiter.release(ip) }
	_ = s.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	stop := context.AfterFunc(h.ctx, func() { _ = s.Close() })
	sec, err := h.acceptHandshake(s)
	stop()
	if err != nil {
		release()
		_ = s.Close()
		h.countConnectFailure(err)
		if h.noisy.Allow("inbound:" + ip) {
			h.log.Debug("inbound handshake failed", zap.String("addr", s.RemoteAddr()), zap.Error(err))
		}
		return
	}
	_ = s.SetDeadline(time.Time{})
	if _, err := h.register(s, sec, s.RemoteAddr(), true, release); err != nil {
		h.log.Debug("inbound session dropped", zap.Stringer("peer", sec.remote), zap.Error(err))
	}
}

// register installs a secured session and starts its goroutines. A second
// session to a connected peer is closed and the existing id returned.
func (h *Host) register(s stream, sec secured, addr string, inbound bool, release func()) (peer.ID, error) {
	c := newConn(h, s, sec, addr, inbound, release)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(ErrClosed)
		return peer.ID{}, ErrClosed
	}
	if _, dup := h.conns[sec.remote]; dup {
		h.mu.Unlock()
		c.close(ErrAlreadyConnected)
		return sec.remote, nil
	}
	h.session++
	c.session = h.session
	h.conns[sec.remote] = c
	h.wg.Add(2)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
	h.metrics.IncPeerEvent("connected")
	h.log.Info("peer connected",
		zap.Stringer("peer", sec.remote),
		zap.String("addr", addr),
		zap.Bool("inbound", inbound),
		zap.Uint16("version", sec.hello.Version))
	return sec.remote, nil
}

func (h *Host) remove(c *conn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

// emit blocks until the event is consumed or the host shuts down.
func (h *Host) emit(ev Event, abort <-chan struct{}) bool {
	select {
	case h.events <- ev:
		return true
	case <-abort:
		return false
	case <-h.ctx.Done():
		return false
	}
}

func (h *Host) Disconnect(id peer.ID) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		c.close(errDisconnected)
	}
}

var errDisconnected = errors.New("network: disconnected locally")

func (h *Host) Send(id peer.ID, frame []byte) error {
	if len(frame) > MaxPayload {
		h.metrics.IncSendFailure("too_large")
		return ErrFrameTooLarge
	}
	c := h.lookup(id)
	if c == nil {
		h.metrics.IncSendFailure("peer_gone")
		return ErrPeerGone
	}
	err := c.enqueue(frame, h.cfg.SendTimeout)
	switch {
	case errors.Is(err, ErrBackpressure):
		h.metrics.IncSendFailure("backpressure")
	case errors.Is(err, ErrPeerGone):
		h.metrics.IncSendFailure("peer_gone")
	}
	return err
}

// Close stops the link, tears every session down and closes Events once all
// connection goroutines have exited.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		conns := make([]*conn, 0, len(h.conns))
		for id, c := range h.conns {
			conns = append(conns, c)
			delete(h.conns, id)
		}
		h.mu.Unlock()
		h.cancel()
		if h.link != nil {
			err = h.link.close()
		}
		for _, c := range conns {
			c.close(ErrClosed)
		}
		h.wg.Wait()
		close(h.events)
	})
	return err
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
