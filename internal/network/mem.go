package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardnet/internal/crypto"
	"shardnet/internal/metrics"
)

// MemNetwork connects hosts in one process over synchronous pipes. Sessions
// still run the full handshake and frame sealing.
type MemNetwork struct {
	mu    sync.Mutex
	hosts map[string]*Host
	next  int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[string]*Host)}
}

// MemTransport is a Host attached to a MemNetwork.
type MemTransport struct {
	*Host
	addr string
}

func (t *MemTransport) Addr() string { return t.addr }

// Listen attaches a host at addr; an empty addr picks a free one.
func (n *MemNetwork) Listen(addr string, cfg Config, ident crypto.Identity, m *metrics.Metrics, log *zap.Logger) (*MemTransport, error) {
	n.mu.Lock()
	if addr == "" {
		for {
			n.next++
			addr = fmt.Sprintf("mem-%d", n.next)
			if _, taken := n.hosts[addr]; !taken {
				break
			}
		}
	}
	if _, taken := n.hosts[addr]; taken {
		n.mu.Unlock()
		return nil, fmt.Errorf("network: listen %s: address in use", addr)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = addr
	}
	h := newHost(cfg, ident, m, log)
	h.link = &memLink{net: n, addr: addr}
	n.hosts[addr] = h
	n.mu.Unlock()
	return &MemTransport{Host: h, addr: addr}, nil
}

func (n *MemNetwork) lookup(addr string) *Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[addr]
}

func (n *MemNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.hosts, addr)
	n.mu.Unlock()
}

type memLink struct {
	net  *MemNetwork
	addr string
}

func (l *memLink) dial(ctx context.Context, addr string) (stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := l.net.lookup(addr)
	if target == nil {
		return nil, fmt.Errorf("no listener at %s", addr)
	}
	local, remote := net.Pipe()
	if !target.spawn(func() { target.serveInbound(&memStream{c: remote, remote: l.addr}) }) {
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("listener at %s closed", addr)
	}
	return &memStream{c: local, remote: addr}, nil
}

func (l *memLink) close() error {
	l.net.remove(l.addr)
	return nil
}

type memStream struct {
	c      net.Conn
	remote string
}

func (s *memStream) Read(p []byte) (int, error)    { return s.c.Read(p) }
func (s *memStream) Write(p []byte) (int, error)   { return s.c.Write(p) }
func (s *memStream) Close() error                  { return s.c.Close() }
func (s *memStream) SetDeadline(t time.Time) error { return s.c.SetDeadline(t) }
func (s *memStream) RemoteAddr() string            { return s.remote }
func (s *memStream) PeerKey() []byte               { return nil }
