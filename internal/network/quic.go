package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"shardnet/internal/crypto"
	"shardnet/internal/metrics"
)

const alpnProtocol = "shardnet/1"

// QUICTransport carries each peer session on one bidirectional stream of a
// TLS 1.3 QUIC connection. The TLS certificates carry the identity keys and
// must match the keys signed into the handshake.
type QUICTransport struct {
	*Host
	listener *quic.Listener
}

type quicLink struct {
	listener  *quic.Listener
	clientTLS *tls.Config
	qconf     *quic.Config
	dials     *dialTracker
}

func tlsConfigs(ident crypto.Identity) (server, client *tls.Config, err error) {
	cert, err := ident.TLSCertificate()
	if err != nil {
		return nil, nil, err
	}
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
	// Peers are authenticated by the signed handshake, not a CA.
	client = &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
	return server, client, nil
}

func quicConfig(cfg Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		MaxIdleTimeout:       cfg.IdleTimeout,
		KeepAlivePeriod:      cfg.IdleTimeout / 3,
	}
}

// ListenQUIC binds addr and starts accepting peers. When cfg.ListenAddr is
// empty the bound address is advertised.
func ListenQUIC(addr string, cfg Config, ident crypto.Identity, m *metrics.Metrics, log *zap.Logger) (*QUICTransport, error) {
	serverTLS, clientTLS, err := tlsConfigs(ident)
	if err != nil {
		return nil, fmt.Errorf("network: tls: %w", err)
	}
	cfg = cfg.withDefaults()
	qconf := quicConfig(cfg)
	ln, err := quic.ListenAddr(addr, serverTLS, qconf)
	if err != nil {
		return nil, fmt.Errorf("network: listen %s: %w", addr, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ln.Addr().String()
	}
	h := newHost(cfg, ident, m, log)
	ql := &quicLink{listener: ln, clientTLS: clientTLS, qconf: qconf, dials: newDialTracker()}
	h.link = ql
	h.spawn(func() { ql.acceptLoop(h) })
	h.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()), zap.Stringer("id", h.self))
	return &QUICTransport{Host: h, listener: ln}, nil
}

// Addr is the bound listen address.
func (t *QUICTransport) Addr() string {
	return t.listener.Addr().String()
}

func (l *quicLink) acceptLoop(h *Host) {
	for {
		qc, err := l.listener.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.log.Warn("quic accept stopped", zap.Error(err))
			}
			return
		}
		h.spawn(func() {
			ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
			st, err := qc.AcceptStream(ctx)
			cancel()
			if err != nil {
				_ = qc.CloseWithError(1, "no session stream")
				return
			}
			h.serveInbound(newQUICStream(qc, st))
		})
	}
}

func (l *quicLink) dial(ctx context.Context, addr string) (stream, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	qc, err := dialWith(ctx, l.dials, addr, func(ctx context.Context) (*quic.Conn, error) {
		return quic.DialAddr(ctx, addr, l.clientTLS, l.qconf)
	})
	if err != nil {
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream")
		return nil, err
	}
	return newQUICStream(qc, st), nil
}

func (l *quicLink) close() error {
	return l.listener.Close()
}

type quicStream struct {
	*quic.Stream
	conn    *quic.Conn
	peerKey []byte
}

func newQUICStream(qc *quic.Conn, st *quic.Stream) *quicStream {
	s := &quicStream{Stream: st, conn: qc, peerKey: []byte{}}
	certs := qc.ConnectionState().TLS.PeerCertificates
	if len(certs) > 0 {
		if pub, err := crypto.CertificateKey(certs[0].Raw); err == nil {
			s.peerKey = pub
		}
	}
	return s
}

func (s *quicStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// PeerKey never returns nil: a missing or unusable certificate yields an
// empty key, which no hello matches.
func (s *quicStream) PeerKey() []byte { return s.peerKey }

func (s *quicStream) SetDeadline(t time.Time) error { return s.Stream.SetDeadline(t) }

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	_ = s.conn.CloseWithError(0, "closed")
	return err
}
