package network

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"shardnet/internal/crypto"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

// ErrAlreadyConnected is returned when the remote side already holds a
// session with us.
var ErrAlreadyConnected = errors.New("network: already connected")

// stream is one bidirectional byte stream to a peer, as provided by a link.
type stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	RemoteAddr() string
	// PeerKey is the identity key of the TLS peer certificate, or nil when
	// the link has no TLS layer.
	PeerKey() []byte
}

// secured is the outcome of a completed handshake.
type secured struct {
	remote  peer.ID
	hello   proto.Hello
	channel *crypto.Channel
}

func (h *Host) signedHello(kind proto.HandshakeKind, eph *crypto.Ephemeral, nonce, peerNonce []byte) (proto.Hello, error) {
	ephPub, err := eph.Public()
	if err != nil {
		return proto.Hello{}, err
	}
	hello := proto.Hello{
		NetworkID:  h.cfg.NetworkID,
		Version:    h.cfg.ProtocolVersion,
		MinVersion: h.cfg.MinVersion,
		PubKey:     h.ident.Public,
		Ephemeral:  ephPub,
		Nonce:      nonce,
		ListenAddr: h.cfg.ListenAddr,
	}
	if h.cfg.Status != nil {
		hello.Status = h.cfg.Status()
	}
	msg, err := hello.SigningBytes(kind, peerNonce)
	if err != nil {
		return proto.Hello{}, err
	}
	hello.Sig = h.ident.Sign(msg)
	return hello, nil
}

// checkHello authenticates the remote hello and returns its peer id, or the
// reason to reject it.
func (h *Host) checkHello(s stream, hello proto.Hello, kind proto.HandshakeKind, peerNonce []byte) (peer.ID, proto.RejectReason, error) {
	if hello.NetworkID != h.cfg.NetworkID {
		return peer.ID{}, proto.RejectNetwork, fmt.Errorf("foreign network %q", hello.NetworkID)
	}
	if !proto.Compatible(h.cfg.ProtocolVersion, h.cfg.MinVersion, hello.Version, hello.MinVersion) {
		return peer.ID{}, proto.RejectVersion, fmt.Errorf("version %d (min %d) outside %d..%d",
			hello.Version, hello.MinVersion, h.cfg.MinVersion, h.cfg.ProtocolVersion)
	}
	msg, err := hello.SigningBytes(kind, peerNonce)
	if err != nil {
		return peer.ID{}, proto.RejectAuth, err
	}
	if !crypto.Verify(hello.PubKey, msg, hello.Sig) {
		return peer.ID{}, proto.RejectAuth, errors.New("bad hello signature")
	}
	if key := s.PeerKey(); key != nil && !bytes.Equal(key, hello.PubKey) {
		return peer.ID{}, proto.RejectAuth, errors.New("tls key does not match hello key")
	}
	id := peer.IDFromPublicKey(hello.PubKey)
	if id == h.self {
		return peer.ID{}, proto.RejectSelf, errors.New("connected to self")
	}
	return id, 0, nil
}

func rejectKind(r proto.RejectReason) ConnectKind {
	if r == proto.RejectNetwork || r == proto.RejectVersion {
		return ProtocolMismatch
	}
	return HandshakeFailed
}

func transcript(hello, ack []byte) []byte {
	out := make([]byte, 0, len(hello)+len(ack))
	out = append(out, hello...)
	return append(out, ack...)
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// dialHandshake runs the initiator side: Hello out, HelloAck or Reject in.
func (h *Host) dialHandshake(s stream, addr string) (secured, error) {
	fail := func(err error) (secured, error) {
		return secured{}, connectErr(HandshakeFailed, addr, err)
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return fail(err)
	}
	defer eph.Destroy()
	nonce, err := newNonce()
	if err != nil {
		return fail(err)
	}
	hello, err := h.signedHello(proto.HandshakeHello, eph, nonce, nil)
	if err != nil {
		return fail(err)
	}
	helloBytes, err := proto.EncodeHandshake(proto.Handshake{Kind: proto.HandshakeHello, Hello: hello})
	if err != nil {
		return fail(err)
	}
	if err := proto.WriteFrame(s, helloBytes); err != nil {
		return fail(fmt.Errorf("write hello: %w", err))
	}
	replyBytes, err := proto.ReadFrame(s)
	if err != nil {
		return fail(fmt.Errorf("read reply: %w", err))
	}
	reply, err := proto.DecodeHandshake(replyBytes)
	if err != nil {
		return fail(err)
	}
	switch reply.Kind {
	case proto.HandshakeAck:
	case proto.HandshakeReject:
		cause := fmt.Errorf("rejected: %s", reply.Reject.Reason)
		if reply.Reject.Reason == proto.RejectDuplicate {
			cause = ErrAlreadyConnected
		}
		return secured{}, connectErr(rejectKind(reply.Reject.Reason), addr, cause)
	default:
		return fail(fmt.Errorf("unexpected %d in reply to hello", reply.Kind))
	}
	remote, reason, err := h.checkHello(s, reply.Hello, proto.HandshakeAck, nonce)
	if err != nil {
		return secured{}, connectErr(rejectKind(reason), addr, err)
	}
	ss, err := eph.Shared(reply.Hello.Ephemeral)
	if err != nil {
		return fail(err)
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript(helloBytes, replyBytes), true)
	if err != nil {
		return fail(err)
	}
	return secured{
		remote:  remote,
		hello:   reply.Hello,
		channel: crypto.NewChannel(keys, h.self, remote),
	}, nil
}

// acceptHandshake runs the responder side. Rejections are reported to the
// dialer before the error is returned.
func (h *Host) acceptHandshake(s stream) (secured, error) {
	addr := s.RemoteAddr()
	fail := func(err error) (secured, error) {
		return secured{}, connectErr(HandshakeFailed, addr, err)
	}
	helloBytes, err := proto.ReadFrame(s)
	if err != nil {
		return fail(fmt.Errorf("read hello: %w", err))
	}
	msg, err := proto.DecodeHandshake(helloBytes)
	if err != nil {
		return fail(err)
	}
	if msg.Kind != proto.HandshakeHello {
		return fail(fmt.Errorf("expected hello, got %d", msg.Kind))
	}
	remote, reason, err := h.checkHello(s, msg.Hello, proto.HandshakeHello, nil)
	if err == nil && h.connected(remote) {
		reason, err = proto.RejectDuplicate, ErrAlreadyConnected
	}
	if err != nil {
		h.sendReject(s, reason)
		return secured{}, connectErr(rejectKind(reason), addr, err)
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return fail(err)
	}
	defer eph.Destroy()
	nonce, err := newNonce()
	if err != nil {
		return fail(err)
	}
	ack, err := h.signedHello(proto.HandshakeAck, eph, nonce, msg.Hello.Nonce)
	if err != nil {
		return fail(err)
	}
	ackBytes, err := proto.EncodeHandshake(proto.Handshake{Kind: proto.HandshakeAck, Hello: ack})
	if err != nil {
		return fail(err)
	}
	if err := proto.WriteFrame(s, ackBytes); err != nil {
		return fail(fmt.Errorf("write ack: %w", err))
	}
	ss, err := eph.Shared(msg.Hello.Ephemeral)
	if err != nil {
		return fail(err)
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript(helloBytes, ackBytes), false)
	if err != nil {
		return fail(err)
	}
	return secured{
		remote:  remote,
		hello:   msg.Hello,
		channel: crypto.NewChannel(keys, h.self, remote),
	}, nil
}

func (h *Host) sendReject(s stream, reason proto.RejectReason) {
	b, err := proto.EncodeHandshake(proto.Handshake{Kind: proto.HandshakeReject, Reject: proto.Reject{Reason: reason}})
	if err != nil {
		return
	}
	_ = proto.WriteFrame(s, b)
}
