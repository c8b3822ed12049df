package proto

import (
	"errors"
	"fmt"

	"shardnet/internal/chain"
)

type HandshakeKind uint8

const (
	HandshakeHello HandshakeKind = iota + 1
	HandshakeAck
	HandshakeReject
)

const (
	PubKeySize    = 32
	EphemeralSize = 32
	NonceSize     = 32
	SigSize       = 64
	MaxNetworkID  = 64
	MaxStatusLen  = 1024
)

const (
	labelHelloSig = "shardnet:hello:v1"
	labelAckSig   = "shardnet:hello-ack:v1"
)

// ChainHead advertises the sender's head on one chain.
type ChainHead struct {
	Chain chain.ChainID `cbor:"1,keyasint"`
	Head  chain.Head    `cbor:"2,keyasint"`
}

// Hello opens a session (dialer) or accepts one (responder, as HelloAck).
type Hello struct {
	NetworkID  string      `cbor:"1,keyasint"`
	Version    uint16      `cbor:"2,keyasint"`
	MinVersion uint16      `cbor:"3,keyasint"`
	PubKey     []byte      `cbor:"4,keyasint"`
	Ephemeral  []byte      `cbor:"5,keyasint"`
	Nonce      []byte      `cbor:"6,keyasint"`
	ListenAddr string      `cbor:"7,keyasint,omitempty"`
	Status     []ChainHead `cbor:"8,keyasint,omitempty"`
	Sig        []byte      `cbor:"9,keyasint,omitempty"`
}

// Compatible reports whether two advertised version ranges overlap.
func Compatible(localVersion, localMin, remoteVersion, remoteMin uint16) bool {
	return remoteVersion >= localMin && localVersion >= remoteMin
}

// SigningBytes returns what the sender signs. An ack also covers the
// dialer's nonce so it cannot be replayed to another dialer.
func (h Hello) SigningBytes(kind HandshakeKind, peerNonce []byte) ([]byte, error) {
	h.Sig = nil
	body, err := marshal(h)
	if err != nil {
		return nil, err
	}
	label := labelHelloSig
	if kind == HandshakeAck {
		label = labelAckSig
	}
	out := make([]byte, 0, len(label)+len(peerNonce)+len(body))
	out = append(out, label...)
	out = append(out, peerNonce...)
	out = append(out, body...)
	return out, nil
}

func (h Hello) validate() error {
	if h.NetworkID == "" || len(h.NetworkID) > MaxNetworkID {
		return errors.New("bad network id")
	}
	if len(h.PubKey) != PubKeySize {
		return errors.New("bad public key size")
	}
	if len(h.Ephemeral) != EphemeralSize {
		return errors.New("bad ephemeral key size")
	}
	if len(h.Nonce) != NonceSize {
		return errors.New("bad nonce size")
	}
	if len(h.Sig) != SigSize {
		return errors.New("bad signature size")
	}
	if len(h.ListenAddr) > MaxAddrLen {
		return errors.New("listen address too long")
	}
	if len(h.Status) > MaxStatusLen {
		return errors.New("status too long")
	}
	if h.MinVersion > h.Version {
		return errors.New("min version above version")
	}
	return nil
}

type RejectReason uint8

const (
	RejectNetwork RejectReason = iota + 1
	RejectVersion
	RejectSelf
	RejectBusy
	RejectAuth
	RejectDuplicate
)

func (r RejectReason) String() string {
	switch r {
	case RejectNetwork:
		return "foreign network"
	case RejectVersion:
		return "incompatible version"
	case RejectSelf:
		return "self connection"
	case RejectBusy:
		return "busy"
	case RejectAuth:
		return "authentication failed"
	case RejectDuplicate:
		return "already connected"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

type Reject struct {
	Reason RejectReason `cbor:"1,keyasint"`
}

// Handshake is one pre-session frame: Hello, HelloAck or Reject.
type Handshake struct {
	Kind   HandshakeKind
	Hello  Hello
	Reject Reject
}

func EncodeHandshake(h Handshake) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch h.Kind {
	case HandshakeHello, HandshakeAck:
		if err := h.Hello.validate(); err != nil {
			return nil, err
		}
		body, err = marshal(h.Hello)
	case HandshakeReject:
		body, err = marshal(h.Reject)
	default:
		return nil, fmt.Errorf("unknown handshake kind %d", h.Kind)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(h.Kind))
	return append(out, body...), nil
}

func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) < 2 {
		return Handshake{}, decodeErr(ErrTruncated, "handshake frame of %d bytes", len(b))
	}
	h := Handshake{Kind: HandshakeKind(b[0])}
	switch h.Kind {
	case HandshakeHello, HandshakeAck:
		if err := unmarshal(b[1:], &h.Hello); err != nil {
			return Handshake{}, decodeErr(ErrCorruptPayload, "hello: %v", err)
		}
		if err := h.Hello.validate(); err != nil {
			return Handshake{}, decodeErr(ErrCorruptPayload, "hello: %v", err)
		}
	case HandshakeReject:
		if err := unmarshal(b[1:], &h.Reject); err != nil {
			return Handshake{}, decodeErr(ErrCorruptPayload, "reject: %v", err)
		}
	default:
		return Handshake{}, decodeErr(ErrUnknownKind, "handshake kind %d", b[0])
	}
	return h, nil
}
