package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shardnet/internal/chain"
)

// WireVersion is the version of the message header layout.
const WireVersion uint8 = 1

// Header layout after the 4-byte length prefix:
//
//	[0]     wire version
//	[1]     kind
//	[2]     flags
//	[3]     payload version
//	[4:8]   shard id
//	[8:16]  request id
//	[16:]   payload
const headerSize = 16

const (
	flagHasShard uint8 = 1 << 0
	flagsKnown         = flagHasShard
)

type Kind uint8

const (
	KindReserved Kind = iota
	KindBlockAnnounce
	KindBlockRequest
	KindBlockResponse
	KindTransactionGossip
	KindHeaderRequest
	KindHeaderResponse
	KindPeerInfoExchange
)

var kindNames = map[Kind]string{
	KindBlockAnnounce:     "block_announce",
	KindBlockRequest:      "block_request",
	KindBlockResponse:     "block_response",
	KindTransactionGossip: "tx_gossip",
	KindHeaderRequest:     "header_request",
	KindHeaderResponse:    "header_response",
	KindPeerInfoExchange:  "peer_info",
}

// payloadVersions lists the payload encoding each known kind speaks.
var payloadVersions = map[Kind]uint8{
	KindBlockAnnounce:     1,
	KindBlockRequest:      1,
	KindBlockResponse:     1,
	KindTransactionGossip: 1,
	KindHeaderRequest:     1,
	KindHeaderResponse:    1,
	KindPeerInfoExchange:  1,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Known() bool {
	_, ok := payloadVersions[k]
	return ok
}

// ResponseKind returns the kind that answers request kind k.
func (k Kind) ResponseKind() (Kind, bool) {
	switch k {
	case KindBlockRequest:
		return KindBlockResponse, true
	case KindHeaderRequest:
		return KindHeaderResponse, true
	}
	return KindReserved, false
}

var (
	ErrTruncated       = errors.New("proto: truncated frame")
	ErrUnknownKind     = errors.New("proto: unknown message kind")
	ErrVersionMismatch = errors.New("proto: version mismatch")
	ErrCorruptPayload  = errors.New("proto: corrupt payload")
)

// DecodeError classifies a malformed frame. Reason is one of the Err*
// sentinels above.
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Detail
}

func (e *DecodeError) Unwrap() error { return e.Reason }

func decodeErr(reason error, format string, args ...any) error {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Message is the decoded envelope. Body is nil for kinds this build does not
// know; Raw then carries the payload untouched.
type Message struct {
	Kind           Kind
	Shard          chain.ChainID
	HasShard       bool
	RequestID      uint64
	PayloadVersion uint8
	Body           Body
	Raw            []byte
}

// New builds a message for body on the given chain.
func New(body Body, shard chain.ChainID, requestID uint64) Message {
	return Message{
		Kind:      body.Kind(),
		Shard:     shard,
		HasShard:  true,
		RequestID: requestID,
		Body:      body,
	}
}

func (m Message) Unsupported() bool {
	return m.Body == nil
}

func Encode(m Message) ([]byte, error) {
	var (
		payload []byte
		version uint8
		err     error
	)
	switch {
	case m.Body != nil:
		if m.Kind != KindReserved && m.Kind != m.Body.Kind() {
			return nil, fmt.Errorf("kind %s does not match body %s", m.Kind, m.Body.Kind())
		}
		if err := m.Body.validate(); err != nil {
			return nil, err
		}
		m.Kind = m.Body.Kind()
		version = payloadVersions[m.Kind]
		payload, err = marshal(m.Body)
		if err != nil {
			return nil, err
		}
	case m.Kind == KindReserved || m.Kind.Known():
		return nil, fmt.Errorf("message %s has no body", m.Kind)
	default:
		payload = m.Raw
		version = m.PayloadVersion
	}
	if !m.HasShard && m.Shard != 0 {
		return nil, fmt.Errorf("shard %d set without shard flag", m.Shard)
	}
	total := headerSize + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	h := out[4:]
	h[0] = WireVersion
	h[1] = uint8(m.Kind)
	if m.HasShard {
		h[2] = flagHasShard
	}
	h[3] = version
	binary.BigEndian.PutUint32(h[4:8], uint32(m.Shard))
	binary.BigEndian.PutUint64(h[8:16], m.RequestID)
	copy(h[headerSize:], payload)
	return out, nil
}

// Decode parses one complete frame. It never panics and rejects trailing
// bytes rather than ignoring them.
func Decode(b []byte) (Message, error) {
	if len(b) < 4 {
		return Message{}, decodeErr(ErrTruncated, "missing length prefix")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if n > MaxFrameSize {
		return Message{}, decodeErr(ErrCorruptPayload, "frame length %d exceeds limit", n)
	}
	if n < headerSize {
		return Message{}, decodeErr(ErrTruncated, "frame length %d shorter than header", n)
	}
	rest := b[4:]
	if uint64(len(rest)) < uint64(n) {
		return Message{}, decodeErr(ErrTruncated, "have %d of %d bytes", len(rest), n)
	}
	if uint64(len(rest)) > uint64(n) {
		return Message{}, decodeErr(ErrCorruptPayload, "%d trailing bytes", uint64(len(rest))-uint64(n))
	}
	h := rest
	if h[0] != WireVersion {
		return Message{}, decodeErr(ErrVersionMismatch, "wire version %d", h[0])
	}
	kind := Kind(h[1])
	if kind == KindReserved {
		return Message{}, decodeErr(ErrUnknownKind, "reserved kind 0")
	}
	flags := h[2]
	if flags&^flagsKnown != 0 {
		return Message{}, decodeErr(ErrCorruptPayload, "unknown flags %#x", flags)
	}
	m := Message{
		Kind:           kind,
		HasShard:       flags&flagHasShard != 0,
		PayloadVersion: h[3],
		Shard:          chain.ChainID(binary.BigEndian.Uint32(h[4:8])),
		RequestID:      binary.BigEndian.Uint64(h[8:16]),
	}
	if !m.HasShard && m.Shard != 0 {
		return Message{}, decodeErr(ErrCorruptPayload, "shard id without shard flag")
	}
	payload := make([]byte, len(h)-headerSize)
	copy(payload, h[headerSize:])
	m.Raw = payload

	want, known := payloadVersions[kind]
	if !known {
		return m, nil
	}
	if m.PayloadVersion != want {
		return Message{}, decodeErr(ErrVersionMismatch, "%s payload version %d", kind, m.PayloadVersion)
	}
	body := newBody(kind)
	if err := unmarshal(payload, body); err != nil {
		return Message{}, decodeErr(ErrCorruptPayload, "%s: %v", kind, err)
	}
	if err := body.validate(); err != nil {
		return Message{}, decodeErr(ErrCorruptPayload, "%s: %v", kind, err)
	}
	m.Body = body
	return m, nil
}
