package network

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable      = errors.New("network: peer unreachable")
	ErrHandshakeFailed  = errors.New("network: handshake failed")
	ErrProtocolMismatch = errors.New("network: protocol mismatch")

	ErrPeerGone      = errors.New("network: peer gone")
	ErrBackpressure  = errors.New("network: send queue full")
	ErrFrameTooLarge = errors.New("network: frame too large")
	ErrClosed        = errors.New("network: transport closed")
)

type ConnectKind int

const (
	Unreachable ConnectKind = iota + 1
	HandshakeFailed
	ProtocolMismatch
)

func (k ConnectKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case HandshakeFailed:
		return "handshake_failed"
	case ProtocolMismatch:
		return "protocol_mismatch"
	}
	return fmt.Sprintf("connect_kind(%d)", int(k))
}

func (k ConnectKind) sentinel() error {
	switch k {
	case Unreachable:
		return ErrUnreachable
	case ProtocolMismatch:
		return ErrProtocolMismatch
	}
	return ErrHandshakeFailed
}

// ConnectError describes why an outbound or inbound session could not be
// established.
type ConnectError struct {
	Kind ConnectKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network: connect %s: %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("network: connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func connectErr(kind ConnectKind, addr string, err error) error {
	return &ConnectError{Kind: kind, Addr: addr, Err: err}
}
