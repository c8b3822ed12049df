// Package network establishes authenticated peer sessions and moves opaque
// frames between them.
package network

import (
	"context"
	"time"

	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

const (
	DefaultSendQueue        = 256
	DefaultInboundQueue     = 1024
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultIdleTimeout      = 60 * time.Second

	// sealedOverhead is the sequence number plus the AEAD tag.
	sealedOverhead = 8 + 16
	// MaxPayload is the largest frame Send accepts.
	MaxPayload = proto.MaxFrameSize - sealedOverhead
)

// Transport is the capability the coordinator needs from a peer network.
type Transport interface {
	LocalID() peer.ID
	// Connect dials addr and completes the handshake. Connecting to an
	// already connected peer returns its id.
	Connect(ctx context.Context, addr string) (peer.ID, error)
	// Disconnect tears the session down. Unknown or already departed peers
	// are ignored.
	Disconnect(id peer.ID)
	// Send queues a frame without blocking longer than the send timeout.
	Send(id peer.ID, frame []byte) error
	// Events yields connection changes and inbound frames until Close.
	// Events of one peer arrive in order: connected, frames, disconnected.
	Events() <-chan Event
	Close() error
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventFrame
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventFrame:
		return "frame"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	Peer peer.ID
	// Session numbers the connection; a reconnect of the same peer gets a
	// new one, so a late disconnect of the old session can be told apart.
	Session uint64
	// Data is set for EventFrame.
	Data []byte
	// Hello, Addr and Inbound are set for EventConnected.
	Hello   proto.Hello
	Addr    string
	Inbound bool
	// Err is the cause for EventDisconnected.
	Err error
}

// Config holds what both transports share.
type Config struct {
	NetworkID       string
	ProtocolVersion uint16
	MinVersion      uint16
	// ListenAddr is advertised in the handshake.
	ListenAddr string
	// Status supplies the local chain heads for the handshake. It is called
	// from connection goroutines.
	Status func() []proto.ChainHead

	SendQueue        int
	SendTimeout      time.Duration
	InboundQueue     int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxInboundPerIP  int
}

func (c Config) withDefaults() Config {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.MinVersion == 0 || c.MinVersion > c.ProtocolVersion {
		c.MinVersion = c.ProtocolVersion
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = DefaultInboundQueue
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}
