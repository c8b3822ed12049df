package node

import (
	"errors"

	"shardnet/internal/network"
	"shardnet/internal/proto"
)

var (
	ErrClosed             = errors.New("node: closed")
	ErrPeerTableFull      = errors.New("node: peer table full")
	ErrInvalidTransaction = errors.New("node: invalid transaction")
	ErrInvalidBlock       = errors.New("node: invalid block")
	ErrRunning            = errors.New("node: already running")
	// ErrGossipFull means the dedup cache is saturated; retry after its TTL.
	ErrGossipFull = errors.New("node: gossip cache full")
)

// decodeReason labels a decode failure for metrics and logs.
func decodeReason(err error) string {
	switch {
	case errors.Is(err, proto.ErrTruncated):
		return "truncated"
	case errors.Is(err, proto.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, proto.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, proto.ErrCorruptPayload):
		return "corrupt_payload"
	}
	return "other"
}

func sendReason(err error) string {
	switch {
	case errors.Is(err, network.ErrPeerGone):
		return "peer_gone"
	case errors.Is(err, network.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, network.ErrFrameTooLarge):
		return "too_large"
	}
	return "other"
}
