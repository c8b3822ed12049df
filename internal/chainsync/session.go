package chainsync

import (
	"fmt"
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/peer"
)

type State int

const (
	Idle State = iota
	RequestingHeaders
	DownloadingBlocks
	Verifying
	Synced
	Stalled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingHeaders:
		return "requesting_headers"
	case DownloadingBlocks:
		return "downloading_blocks"
	case Verifying:
		return "verifying"
	case Synced:
		return "synced"
	case Stalled:
		return "stalled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InProgress reports whether the session is waiting on a peer or applying.
func (s State) InProgress() bool {
	return s == RequestingHeaders || s == DownloadingBlocks || s == Verifying
}

// Status is a read-only view of a session.
type Status struct {
	Chain        chain.ChainID
	Peer         peer.ID
	State        State
	LocalHeight  uint64
	RemoteHeight uint64
	Outstanding  uint64
	Retries      int
	Deadline     time.Time
}

type session struct {
	peer         peer.ID
	chain        chain.ChainID
	state        State
	localHeight  uint64
	remoteHeight uint64
	outstanding  uint64
	retries      int
	deadline     time.Time
	stalledAt    time.Time

	// base is the local head the current header range was requested from.
	base     chain.Head
	headers  []chain.Header
	bodies   map[chain.Hash]chain.Block
	inflight map[chain.Hash]bool
}

func (s *session) status() Status {
	return Status{
		Chain:        s.chain,
		Peer:         s.peer,
		State:        s.state,
		LocalHeight:  s.localHeight,
		RemoteHeight: s.remoteHeight,
		Outstanding:  s.outstanding,
		Retries:      s.retries,
		Deadline:     s.deadline,
	}
}

func (s *session) advanceLocal(h uint64) {
	if h > s.localHeight {
		s.localHeight = h
	}
}

func (s *session) clearBatch() {
	s.headers = nil
	s.bodies = nil
	s.inflight = nil
}
