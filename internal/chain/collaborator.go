package chain

import "fmt"

// Chain is the validation and storage collaborator the network layer drives.
// Implementations must return promptly; long validation belongs off the
// caller's goroutine.
type Chain interface {
	ValidateBlock(b Block) bool
	ValidateTransaction(tx []byte) bool
	Apply(b Block) error
	GetBlock(h Hash) (Block, bool)
	BlockAt(c ChainID, height uint64) (Block, bool)
	LocalHead(c ChainID) Head
}

// ForkHandler is notified when a peer serves headers that do not link to the
// local head. The network layer does not resolve forks itself.
type ForkHandler interface {
	HandleFork(c ChainID, peer [32]byte, headers []Header)
}

// ApplyError reports a block the collaborator refused to apply.
type ApplyError struct {
	Chain  ChainID
	Height uint64
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s block %d: %v", e.Chain, e.Height, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
