package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"shardnet/internal/chain"
)

var ErrNotNext = errors.New("block does not extend head")

// MemChain is an in-memory chain collaborator.
type MemChain struct {
	mu       sync.Mutex
	blocks   map[chain.Hash]chain.Block
	byHeight map[chain.ChainID][]chain.Block
	failAt   map[chain.ChainID]uint64
	applied  int
}

func NewMemChain() *MemChain {
	return &MemChain{
		blocks:   make(map[chain.Hash]chain.Block),
		byHeight: make(map[chain.ChainID][]chain.Block),
		failAt:   make(map[chain.ChainID]uint64),
	}
}

// BuildBlocks returns n blocks extending parent on chain c.
func BuildBlocks(c chain.ChainID, parent chain.Head, n int, salt string) []chain.Block {
	out := make([]chain.Block, 0, n)
	for i := 0; i < n; i++ {
		body := []byte(fmt.Sprintf("%s/%d/%d", salt, c, parent.Height+1))
		b := chain.NewBlock(c, parent, body, int64(parent.Height+1))
		out = append(out, b)
		parent = chain.HeadOf(b)
	}
	return out
}

// Extend appends n generated blocks to chain c.
func (m *MemChain) Extend(c chain.ChainID, n int) []chain.Block {
	blocks := BuildBlocks(c, m.LocalHead(c), n, "mem")
	for _, b := range blocks {
		if err := m.Apply(b); err != nil {
			panic(err)
		}
	}
	return blocks
}

// FailApplyAt makes Apply fail for chain c at the given height.
func (m *MemChain) FailApplyAt(c chain.ChainID, height uint64) {
	m.mu.Lock()
	m.failAt[c] = height
	m.mu.Unlock()
}

func (m *MemChain) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

func (m *MemChain) ValidateBlock(b chain.Block) bool {
	return b.Header.Height > 0 && b.CheckBody() == nil
}

func (m *MemChain) ValidateTransaction(tx []byte) bool {
	return len(tx) > 0 && !bytes.HasPrefix(tx, []byte("bad"))
}

func (m *MemChain) Apply(b chain.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := b.Header.Chain
	if h, ok := m.failAt[c]; ok && h == b.Header.Height {
		return fmt.Errorf("injected failure at %d", h)
	}
	if !b.Header.Links(m.headLocked(c)) {
		return ErrNotNext
	}
	m.byHeight[c] = append(m.byHeight[c], b)
	m.blocks[b.Hash()] = b
	m.applied++
	return nil
}

func (m *MemChain) GetBlock(h chain.Hash) (chain.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[h]
	return b, ok
}

func (m *MemChain) BlockAt(c chain.ChainID, height uint64) (chain.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := m.byHeight[c]
	if height == 0 || height > uint64(len(blocks)) {
		return chain.Block{}, false
	}
	return blocks[height-1], true
}

func (m *MemChain) LocalHead(c chain.ChainID) chain.Head {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headLocked(c)
}

func (m *MemChain) headLocked(c chain.ChainID) chain.Head {
	blocks := m.byHeight[c]
	if len(blocks) == 0 {
		return chain.Head{}
	}
	return chain.HeadOf(blocks[len(blocks)-1])
}
