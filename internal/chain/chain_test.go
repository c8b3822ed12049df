package chain_test

import (
	"testing"

	"shardnet/internal/chain"
)

func TestHeaderHashCoversFields(t *testing.T) {
	genesis := chain.Head{}
	b := chain.NewBlock(1, genesis, []byte("body"), 10)
	h1 := b.Hash()
	b.Header.Time = 11
	if b.Hash() == h1 {
		t.Fatalf("hash ignored time")
	}
	b.Header.Time = 10
	b.Header.Chain = 2
	if b.Hash() == h1 {
		t.Fatalf("hash ignored chain id")
	}
}

func TestBlockLinksAndBody(t *testing.T) {
	genesis := chain.Head{}
	b1 := chain.NewBlock(0, genesis, []byte("one"), 1)
	if !b1.Header.Links(genesis) {
		t.Fatalf("first block should link to genesis")
	}
	b2 := chain.NewBlock(0, chain.HeadOf(b1), []byte("two"), 2)
	if b2.Header.Links(genesis) {
		t.Fatalf("second block must not link to genesis")
	}
	if err := b2.CheckBody(); err != nil {
		t.Fatalf("check body: %v", err)
	}
	b2.Body = []byte("tampered")
	if err := b2.CheckBody(); err == nil {
		t.Fatalf("expected body mismatch")
	}
}

func TestHashUnmarshalRejectsBadLength(t *testing.T) {
	var h chain.Hash
	if err := h.UnmarshalBinary(make([]byte, 31)); err == nil {
		t.Fatalf("expected length error")
	}
	if err := h.UnmarshalBinary(make([]byte, 32)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
