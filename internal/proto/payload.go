package proto

import (
	"errors"
	"fmt"

	"shardnet/internal/chain"
	"shardnet/internal/crypto"
	"shardnet/internal/peer"
)

const (
	maxListLen          = 4096
	MaxHashesPerReq     = 512
	MaxHeadersPerResp   = 1024
	MaxBlocksPerResp    = 512
	MaxPeersPerExchange = 64
	MaxAddrLen          = 256
	MaxTxSize           = 128 << 10
)

// Body is the typed payload of a known message kind.
type Body interface {
	Kind() Kind
	validate() error
}

func newBody(k Kind) Body {
	switch k {
	case KindBlockAnnounce:
		return &BlockAnnounce{}
	case KindBlockRequest:
		return &BlockRequest{}
	case KindBlockResponse:
		return &BlockResponse{}
	case KindTransactionGossip:
		return &TransactionGossip{}
	case KindHeaderRequest:
		return &HeaderRequest{}
	case KindHeaderResponse:
		return &HeaderResponse{}
	case KindPeerInfoExchange:
		return &PeerInfoExchange{}
	}
	return nil
}

type BlockAnnounce struct {
	Block chain.Block `cbor:"1,keyasint"`
}

func (*BlockAnnounce) Kind() Kind { return KindBlockAnnounce }

func (b *BlockAnnounce) validate() error {
	if b.Block.Header.Height == 0 {
		return errors.New("announce of genesis height")
	}
	return nil
}

type BlockRequest struct {
	Hashes []chain.Hash `cbor:"1,keyasint"`
}

func (*BlockRequest) Kind() Kind { return KindBlockRequest }

func (b *BlockRequest) validate() error {
	if len(b.Hashes) == 0 {
		return errors.New("empty block request")
	}
	if len(b.Hashes) > MaxHashesPerReq {
		return fmt.Errorf("%d hashes exceeds limit", len(b.Hashes))
	}
	return nil
}

type BlockResponse struct {
	Blocks []chain.Block `cbor:"1,keyasint"`
}

func (*BlockResponse) Kind() Kind { return KindBlockResponse }

func (b *BlockResponse) validate() error {
	if len(b.Blocks) > MaxBlocksPerResp {
		return fmt.Errorf("%d blocks exceeds limit", len(b.Blocks))
	}
	return nil
}

type TransactionGossip struct {
	Tx []byte `cbor:"1,keyasint"`
}

func (*TransactionGossip) Kind() Kind { return KindTransactionGossip }

func (t *TransactionGossip) validate() error {
	if len(t.Tx) == 0 {
		return errors.New("empty transaction")
	}
	if len(t.Tx) > MaxTxSize {
		return fmt.Errorf("transaction of %d bytes exceeds limit", len(t.Tx))
	}
	return nil
}

// HeaderRequest asks for headers in the height range (From, To].
type HeaderRequest struct {
	From uint64 `cbor:"1,keyasint"`
	To   uint64 `cbor:"2,keyasint"`
}

func (*HeaderRequest) Kind() Kind { return KindHeaderRequest }

func (h *HeaderRequest) validate() error {
	if h.To <= h.From {
		return fmt.Errorf("empty range (%d, %d]", h.From, h.To)
	}
	return nil
}

type HeaderResponse struct {
	Headers []chain.Header `cbor:"1,keyasint"`
}

func (*HeaderResponse) Kind() Kind { return KindHeaderResponse }

func (h *HeaderResponse) validate() error {
	if len(h.Headers) > MaxHeadersPerResp {
		return fmt.Errorf("%d headers exceeds limit", len(h.Headers))
	}
	return nil
}

// PeerRecord is one (address, id, protocol version) tuple of a peer exchange.
type PeerRecord struct {
	Addr         string  `cbor:"1,keyasint"`
	ID           peer.ID `cbor:"2,keyasint"`
	ProtoVersion uint16  `cbor:"3,keyasint"`
}

// PeerInfoExchange carries known peers. Solicit asks the receiver to answer
// with its own list.
type PeerInfoExchange struct {
	Peers   []PeerRecord `cbor:"1,keyasint"`
	Solicit bool         `cbor:"2,keyasint,omitempty"`
}

func (*PeerInfoExchange) Kind() Kind { return KindPeerInfoExchange }

func (p *PeerInfoExchange) validate() error {
	if len(p.Peers) > MaxPeersPerExchange {
		return fmt.Errorf("%d peers exceeds limit", len(p.Peers))
	}
	for _, r := range p.Peers {
		if r.Addr == "" || len(r.Addr) > MaxAddrLen {
			return fmt.Errorf("bad peer address length %d", len(r.Addr))
		}
	}
	return nil
}

// ContentHash identifies gossiped content independently of who relayed it.
// Only block announcements and transactions have one.
func ContentHash(m Message) (chain.Hash, bool) {
	switch b := m.Body.(type) {
	case *BlockAnnounce:
		h := b.Block.Hash()
		return chain.Hash(crypto.Sum([]byte("shardnet:gossip:block:v1"), h[:])), true
	case *TransactionGossip:
		return TxHash(b.Tx), true
	}
	return chain.Hash{}, false
}

func TxHash(tx []byte) chain.Hash {
	return chain.Hash(crypto.Sum([]byte("shardnet:gossip:tx:v1"), tx))
}
