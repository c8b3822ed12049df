// Package chain holds the block and head types shared by the sync and gossip
// layers, and the collaborator interfaces they use to reach the chain.
package chain

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"shardnet/internal/crypto"
)

// ChainID identifies the beacon chain (0) or a shard chain.
type ChainID uint32

const BeaconChain ChainID = 0

func (c ChainID) String() string {
	if c == BeaconChain {
		return "beacon"
	}
	return fmt.Sprintf("shard-%d", uint32(c))
}

type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first four bytes in hex, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

func (h *Hash) UnmarshalBinary(b []byte) error {
	if len(b) != len(h) {
		return fmt.Errorf("chain: bad hash length %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// Header is the part of a block needed to check chain continuity.
type Header struct {
	Chain    ChainID `cbor:"1,keyasint"`
	Height   uint64  `cbor:"2,keyasint"`
	Parent   Hash    `cbor:"3,keyasint"`
	BodyHash Hash    `cbor:"4,keyasint"`
	Time     int64   `cbor:"5,keyasint"`
}

const headerHashLabel = "shardnet:header:v1"

func (h Header) Hash() Hash {
	var buf [4 + 8 + 32 + 32 + 8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Chain))
	binary.BigEndian.PutUint64(buf[4:12], h.Height)
	copy(buf[12:44], h.Parent[:])
	copy(buf[44:76], h.BodyHash[:])
	binary.BigEndian.PutUint64(buf[76:84], uint64(h.Time))
	return Hash(crypto.Sum([]byte(headerHashLabel), buf[:]))
}

// Links reports whether h directly extends parent.
func (h Header) Links(parent Head) bool {
	return h.Height == parent.Height+1 && h.Parent == parent.Hash
}

type Block struct {
	Header Header `cbor:"1,keyasint"`
	Body   []byte `cbor:"2,keyasint"`
}

func (b Block) Hash() Hash {
	return b.Header.Hash()
}

func BodyHash(body []byte) Hash {
	return Hash(crypto.Sum([]byte("shardnet:body:v1"), body))
}

var ErrBodyMismatch = errors.New("chain: body does not match header")

// CheckBody verifies that the body commits to the header's body hash.
func (b Block) CheckBody() error {
	if BodyHash(b.Body) != b.Header.BodyHash {
		return ErrBodyMismatch
	}
	return nil
}

// NewBlock builds a block on top of parent.
func NewBlock(c ChainID, parent Head, body []byte, time int64) Block {
	return Block{
		Header: Header{
			Chain:    c,
			Height:   parent.Height + 1,
			Parent:   parent.Hash,
			BodyHash: BodyHash(body),
			Time:     time,
		},
		Body: body,
	}
}

// Head is the tip a node considers canonical for one chain.
type Head struct {
	Height uint64 `cbor:"1,keyasint"`
	Hash   Hash   `cbor:"2,keyasint"`
}

func (h Head) String() string {
	return fmt.Sprintf("%d/%s", h.Height, h.Hash.Short())
}

func HeadOf(b Block) Head {
	return Head{Height: b.Header.Height, Hash: b.Hash()}
}
