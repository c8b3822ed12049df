package peer

import (
	"encoding/hex"
	"fmt"

	"shardnet/internal/crypto"
)

// ID is derived from a peer's identity public key and never changes for the
// lifetime of that key.
type ID [32]byte

func IDFromPublicKey(pub []byte) ID {
	return ID(crypto.DerivePeerID(pub))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:8])
}

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return ID{}, fmt.Errorf("peer: bad id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id[:], nil
}

func (id *ID) UnmarshalBinary(b []byte) error {
	if len(b) != len(id) {
		return fmt.Errorf("peer: bad id length %d", len(b))
	}
	copy(id[:], b)
	return nil
}
