package proto

import (
	"encoding/binary"
)

// sealOverhead is the Poly1305 tag size.
const sealOverhead = 16

// EncodeSealed prefixes a sealed frame with its sequence number.
func EncodeSealed(seq uint64, ciphertext []byte) []byte {
	out := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(out[:8], seq)
	copy(out[8:], ciphertext)
	return out
}

func DecodeSealed(b []byte) (uint64, []byte, error) {
	if len(b) < 8+sealOverhead {
		return 0, nil, decodeErr(ErrTruncated, "sealed frame of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}
