package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed frame to its sequence number and direction.
func BuildAAD(seq uint64, fromID, toID [32]byte) []byte {
	buf := make([]byte, 0, len(labelFrameAAD)+8+32+32)
	buf = append(buf, labelFrameAAD...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}
