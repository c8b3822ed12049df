package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "shardnet:kdf:v1"
	labelInitKey   = "shardnet:key:init:v1"
	labelRespKey   = "shardnet:key:resp:v1"
	labelNonceInit = "shardnet:ns:init:v1"
	labelNonceResp = "shardnet:ns:resp:v1"
	labelFrameAAD  = "shardnet:frame:v1"
)

var ErrReplay = errors.New("crypto: replayed or reordered frame")

type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys derives directional keys from the shared secret and the
// handshake transcript. Both sides derive the same material; the initiator
// sends with the keys the responder receives with.
func DeriveSessionKeys(ss, transcript []byte, initiator bool) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errEmptyKey
	}
	master := KDF(labelKDFMaster, ss, transcript)
	initKey := KDF(labelInitKey, master)
	respKey := KDF(labelRespKey, master)
	nsInit := KDF(labelNonceInit, master)[:XNonceSize]
	nsResp := KDF(labelNonceResp, master)[:XNonceSize]
	keys := SessionKeys{Master: master}
	if initiator {
		keys.SendKey, keys.RecvKey = initKey, respKey
		keys.NonceBaseSend, keys.NonceBaseRecv = nsInit, nsResp
	} else {
		keys.SendKey, keys.RecvKey = respKey, initKey
		keys.NonceBaseSend, keys.NonceBaseRecv = nsResp, nsInit
	}
	return keys, nil
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}

// Channel seals outbound and opens inbound frames of one connection.
// Seal must only be called by the connection's writer and Open by its
// reader; the two directions share no state.
type Channel struct {
	keys    SessionKeys
	local   [32]byte
	remote  [32]byte
	sendSeq uint64
	recvSeq uint64
}

func NewChannel(keys SessionKeys, local, remote [32]byte) *Channel {
	return &Channel{keys: keys, local: local, remote: remote}
}

// Seal returns the next sequence number and the sealed frame.
func (c *Channel) Seal(plain []byte) (uint64, []byte, error) {
	c.sendSeq++
	seq := c.sendSeq
	nonce, err := NonceFromBase(c.keys.NonceBaseSend, seq)
	if err != nil {
		return 0, nil, err
	}
	ct, err := XSealWithNonce(c.keys.SendKey, nonce, plain, BuildAAD(seq, c.local, c.remote))
	if err != nil {
		return 0, nil, err
	}
	return seq, ct, nil
}

// Open authenticates a frame. Sequence numbers must strictly increase.
func (c *Channel) Open(seq uint64, ct []byte) ([]byte, error) {
	if seq <= c.recvSeq {
		return nil, ErrReplay
	}
	nonce, err := NonceFromBase(c.keys.NonceBaseRecv, seq)
	if err != nil {
		return nil, err
	}
	plain, err := XOpen(c.keys.RecvKey, nonce, ct, BuildAAD(seq, c.remote, c.local))
	if err != nil {
		return nil, err
	}
	c.recvSeq = seq
	return plain, nil
}
