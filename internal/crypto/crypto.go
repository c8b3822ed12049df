// Package crypto holds the node's primitives: SHA3-256 hashing and key
// derivation, ed25519 identities, X25519 ephemeral agreement and
// XChaCha20-Poly1305 frame sealing.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
	HashSize   = 32
)

var (
	errEmptyKey  = errors.New("empty key material")
	errDestroyed = errors.New("ephemeral key destroyed")
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Sum hashes the concatenation of parts.
func Sum(parts ...[]byte) [HashSize]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// KDF derives HashSize bytes from label and parts. The label separates
// every use of a secret.
func KDF(label string, parts ...[]byte) []byte {
	out := Sum(append([][]byte{[]byte(label)}, parts...)...)
	return out[:]
}

func newXAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != XKeySize {
		return nil, fmt.Errorf("bad key size %d: need %d", len(key), XKeySize)
	}
	if len(nonce) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size %d: need %d", len(nonce), XNonceSize)
	}
	return chacha20poly1305.NewX(key)
}

func XSealWithNonce(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newXAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newXAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// Ephemeral is a one-connection X25519 key. Destroy wipes it once the
// shared secret has been taken.
type Ephemeral struct {
	priv      [curve25519.ScalarSize]byte
	pub       []byte
	destroyed bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	e.pub = pub
	return e, nil
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errDestroyed
	}
	return append([]byte(nil), e.pub...), nil
}

// Shared computes the X25519 secret with peerPub. Low-order points are
// rejected.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errDestroyed
	}
	if len(peerPub) == 0 {
		return nil, errEmptyKey
	}
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("bad X25519 key size %d", len(peerPub))
	}
	return curve25519.X25519(e.priv[:], peerPub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	clear(e.priv[:])
	clear(e.pub)
	e.destroyed = true
}
