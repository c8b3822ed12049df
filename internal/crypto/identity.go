package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const labelPeerID = "shardnet:peerid:v1"

// Identity is a node's long-lived signing key pair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Public: pub, Private: priv}, nil
}

// Sign signs the SHA3-256 digest of msg.
func (id Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, SHA3_256(msg))
}

// ID returns the peer identifier derived from the public key.
func (id Identity) ID() [HashSize]byte {
	return DerivePeerID(id.Public)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), SHA3_256(msg), sig)
}

func DerivePeerID(pub []byte) [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], KDF(labelPeerID, pub))
	return out
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveIdentity(dir string, id Identity) error {
	if len(id.Public) == 0 || len(id.Private) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(id.Public)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(id.Private)), 0600)
}

func LoadIdentity(dir string) (Identity, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return Identity{}, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return Identity{}, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("bad priv.hex")
	}
	id := Identity{Public: pub, Private: priv}
	if !id.Private.Public().(ed25519.PublicKey).Equal(id.Public) {
		return Identity{}, errors.New("key pair mismatch")
	}
	return id, nil
}

// LoadOrCreateIdentity loads the key pair in dir, generating one on first use.
func LoadOrCreateIdentity(dir string) (Identity, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, err
	}
	id, err = GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveIdentity(dir, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
