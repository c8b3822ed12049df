package proto

import (
	"bytes"
	"errors"
	"testing"
)

func sampleHello() Hello {
	return Hello{
		NetworkID:  "testnet",
		Version:    2,
		MinVersion: 1,
		PubKey:     bytes.Repeat([]byte{1}, PubKeySize),
		Ephemeral:  bytes.Repeat([]byte{2}, EphemeralSize),
		Nonce:      bytes.Repeat([]byte{3}, NonceSize),
		ListenAddr: "127.0.0.1:4000",
		Status:     []ChainHead{{Chain: 0}, {Chain: 1}},
		Sig:        bytes.Repeat([]byte{4}, SigSize),
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	b, err := EncodeHandshake(Handshake{Kind: HandshakeHello, Hello: sampleHello()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, err := DecodeHandshake(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Kind != HandshakeHello || h.Hello.NetworkID != "testnet" || len(h.Hello.Status) != 2 {
		t.Fatalf("unexpected hello %+v", h)
	}

	b, err = EncodeHandshake(Handshake{Kind: HandshakeReject, Reject: Reject{Reason: RejectVersion}})
	if err != nil {
		t.Fatalf("encode reject: %v", err)
	}
	h, err = DecodeHandshake(b)
	if err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if h.Kind != HandshakeReject || h.Reject.Reason != RejectVersion {
		t.Fatalf("unexpected reject %+v", h)
	}
}

func TestHandshakeRejectsBadFields(t *testing.T) {
	hello := sampleHello()
	hello.PubKey = hello.PubKey[:5]
	if _, err := EncodeHandshake(Handshake{Kind: HandshakeHello, Hello: hello}); err == nil {
		t.Fatalf("expected bad key error")
	}
	if _, err := DecodeHandshake([]byte{9, 0xa0}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	if _, err := DecodeHandshake([]byte{1}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated, got %v", err)
	}
}

func TestSigningBytesBindPeerNonce(t *testing.T) {
	h := sampleHello()
	a, err := h.SigningBytes(HandshakeAck, []byte("nonce-a"))
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	b, err := h.SigningBytes(HandshakeAck, []byte("nonce-b"))
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("ack signature input ignores peer nonce")
	}
	h.Sig = nil
	c, _ := h.SigningBytes(HandshakeAck, []byte("nonce-a"))
	if !bytes.Equal(a, c) {
		t.Fatalf("signing bytes depend on signature field")
	}
}

func TestCompatible(t *testing.T) {
	if !Compatible(2, 1, 1, 1) {
		t.Fatalf("v2(min1) should accept v1")
	}
	if Compatible(3, 2, 1, 1) {
		t.Fatalf("v3(min2) should reject v1")
	}
	if Compatible(1, 1, 3, 2) {
		t.Fatalf("v1 should be rejected by v3(min2)")
	}
}
