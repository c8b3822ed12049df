package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("first"), []byte("second-frame")} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range []string{"first", "second-frame"} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize for empty frame, got %v", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	frame, err := AppendFrame(nil, []byte("abcdef"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(frame[:7])); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestAppendFrameRejectsEmpty(t *testing.T) {
	if _, err := AppendFrame(nil, nil); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
}

func TestSealedFrameTooShort(t *testing.T) {
	if _, _, err := DecodeSealed(make([]byte, 8)); err == nil {
		t.Fatalf("expected truncated sealed frame")
	}
	seq, ct, err := DecodeSealed(EncodeSealed(9, make([]byte, 20)))
	if err != nil {
		t.Fatalf("decode sealed: %v", err)
	}
	if seq != 9 || len(ct) != 20 {
		t.Fatalf("unexpected sealed decode seq=%d len=%d", seq, len(ct))
	}
}
