package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds every length-prefixed frame on the wire, sealed or not.
const MaxFrameSize = 1 << 20

var ErrFrameSize = errors.New("proto: frame size out of range")

// AppendFrame appends payload to dst behind a 4-byte big-endian length.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if n := len(payload); n == 0 || n > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the prefix
// is returned as io.EOF; EOF inside a frame is io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as a single frame in one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, 4+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
