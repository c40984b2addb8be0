// Package framing implements the length-prefixed message boundary
// every post-handshake connection uses, per spec §4.G ("a framed
// length-prefixed codec is installed"), generalized from the same
// (offset,length) discipline pkg/messages uses for variable segments.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the width, in bytes, of the frame length prefix.
const LengthPrefixSize = 4

// MaxFrameSize bounds a single frame so a corrupt or hostile peer
// cannot force an unbounded read-side allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is returned by ReadFrame when a peer's declared
// frame length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// WriteFrame writes payload to w prefixed with its little-endian u32
// length (spec §6: "Field layout is little-endian for integers").
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("framing: writing length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: writing payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("framing: reading length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("framing: reading payload: %w", err)
	}
	return buf, nil
}
