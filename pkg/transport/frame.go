// ABOUTME: Stream framing for OSC packets
// ABOUTME: Accumulates partial reads until a full length-prefixed frame is available
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/decibel/scoreplayer-go/pkg/osc"
)

// DefaultMaxFrameSize bounds a single frame. Anything larger is treated as
// a corrupt stream.
const DefaultMaxFrameSize = 4 << 20

// ErrFrameTooLarge is a fatal framing error
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameBuffer turns an arbitrary sequence of byte chunks into frames
type FrameBuffer struct {
	MaxFrameSize int

	buf []byte
}

// Write appends a chunk read from the stream
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame body. ok is false when more bytes
// are needed.
func (b *FrameBuffer) Next() (frame []byte, ok bool, err error) {
	if len(b.buf) < osc.HeaderSize {
		return nil, false, nil
	}

	size := int(binary.BigEndian.Uint32(b.buf))
	if size > b.maxFrameSize() {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	end := osc.HeaderSize + size
	if len(b.buf) < end {
		return nil, false, nil
	}

	frame = append([]byte(nil), b.buf[osc.HeaderSize:end]...)
	b.buf = b.buf[end:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frame, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

func (b *FrameBuffer) maxFrameSize() int {
	if b.MaxFrameSize > 0 {
		return b.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// readFrame reads exactly one frame from r. Used during the handshake,
// before the receive loop owns the stream.
func readFrame(r io.Reader, max int) ([]byte, error) {
	var header [osc.HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > max {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
