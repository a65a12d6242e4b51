package jcore

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrMessageTooLarge is returned when a message does not fit the frame
// length prefix or exceeds the configured maximum size.
var ErrMessageTooLarge = errors.New("message too large")

// FrameFormat describes the length prefix that precedes every message on a
// stream socket. Both ends of the link must agree on it.
type FrameFormat struct {
	// Width is the prefix size in bytes: 1, 2, 4 or 8.
	Width int
	// Order is the byte order of the prefix.
	Order binary.ByteOrder
}

// DefaultFrameFormat is a 4-byte big-endian length prefix.
//
// The deployed server's prefix has to be confirmed before talking to it;
// use FrameFormatOption when it differs.
var DefaultFrameFormat = FrameFormat{Width: 4, Order: binary.BigEndian}

func (f FrameFormat) validate() error {
	switch f.Width {
	case 1, 2, 4, 8:
	default:
		return errors.Wrapf(ErrInvalidArgument, "frame prefix width %d", f.Width)
	}
	if f.Order == nil {
		return errors.Wrap(ErrInvalidArgument, "frame prefix byte order is nil")
	}
	return nil
}

// limit is the largest payload length the prefix can express.
func (f FrameFormat) limit() uint64 {
	if f.Width >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(f.Width)) - 1
}

func (f FrameFormat) putLength(b []byte, n uint64) {
	switch f.Width {
	case 1:
		b[0] = byte(n)
	case 2:
		f.Order.PutUint16(b, uint16(n))
	case 4:
		f.Order.PutUint32(b, uint32(n))
	default:
		f.Order.PutUint64(b, n)
	}
}

func (f FrameFormat) length(b []byte) uint64 {
	switch f.Width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(f.Order.Uint16(b))
	case 4:
		return uint64(f.Order.Uint32(b))
	default:
		return f.Order.Uint64(b)
	}
}

// FrameCodec turns text messages into length-prefixed frames and an
// arbitrarily chunked byte stream back into messages.
//
// Decode is not safe for concurrent use. A codec decodes exactly one stream.
type FrameCodec struct {
	format    FrameFormat
	maxSize   uint64
	onMessage func(string)

	buf []byte
}

// NewFrameCodec returns a codec for the given format. onMessage receives
// every decoded message in arrival order. maxSize bounds a single payload;
// zero means only the prefix width limits it.
func NewFrameCodec(format FrameFormat, maxSize int, onMessage func(string)) (*FrameCodec, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	if onMessage == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil message callback")
	}

	limit := format.limit()
	if limit > math.MaxInt32 {
		limit = math.MaxInt32
	}
	if maxSize > 0 && uint64(maxSize) < limit {
		limit = uint64(maxSize)
	}

	return &FrameCodec{
		format:    format,
		maxSize:   limit,
		onMessage: onMessage,
	}, nil
}

// Encode frames message: the byte length of its UTF-8 form, then the bytes.
func (c *FrameCodec) Encode(message string) ([]byte, error) {
	n := uint64(len(message))
	if n > c.maxSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes, limit %d", n, c.maxSize)
	}

	frame := make([]byte, c.format.Width+len(message))
	c.format.putLength(frame, n)
	copy(frame[c.format.Width:], message)
	return frame, nil
}

// Decode appends chunk to the pending bytes and emits every complete frame.
// Incomplete trailing bytes stay buffered for the next call. The only error
// is ErrMessageTooLarge for a declared length above the limit, after which
// the stream cannot be resynchronised.
func (c *FrameCodec) Decode(chunk []byte) error {
	c.buf = append(c.buf, chunk...)

	width := c.format.Width
	consumed := 0
	for len(c.buf)-consumed >= width {
		n := c.format.length(c.buf[consumed:])
		if n > c.maxSize {
			c.compact(consumed)
			return errors.Wrapf(ErrMessageTooLarge, "declared frame length %d, limit %d", n, c.maxSize)
		}
		if uint64(len(c.buf)-consumed-width) < n {
			break
		}

		start := consumed + width
		end := start + int(n)
		consumed = end
		c.onMessage(string(c.buf[start:end]))
	}

	c.compact(consumed)
	return nil
}

// compact drops the first n buffered bytes.
func (c *FrameCodec) compact(n int) {
	if n == 0 {
		return
	}
	remaining := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:remaining]
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (c *FrameCodec) Buffered() int {
	return len(c.buf)
}

// Reset discards buffered bytes.
func (c *FrameCodec) Reset() {
	c.buf = c.buf[:0]
}
