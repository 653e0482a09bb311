// Package protocol implements the binary request/response framing spoken
// between server and client: a one-byte opcode or status, a big-endian
// payload length, then the payload. Payloads are composed from the
// length-prefixed primitives in payload.go.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrPayloadTooLarge indicates a frame above the reader's limit.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	// ErrTruncated indicates a payload shorter than its fields require.
	ErrTruncated = errors.New("protocol: truncated payload")
)

// Request opcodes.
const (
	OpPing       byte = 0x01
	OpGet        byte = 0x10
	OpSet        byte = 0x11
	OpDelete     byte = 0x12
	OpExists     byte = 0x13
	OpIncr       byte = 0x14
	OpDecr       byte = 0x15
	OpCAS        byte = 0x16
	OpSetNX      byte = 0x17
	OpExpire     byte = 0x18
	OpTTL        byte = 0x19
	OpMGet       byte = 0x20
	OpMSet       byte = 0x21
	OpMDelete    byte = 0x22
	OpMExists    byte = 0x23
	OpLock       byte = 0x30
	OpUnlock     byte = 0x31
	OpExtendLock byte = 0x32
	OpInfo       byte = 0x40
	OpKeys       byte = 0x41
)

// Response statuses.
const (
	StatusOK        byte = 0x00
	StatusNull      byte = 0x01
	StatusError     byte = 0x02
	StatusInvalid   byte = 0x03
	StatusCASFailed byte = 0x04
)

const (
	headerSize = 5

	// DefaultMaxPayload bounds a single frame. Large enough for the
	// biggest permitted value plus framing overhead.
	DefaultMaxPayload = 64 << 20

	defaultBufSize = 64 * 1024
)

// Reader reads frames from one side of a connection.
type Reader struct {
	rd         *bufio.Reader
	maxPayload uint32
}

// NewReader wraps r with the default payload limit.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxPayload)
}

// NewReaderSize wraps r enforcing maxPayload bytes per frame.
func NewReaderSize(r io.Reader, maxPayload uint32) *Reader {
	return &Reader{rd: bufio.NewReaderSize(r, defaultBufSize), maxPayload: maxPayload}
}

// ReadFrame reads one frame, returning its tag byte (opcode or status) and
// payload. An oversized payload is drained off the stream and reported as
// ErrPayloadTooLarge, leaving the connection usable for the next frame.
func (r *Reader) ReadFrame() (byte, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.rd, header[:]); err != nil {
		return 0, nil, err
	}
	tag := header[0]
	n := binary.BigEndian.Uint32(header[1:])
	if n > r.maxPayload {
		if _, err := io.CopyN(io.Discard, r.rd, int64(n)); err != nil {
			return tag, nil, err
		}
		return tag, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if n == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.rd, payload); err != nil {
		return tag, nil, err
	}
	return tag, payload, nil
}

// Writer writes frames to one side of a connection.
type Writer struct {
	wr *bufio.Writer
}

// NewWriter wraps w with a buffered writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriterSize(w, defaultBufSize)}
}

// WriteFrame writes one frame and flushes it.
func (w *Writer) WriteFrame(tag byte, payload []byte) error {
	var header [headerSize]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.wr.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.wr.Write(payload); err != nil {
		return err
	}
	return w.wr.Flush()
}
