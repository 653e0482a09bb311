package protocol

import (
	"encoding/binary"
	"fmt"
)

// Payload primitives. Strings and byte blobs carry a u32 big-endian length
// prefix; integers are fixed 8-byte big-endian two's complement. A trailing
// field may be written raw with AppendTail/Tail when it is the last one.

// AppendString appends a length-prefixed string.
func AppendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// AppendBytes appends a length-prefixed byte blob.
func AppendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// AppendInt64 appends a fixed-width signed integer.
func AppendInt64(buf []byte, n int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(n))
}

// AppendUint32 appends a fixed-width counter.
func AppendUint32(buf []byte, n uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, n)
}

// ReadString consumes a length-prefixed string and returns the rest.
func ReadString(buf []byte) (string, []byte, error) {
	b, rest, err := ReadBytes(buf)
	return string(b), rest, err
}

// ReadBytes consumes a length-prefixed blob and returns the rest.
func ReadBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

// ReadInt64 consumes a fixed-width signed integer and returns the rest.
func ReadInt64(buf []byte) (int64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, ErrTruncated
	}
	return int64(binary.BigEndian.Uint64(buf)), buf[8:], nil
}

// ReadUint32 consumes a fixed-width counter and returns the rest.
func ReadUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}
