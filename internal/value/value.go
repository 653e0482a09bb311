// Package value defines the typed values stored by the engine and their
// binary encoding. The same encoding is used on the wire, in the WAL, in
// cold-tier data files and in snapshots, so there is exactly one
// serialisation to keep correct.
package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type identifies a value variant. The numeric values are part of the wire
// and on-disk formats and must never be reordered.
type Type byte

const (
	TypeNull    Type = 0x00
	TypeBool    Type = 0x01
	TypeInt64   Type = 0x02
	TypeFloat64 Type = 0x03
	TypeDecimal Type = 0x04
	TypeString  Type = 0x05
	TypeBytes   Type = 0x06
	TypeList    Type = 0x07
	TypeMap     Type = 0x08
)

var (
	// ErrUnknownType indicates a type tag outside the closed set of variants.
	ErrUnknownType = errors.New("value: unknown type tag")
	// ErrTruncated indicates the encoded bytes end before the value does.
	ErrTruncated = errors.New("value: truncated encoding")
)

// Value is a closed tagged union of every storable type. Exactly one of the
// payload fields is meaningful, selected by Type. Decimal and String share
// the Str field; Decimal carries an arbitrary-precision number as text.
type Value struct {
	Type  Type
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	List  []Value
	Map   map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Type: TypeNull} }

// NewBool wraps a bool.
func NewBool(b bool) Value { return Value{Type: TypeBool, Bool: b} }

// NewInt wraps an int64.
func NewInt(i int64) Value { return Value{Type: TypeInt64, Int: i} }

// NewFloat wraps a float64.
func NewFloat(f float64) Value { return Value{Type: TypeFloat64, Float: f} }

// NewDecimal wraps a string-encoded arbitrary-precision number.
func NewDecimal(s string) Value { return Value{Type: TypeDecimal, Str: s} }

// NewString wraps a UTF-8 string.
func NewString(s string) Value { return Value{Type: TypeString, Str: s} }

// NewBytes wraps a raw byte slice.
func NewBytes(b []byte) Value { return Value{Type: TypeBytes, Bytes: b} }

// NewList wraps an ordered sequence of values.
func NewList(items ...Value) Value { return Value{Type: TypeList, List: items} }

// NewMap wraps a string-keyed map of values.
func NewMap(m map[string]Value) Value { return Value{Type: TypeMap, Map: m} }

// Encode serialises v into the tagged binary form: one type byte followed by
// a type-specific payload. Length prefixes and integers are big-endian.
func Encode(v Value) []byte {
	return appendValue(nil, v)
}

func appendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Type))
	switch v.Type {
	case TypeNull:
	case TypeBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case TypeInt64:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int))
	case TypeFloat64:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case TypeDecimal, TypeString:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Str)))
		dst = append(dst, v.Str...)
	case TypeBytes:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	case TypeList:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.List)))
		for _, item := range v.List {
			dst = appendValue(dst, item)
		}
	case TypeMap:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Map)))
		for k, item := range v.Map {
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(k)))
			dst = append(dst, k...)
			dst = appendValue(dst, item)
		}
	}
	return dst
}

// Decode deserialises a value produced by Encode. Trailing bytes after the
// value are rejected.
func Decode(data []byte) (Value, error) {
	v, rest, err := Read(data)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, fmt.Errorf("value: %d trailing bytes after value", len(rest))
	}
	return v, nil
}

// Read decodes one value from the front of data and returns the remainder.
// Used when values are embedded in larger frames.
func Read(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, ErrTruncated
	}
	t := Type(data[0])
	data = data[1:]

	switch t {
	case TypeNull:
		return Value{Type: TypeNull}, data, nil
	case TypeBool:
		if len(data) < 1 {
			return Value{}, nil, ErrTruncated
		}
		return Value{Type: TypeBool, Bool: data[0] != 0}, data[1:], nil
	case TypeInt64:
		if len(data) < 8 {
			return Value{}, nil, ErrTruncated
		}
		return Value{Type: TypeInt64, Int: int64(binary.BigEndian.Uint64(data))}, data[8:], nil
	case TypeFloat64:
		if len(data) < 8 {
			return Value{}, nil, ErrTruncated
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(data))
		return Value{Type: TypeFloat64, Float: f}, data[8:], nil
	case TypeDecimal, TypeString:
		s, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Type: t, Str: string(s)}, rest, nil
	case TypeBytes:
		b, rest, err := readLenPrefixed(data)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Type: TypeBytes, Bytes: append([]byte(nil), b...)}, rest, nil
	case TypeList:
		if len(data) < 4 {
			return Value{}, nil, ErrTruncated
		}
		count := binary.BigEndian.Uint32(data)
		data = data[4:]
		// Each element needs at least its type tag, so counts beyond the
		// remaining input are lies; never let them size the allocation.
		items := make([]Value, 0, allocHint(count, len(data)))
		for i := uint32(0); i < count; i++ {
			item, rest, err := Read(data)
			if err != nil {
				return Value{}, nil, err
			}
			items = append(items, item)
			data = rest
		}
		return Value{Type: TypeList, List: items}, data, nil
	case TypeMap:
		if len(data) < 4 {
			return Value{}, nil, ErrTruncated
		}
		count := binary.BigEndian.Uint32(data)
		data = data[4:]
		m := make(map[string]Value, allocHint(count, len(data)))
		for i := uint32(0); i < count; i++ {
			k, rest, err := readLenPrefixed(data)
			if err != nil {
				return Value{}, nil, err
			}
			item, rest, err := Read(rest)
			if err != nil {
				return Value{}, nil, err
			}
			m[string(k)] = item
			data = rest
		}
		return Value{Type: TypeMap, Map: m}, data, nil
	default:
		return Value{}, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
}

// allocHint bounds a decoded element count by the bytes actually present,
// so a hostile count cannot drive a huge up-front allocation.
func allocHint(count uint32, remaining int) int {
	if uint64(count) > uint64(remaining) {
		return remaining
	}
	return int(count)
}

func readLenPrefixed(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, ErrTruncated
	}
	return data[:n], data[n:], nil
}

// Equal reports deep equality between two values. This is the equality used
// by compare-and-swap.
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeNull:
		return true
	case TypeBool:
		return a.Bool == b.Bool
	case TypeInt64:
		return a.Int == b.Int
	case TypeFloat64:
		// Bit equality so NaN compares equal to itself and the relation
		// stays reflexive across a serialisation round trip.
		return math.Float64bits(a.Float) == math.Float64bits(b.Float)
	case TypeDecimal, TypeString:
		return a.Str == b.Str
	case TypeBytes:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	case TypeList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy of v. Callers that hand values across a lock
// boundary clone first so no shared mutable state escapes a shard.
func Clone(v Value) Value {
	switch v.Type {
	case TypeBytes:
		if v.Bytes == nil {
			return v
		}
		c := v
		c.Bytes = append([]byte(nil), v.Bytes...)
		return c
	case TypeList:
		c := v
		c.List = make([]Value, len(v.List))
		for i := range v.List {
			c.List[i] = Clone(v.List[i])
		}
		return c
	case TypeMap:
		c := v
		c.Map = make(map[string]Value, len(v.Map))
		for k, item := range v.Map {
			c.Map[k] = Clone(item)
		}
		return c
	default:
		return v
	}
}

// ApproxSize estimates the in-memory footprint of v in bytes. Shards use it
// to account hot-tier usage against their memory budget; it only has to be
// consistent, not exact.
func ApproxSize(v Value) int {
	const base = 16 // tag plus padding
	switch v.Type {
	case TypeNull, TypeBool, TypeInt64, TypeFloat64:
		return base
	case TypeDecimal, TypeString:
		return base + len(v.Str)
	case TypeBytes:
		return base + len(v.Bytes)
	case TypeList:
		n := base
		for _, item := range v.List {
			n += ApproxSize(item)
		}
		return n
	case TypeMap:
		n := base
		for k, item := range v.Map {
			n += len(k) + ApproxSize(item)
		}
		return n
	}
	return base
}
