// Package store implements one shard of the partitioned keyspace: an
// in-memory hot tier, a disk-backed cold tier reachable through a location
// index, and the eviction/promotion protocol that moves entries between the
// two under a single reader-writer lock.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tierkv/tierkv/internal/value"
)

// MaxKeyLen is the maximum key length in bytes.
const MaxKeyLen = 256

var (
	// ErrKeyTooLong indicates a key longer than MaxKeyLen bytes.
	ErrKeyTooLong = errors.New("store: key exceeds maximum length")
	// ErrValueTooLarge indicates a value above the configured payload limit.
	ErrValueTooLarge = errors.New("store: value exceeds maximum size")
	// ErrTypeMismatch indicates an arithmetic op on a non-Int64 value.
	ErrTypeMismatch = errors.New("store: value is not an integer")
)

// Entry is one stored key's state: its value, optional absolute expiry
// deadline, and a version counter bumped on every successful mutation. The
// version is the CAS basis and never resets while the key exists.
type Entry struct {
	Value     value.Value
	ExpireAt  time.Time
	HasExpire bool
	Version   uint64

	// referenced is the clock eviction bit. Reads set it under the shard's
	// read lock, so it has to be atomic; the eviction scan clears it under
	// the write lock.
	referenced atomic.Bool
}

// expired reports whether the entry is logically absent at time now.
func (e *Entry) expired(now time.Time) bool {
	return e.HasExpire && now.After(e.ExpireAt)
}

// cloneEntry copies an Entry, dropping the clock bit.
func cloneEntry(e *Entry) *Entry {
	return &Entry{
		Value:     value.Clone(e.Value),
		ExpireAt:  e.ExpireAt,
		HasExpire: e.HasExpire,
		Version:   e.Version,
	}
}

// entrySize estimates the hot-tier footprint of a key/entry pair. The
// constant covers map bucket and struct overhead.
func entrySize(key string, e *Entry) int64 {
	return int64(len(key)+value.ApproxSize(e.Value)) + 64
}

// Location points into an append-only cold-tier data file. It is owned
// exclusively by the shard's cold index and never escapes the shard.
type Location struct {
	FileID uint32
	Offset int64
	Length uint32
}

// EncodeEntry serialises a key/entry pair into the flat record format shared
// by cold-tier data files and snapshots:
//
//	keyLen(4 LE) | key | version(8 LE) | expireAt unix-nanos(8 LE) | hasExpire(1) | value
func EncodeEntry(key string, e *Entry) []byte {
	val := value.Encode(e.Value)
	buf := make([]byte, 0, 4+len(key)+17+len(val))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Version)
	var deadline int64
	if e.HasExpire {
		deadline = e.ExpireAt.UnixNano()
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(deadline))
	if e.HasExpire {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, val...)
}

// DecodeEntry parses a record produced by EncodeEntry.
func DecodeEntry(data []byte) (string, *Entry, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("store: entry record too short")
	}
	keyLen := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < keyLen+17 {
		return "", nil, fmt.Errorf("store: entry record truncated")
	}
	key := string(data[:keyLen])
	data = data[keyLen:]

	e := &Entry{}
	e.Version = binary.LittleEndian.Uint64(data)
	deadline := int64(binary.LittleEndian.Uint64(data[8:]))
	e.HasExpire = data[16] != 0
	if e.HasExpire {
		e.ExpireAt = time.Unix(0, deadline)
	}
	v, err := value.Decode(data[17:])
	if err != nil {
		return "", nil, fmt.Errorf("store: entry value: %w", err)
	}
	e.Value = v
	return key, e, nil
}
