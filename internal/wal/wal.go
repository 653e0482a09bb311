// Package wal implements the write-ahead log: an append-only sequence of
// checksummed mutation records across a current segment and rotated
// read-only segments. The log is a disposable projection of engine state,
// read back only during crash recovery.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Op identifies the mutating engine call a record describes.
type Op byte

const (
	OpSet        Op = 0x01
	OpDelete     Op = 0x02
	OpIncrBy     Op = 0x03
	OpSetNX      Op = 0x04
	OpExpire     Op = 0x05
	OpPersist    Op = 0x06
	OpCAS        Op = 0x07
	OpMSet       Op = 0x08
	OpMDelete    Op = 0x09
	OpLock       Op = 0x0A
	OpUnlock     Op = 0x0B
	OpExtendLock Op = 0x0C
)

// CurrentName is the file name of the active segment inside the data
// directory. Rotated segments are named wal-<unixnano>.log.
const CurrentName = "wal-current.log"

// On-disk entry format:
//
//	length(4 LE) | timestamp(8 LE) | op(1) | payload | crc32(4 LE)
//
// length counts timestamp+op+payload; the checksum covers the same bytes, so
// a reader can detect a corrupt or torn tail entry independently of its
// neighbours.
const (
	headerSize  = 4
	trailerSize = 4
	fixedSize   = 8 + 1 // timestamp + op
)

// ErrCorruptRecord indicates a checksum or framing failure.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// Record is one logged mutation. The timestamp doubles as the log position
// used to align snapshots with replay. Value carries the encoded value bytes
// for ops that have one; ExpireAt is an absolute deadline so replay cannot
// drift, 0 meaning none.
type Record struct {
	Op        Op
	Timestamp int64 // unix nanoseconds
	Key       string
	ExpireAt  int64
	Value     []byte
}

// payload layout behind the op byte: keyLen(4 LE) | key | expireAt(8 LE) | value
func encodePayload(rec Record) []byte {
	buf := make([]byte, 0, 12+len(rec.Key)+len(rec.Value))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.ExpireAt))
	return append(buf, rec.Value...)
}

func decodePayload(op Op, ts int64, payload []byte) (Record, error) {
	if len(payload) < 4 {
		return Record{}, ErrCorruptRecord
	}
	keyLen := binary.LittleEndian.Uint32(payload)
	payload = payload[4:]
	if uint32(len(payload)) < keyLen+8 {
		return Record{}, ErrCorruptRecord
	}
	rec := Record{Op: op, Timestamp: ts, Key: string(payload[:keyLen])}
	payload = payload[keyLen:]
	rec.ExpireAt = int64(binary.LittleEndian.Uint64(payload))
	if rest := payload[8:]; len(rest) > 0 {
		rec.Value = append([]byte(nil), rest...)
	}
	return rec, nil
}

// Writer appends records to the current segment. Records are buffered in
// memory until Flush, which the persistence worker drives on its interval.
// Writer is confined to that single worker goroutine and does no locking.
type Writer struct {
	dir     string
	file    *os.File
	buf     []byte
	size    int64
	pending int
}

// OpenWriter opens (creating if needed) the current segment for appending.
func OpenWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	path := filepath.Join(dir, CurrentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", CurrentName, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	return &Writer{dir: dir, file: f, size: info.Size()}, nil
}

// Append buffers one record. It does not touch the disk; call Flush.
func (w *Writer) Append(rec Record) {
	payload := encodePayload(rec)
	body := make([]byte, 0, fixedSize+len(payload))
	body = binary.LittleEndian.AppendUint64(body, uint64(rec.Timestamp))
	body = append(body, byte(rec.Op))
	body = append(body, payload...)

	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(body)))
	w.buf = append(w.buf, body...)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, crc32.ChecksumIEEE(body))
	w.pending++
}

// Pending returns the number of buffered, unflushed records.
func (w *Writer) Pending() int { return w.pending }

// Size returns the byte size of the current segment including buffered data.
func (w *Writer) Size() int64 { return w.size + int64(len(w.buf)) }

// Flush writes buffered records and fsyncs the segment. A mutation is only
// durable once the flush covering it returns.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.file.Write(w.buf); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.size += int64(len(w.buf))
	w.buf = w.buf[:0]
	w.pending = 0
	return nil
}

// Rotate flushes, renames the current segment to its timestamped read-only
// name, and starts a fresh current segment.
func (w *Writer) Rotate(nowNanos int64) error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for rotate: %w", err)
	}
	rotated := filepath.Join(w.dir, fmt.Sprintf("wal-%d.log", nowNanos))
	if err := os.Rename(filepath.Join(w.dir, CurrentName), rotated); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(w.dir, CurrentName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen current: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// PruneBefore removes rotated segments whose name timestamp is older than
// cutoffNanos. Called after a snapshot makes them unnecessary for recovery.
func PruneBefore(dir string, cutoffNanos int64) {
	paths, err := Segments(dir)
	if err != nil {
		return
	}
	for _, path := range paths {
		name := filepath.Base(path)
		if name == CurrentName {
			continue
		}
		ts, ok := segmentTime(name)
		if ok && ts < cutoffNanos {
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("segment", name).Msg("failed to prune WAL segment")
			}
		}
	}
}

func segmentTime(name string) (int64, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log"), 10, 64)
	return ts, err == nil
}

// Segments lists the log segments in dir in replay order: rotated files by
// ascending timestamp, then the current segment.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	type seg struct {
		name string
		ts   int64
	}
	var rotated []seg
	hasCurrent := false
	for _, e := range entries {
		name := e.Name()
		if name == CurrentName {
			hasCurrent = true
			continue
		}
		if ts, ok := segmentTime(name); ok {
			rotated = append(rotated, seg{name, ts})
		}
	}
	sort.Slice(rotated, func(i, j int) bool { return rotated[i].ts < rotated[j].ts })

	paths := make([]string, 0, len(rotated)+1)
	for _, s := range rotated {
		paths = append(paths, filepath.Join(dir, s.name))
	}
	if hasCurrent {
		paths = append(paths, filepath.Join(dir, CurrentName))
	}
	return paths, nil
}

// Replay streams every record across all segments with Timestamp >=
// fromNanos to fn, in append order. A record failing its checksum ends that
// segment with a logged warning rather than an error, trading the torn tail
// for guaranteed termination; later segments still replay.
func Replay(dir string, fromNanos int64, fn func(Record)) error {
	paths, err := Segments(dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := replayFile(path, fromNanos, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, fromNanos int64, fn func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ErrCorruptRecord) {
			// Skipping a single bad record would desynchronise framing,
			// so a bad record discards the rest of this segment only.
			log.Warn().Str("segment", filepath.Base(path)).
				Msg("corrupt WAL record, discarding segment tail")
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Timestamp >= fromNanos {
			fn(rec)
		}
	}
}

func readRecord(r io.Reader) (Record, error) {
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, ErrCorruptRecord
		}
		return Record{}, err
	}
	length := binary.LittleEndian.Uint32(head)
	if length < fixedSize || length > 1<<30 {
		return Record{}, ErrCorruptRecord
	}
	body := make([]byte, length+trailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, ErrCorruptRecord
	}
	stored := binary.LittleEndian.Uint32(body[length:])
	body = body[:length]
	if crc32.ChecksumIEEE(body) != stored {
		return Record{}, ErrCorruptRecord
	}
	ts := int64(binary.LittleEndian.Uint64(body))
	op := Op(body[8])
	return decodePayload(op, ts, body[fixedSize:])
}
