// Package snapshot writes and reads point-in-time serialisations of the full
// engine state. A snapshot file carries the WAL position it corresponds to,
// so recovery can load the snapshot and replay only the log suffix.
//
// Files are written to a .tmp sibling and atomically renamed, so a finalized
// snapshot-<timestamp>.snap is always complete; a crash mid-write leaves
// only a .tmp that readers ignore.
package snapshot

import (
	"bufio"
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
	"time"

	"github.com/rs/zerolog/log"
)

// Magic bytes identifying a snapshot file, followed by the format version.
var magic = [8]byte{'T', 'K', 'V', 'S', 'N', 'A', 'P', '1'}

const formatVersion = 1

// Header layout after the magic: version(4 LE) | createdAt(8) |
// shardCount(4) | entryCount(8) | walPos(8) | bodyLen(8) | bodyCRC(4).
const headerSize = 8 + 4 + 8 + 4 + 8 + 8 + 8 + 4

// ErrNoSnapshot indicates no valid snapshot exists in the directory.
var ErrNoSnapshot = errors.New("snapshot: no valid snapshot")

// Snapshot is a decoded snapshot: the WAL position it was cut at and the
// serialised entry records of each shard. Entry blobs are opaque here; the
// store package owns their layout.
type Snapshot struct {
	CreatedAt time.Time
	WALPos    int64
	Shards    [][][]byte
}

// Meta describes a snapshot file without loading its body.
type Meta struct {
	Path      string
	CreatedAt time.Time
	SizeBytes int64
}

// Manager handles snapshot creation, discovery and retention for one data
// directory.
type Manager struct {
	dir       string
	retention int
}

// NewManager creates a Manager keeping at most retention finalized
// snapshots (minimum 1).
func NewManager(dir string, retention int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	if retention < 1 {
		retention = 1
	}
	return &Manager{dir: dir, retention: retention}, nil
}

// Create writes snap to disk, fsyncs, atomically renames it into place and
// prunes snapshots beyond the retention count.
func (m *Manager) Create(snap *Snapshot) (Meta, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	body := encodeBody(snap.Shards)
	entries := uint64(0)
	for _, shard := range snap.Shards {
		entries += uint64(len(shard))
	}

	header := make([]byte, 0, headerSize)
	header = append(header, magic[:]...)
	header = binary.LittleEndian.AppendUint32(header, formatVersion)
	header = binary.LittleEndian.AppendUint64(header, uint64(snap.CreatedAt.UnixNano()))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(snap.Shards)))
	header = binary.LittleEndian.AppendUint64(header, entries)
	header = binary.LittleEndian.AppendUint64(header, uint64(snap.WALPos))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(body)))
	header = binary.LittleEndian.AppendUint32(header, crc32.ChecksumIEEE(body))

	name := fmt.Sprintf("snapshot-%d.snap", snap.CreatedAt.UnixNano())
	final := filepath.Join(m.dir, name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: create temp: %w", err)
	}
	if _, err := f.Write(header); err == nil {
		_, err = f.Write(body)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return Meta{}, fmt.Errorf("snapshot: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return Meta{}, fmt.Errorf("snapshot: finalize: %w", err)
	}

	m.prune()
	return Meta{Path: final, CreatedAt: snap.CreatedAt, SizeBytes: int64(headerSize + len(body))}, nil
}

// List returns metadata for finalized snapshots, newest first.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}
	var metas []Meta
	for _, e := range entries {
		ts, ok := snapshotTime(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			Path:      filepath.Join(m.dir, e.Name()),
			CreatedAt: time.Unix(0, ts),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Latest loads the newest snapshot whose checksum validates, falling back to
// older ones if the newest is damaged. Returns ErrNoSnapshot when nothing
// usable exists — the caller starts from empty state.
func (m *Manager) Latest() (*Snapshot, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		snap, err := load(meta.Path)
		if err != nil {
			log.Warn().Err(err).Str("snapshot", filepath.Base(meta.Path)).
				Msg("skipping unreadable snapshot")
			continue
		}
		return snap, nil
	}
	return nil, ErrNoSnapshot
}

// prune removes finalized snapshots beyond the retention count and any
// leftover temp files.
func (m *Manager) prune() {
	metas, err := m.List()
	if err != nil {
		return
	}
	for _, meta := range metas[minInt(m.retention, len(metas)):] {
		if err := os.Remove(meta.Path); err != nil {
			log.Warn().Err(err).Str("snapshot", filepath.Base(meta.Path)).
				Msg("failed to prune snapshot")
		}
	}
	leftovers, _ := filepath.Glob(filepath.Join(m.dir, "*.snap.tmp"))
	for _, path := range leftovers {
		os.Remove(path)
	}
}

func snapshotTime(name string) (int64, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".snap") {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".snap"), 10, 64)
	return ts, err == nil
}

func load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("snapshot: header: %w", err)
	}
	if [8]byte(header[:8]) != magic {
		return nil, fmt.Errorf("snapshot: bad magic")
	}
	if v := binary.LittleEndian.Uint32(header[8:]); v != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", v)
	}
	createdAt := int64(binary.LittleEndian.Uint64(header[12:]))
	shardCount := binary.LittleEndian.Uint32(header[20:])
	walPos := int64(binary.LittleEndian.Uint64(header[32:]))
	bodyLen := binary.LittleEndian.Uint64(header[40:])
	bodyCRC := binary.LittleEndian.Uint32(header[48:])

	if bodyLen > 1<<40 {
		return nil, fmt.Errorf("snapshot: implausible body length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("snapshot: body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != bodyCRC {
		return nil, fmt.Errorf("snapshot: body checksum mismatch")
	}

	shards, err := decodeBody(body, shardCount)
	if err != nil {
		return nil, err
	}
	return &Snapshot{CreatedAt: time.Unix(0, createdAt), WALPos: walPos, Shards: shards}, nil
}

// Body layout: per shard, recordCount(4 LE) then records, each as
// recLen(4 LE) | bytes.
func encodeBody(shards [][][]byte) []byte {
	size := 0
	for _, shard := range shards {
		size += 4
		for _, rec := range shard {
			size += 4 + len(rec)
		}
	}
	body := make([]byte, 0, size)
	for _, shard := range shards {
		body = binary.LittleEndian.AppendUint32(body, uint32(len(shard)))
		for _, rec := range shard {
			body = binary.LittleEndian.AppendUint32(body, uint32(len(rec)))
			body = append(body, rec...)
		}
	}
	return body
}

func decodeBody(body []byte, shardCount uint32) ([][][]byte, error) {
	shards := make([][][]byte, 0, shardCount)
	for i := uint32(0); i < shardCount; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("snapshot: truncated shard header")
		}
		count := binary.LittleEndian.Uint32(body)
		body = body[4:]
		records := make([][]byte, 0, count)
		for j := uint32(0); j < count; j++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("snapshot: truncated record header")
			}
			recLen := binary.LittleEndian.Uint32(body)
			body = body[4:]
			if uint32(len(body)) < recLen {
				return nil, fmt.Errorf("snapshot: truncated record")
			}
			records = append(records, append([]byte(nil), body[:recLen]...))
			body = body[recLen:]
		}
		shards = append(shards, records)
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("snapshot: %d trailing bytes", len(body))
	}
	return shards, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
