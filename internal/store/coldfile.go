package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Cold-tier records are framed as payloadLen(4 LE) | payload | crc32(4 LE),
// where payload is an EncodeEntry record and the checksum covers the payload.
const coldFrameOverhead = 8

// defaultDataFileMax caps a data file before the shard rolls to a new one.
// Retired files are what compaction reclaims.
const defaultDataFileMax = 4 << 20

// coldStore manages one shard's append-only data files. Records are written
// to the active file and read back by exact location; per-file waste counters
// drive compaction. All methods are called with the shard lock held (write
// lock for Append and swapLocations, read lock is enough for ReadAt), so
// there is no internal locking.
type coldStore struct {
	dir     string
	shardID int

	active   *os.File
	activeID uint32
	offset   int64

	liveBytes map[uint32]int64
	deadBytes map[uint32]int64
}

func openColdStore(dir string, shardID int) (*coldStore, error) {
	c := &coldStore{
		dir:       dir,
		shardID:   shardID,
		liveBytes: make(map[uint32]int64),
		deadBytes: make(map[uint32]int64),
	}
	// The cold index lives in memory only, so data files from a previous
	// run are unreachable. Recovery repopulates the hot tier from the
	// snapshot and WAL; stale files are just reclaimed here.
	stale, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("shard-%d-*.dat", shardID)))
	if err == nil {
		for _, path := range stale {
			os.Remove(path)
		}
	}
	if err := c.rollFile(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *coldStore) filePath(id uint32) string {
	return filepath.Join(c.dir, fmt.Sprintf("shard-%d-%06d.dat", c.shardID, id))
}

// rollFile opens the next data file as the append target.
func (c *coldStore) rollFile() error {
	if c.active != nil {
		if err := c.active.Close(); err != nil {
			return fmt.Errorf("store: close data file: %w", err)
		}
	}
	c.activeID++
	f, err := os.OpenFile(c.filePath(c.activeID), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: open data file: %w", err)
	}
	c.active = f
	c.offset = 0
	return nil
}

// Append frames and writes one entry record, returning its location.
func (c *coldStore) Append(payload []byte) (Location, error) {
	if c.offset >= defaultDataFileMax {
		if err := c.rollFile(); err != nil {
			return Location{}, err
		}
	}
	frame := make([]byte, 0, coldFrameOverhead+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))

	if _, err := c.active.WriteAt(frame, c.offset); err != nil {
		return Location{}, fmt.Errorf("store: append cold record: %w", err)
	}
	loc := Location{FileID: c.activeID, Offset: c.offset, Length: uint32(len(frame))}
	c.offset += int64(len(frame))
	c.liveBytes[c.activeID] += int64(len(frame))
	return loc, nil
}

// ReadAt reads exactly the record at loc and returns its payload after
// verifying the checksum.
func (c *coldStore) ReadAt(loc Location) ([]byte, error) {
	f, err := c.fileFor(loc.FileID)
	if err != nil {
		return nil, err
	}
	if loc.FileID != c.activeID {
		defer f.Close()
	}
	frame := make([]byte, loc.Length)
	if _, err := f.ReadAt(frame, loc.Offset); err != nil {
		return nil, fmt.Errorf("store: read cold record: %w", err)
	}
	if len(frame) < coldFrameOverhead {
		return nil, fmt.Errorf("store: cold record shorter than frame header")
	}
	payloadLen := binary.LittleEndian.Uint32(frame)
	if int(payloadLen) != len(frame)-coldFrameOverhead {
		return nil, fmt.Errorf("store: cold record length mismatch")
	}
	payload := frame[4 : 4+payloadLen]
	stored := binary.LittleEndian.Uint32(frame[4+payloadLen:])
	if crc32.ChecksumIEEE(payload) != stored {
		return nil, fmt.Errorf("store: cold record checksum mismatch")
	}
	return payload, nil
}

func (c *coldStore) fileFor(id uint32) (*os.File, error) {
	if id == c.activeID {
		return c.active, nil
	}
	// Retired files are opened per read. Promotions off retired files are
	// rare after compaction, so the extra open is not worth a handle cache.
	f, err := os.Open(c.filePath(id))
	if err != nil {
		return nil, fmt.Errorf("store: open data file %d: %w", id, err)
	}
	return f, nil
}

// MarkDead records that the record at loc no longer backs a live key.
func (c *coldStore) MarkDead(loc Location) {
	c.deadBytes[loc.FileID] += int64(loc.Length)
	c.liveBytes[loc.FileID] -= int64(loc.Length)
	if c.liveBytes[loc.FileID] <= 0 && loc.FileID != c.activeID {
		c.removeFile(loc.FileID)
	}
}

func (c *coldStore) removeFile(id uint32) {
	if err := os.Remove(c.filePath(id)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Int("shard", c.shardID).Uint32("file", id).
			Msg("failed to remove retired data file")
	}
	delete(c.liveBytes, id)
	delete(c.deadBytes, id)
}

// compactionCandidate returns the ID of a retired file whose waste ratio
// crosses threshold, or 0 if none qualifies. File IDs start at 1.
func (c *coldStore) compactionCandidate(threshold float64) uint32 {
	for id, dead := range c.deadBytes {
		if id == c.activeID {
			continue
		}
		total := dead + c.liveBytes[id]
		if total <= 0 {
			continue
		}
		if float64(dead)/float64(total) >= threshold {
			return id
		}
	}
	return 0
}

// Close closes the active file. Retired read handles are not cached.
func (c *coldStore) Close() error {
	if c.active == nil {
		return nil
	}
	err := c.active.Close()
	c.active = nil
	return err
}
