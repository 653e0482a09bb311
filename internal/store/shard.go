package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierkv/tierkv/internal/value"
)

// Options configures a shard.
type Options struct {
	// MemoryBudget bounds the hot tier in bytes. Writes that push usage
	// above it trigger eviction to the cold tier. Zero disables tiering and
	// keeps everything hot.
	MemoryBudget int64
	// MaxValueSize rejects values above this many encoded bytes. Zero means
	// no limit.
	MaxValueSize int64
	// CompactionThreshold is the dead/total byte ratio at which a retired
	// data file is rewritten. Zero uses 0.5.
	CompactionThreshold float64
}

// Shard is one lock-protected partition of the keyspace. A key exists in
// exactly one of the hot map and the cold index, never both; eviction and
// promotion are the only transitions and each happens atomically under the
// write lock. All shard I/O stays inside the shard, so slow disks on one
// shard never block another.
type Shard struct {
	mu   sync.RWMutex
	hot  map[string]*Entry
	cold map[string]Location
	ring *clockRing
	disk *coldStore

	memUsed int64
	opts    Options
}

// NewShard creates a shard whose cold tier lives in dir. id is only used to
// name the shard's data files.
func NewShard(id int, dir string, opts Options) (*Shard, error) {
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = 0.5
	}
	disk, err := openColdStore(dir, id)
	if err != nil {
		return nil, err
	}
	return &Shard{
		hot:  make(map[string]*Entry),
		cold: make(map[string]Location),
		ring: newClockRing(),
		disk: disk,
		opts: opts,
	}, nil
}

// validate rejects oversized keys and values before any state changes.
func (s *Shard) validate(key string, v value.Value) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	if s.opts.MaxValueSize > 0 && int64(value.ApproxSize(v)) > s.opts.MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Get returns the value for key, promoting it from the cold tier if needed.
// Expired entries are treated as absent.
func (s *Shard) Get(key string, now time.Time) (value.Value, bool) {
	s.mu.RLock()
	if e, ok := s.hot[key]; ok {
		if e.expired(now) {
			s.mu.RUnlock()
			s.dropExpired(key, now)
			return value.Value{}, false
		}
		e.referenced.Store(true)
		v := value.Clone(e.Value)
		s.mu.RUnlock()
		return v, true
	}
	_, inCold := s.cold[key]
	s.mu.RUnlock()
	if !inCold {
		return value.Value{}, false
	}

	e, ok := s.promote(key, now)
	if !ok {
		return value.Value{}, false
	}
	return value.Clone(e.Value), true
}

// Exists reports whether key is present and unexpired. It pays the same
// promotion cost as Get.
func (s *Shard) Exists(key string, now time.Time) bool {
	_, ok := s.Get(key, now)
	return ok
}

// Set inserts or overwrites key, bumping the version and evicting if the
// shard is now over budget.
func (s *Shard) Set(key string, v value.Value, ttl time.Duration, now time.Time) error {
	if err := s.validate(key, v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(key, v, ttl, now)
	s.evictOverBudgetLocked("", now)
	return nil
}

// SetNX sets key only if it is currently absent, including absent due to
// expiry. Returns whether the set happened.
func (s *Shard) SetNX(key string, v value.Value, ttl time.Duration, now time.Time) (bool, error) {
	if err := s.validate(key, v); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveEntryLocked(key, now) != nil {
		return false, nil
	}
	s.upsertLocked(key, v, ttl, now)
	s.evictOverBudgetLocked("", now)
	return true, nil
}

// Delete removes key from whichever tier holds it. Returns whether a live
// key was removed.
func (s *Shard) Delete(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key, now)
}

// IncrBy atomically adds delta to the Int64 at key, creating it from zero if
// absent. A non-integer value fails with ErrTypeMismatch and stays unchanged.
// The second return is the entry's absolute deadline in unix nanoseconds
// (0 = none), which the engine logs so replay preserves the TTL.
func (s *Shard) IncrBy(key string, delta int64, now time.Time) (int64, int64, error) {
	if len(key) > MaxKeyLen {
		return 0, 0, ErrKeyTooLong
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key, now)
	if e == nil {
		s.upsertLocked(key, value.NewInt(delta), 0, now)
		s.evictOverBudgetLocked("", now)
		return delta, 0, nil
	}
	if e.Value.Type != value.TypeInt64 {
		return 0, 0, ErrTypeMismatch
	}
	e.Value.Int += delta
	e.Version++
	return e.Value.Int, deadlineNanos(e), nil
}

// CompareAndSwap replaces key's value with newV iff the current value deeply
// equals expected. The check and the swap happen under one write lock
// acquisition. Returns whether the swap happened and the entry's resulting
// absolute deadline in unix nanoseconds (0 = none).
func (s *Shard) CompareAndSwap(key string, expected, newV value.Value, ttl time.Duration, now time.Time) (bool, int64, error) {
	if err := s.validate(key, newV); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key, now)
	if e == nil || !value.Equal(e.Value, expected) {
		return false, 0, nil
	}
	oldSize := entrySize(key, e)
	e.Value = value.Clone(newV)
	e.Version++
	if ttl > 0 {
		e.ExpireAt = now.Add(ttl)
		e.HasExpire = true
	}
	s.memUsed += entrySize(key, e) - oldSize
	s.evictOverBudgetLocked("", now)
	return true, deadlineNanos(e), nil
}

// Expire sets an absolute deadline now+ttl on an existing key.
func (s *Shard) Expire(key string, ttl time.Duration, now time.Time) bool {
	return s.ExpireAt(key, now.Add(ttl), now)
}

// ExpireAt sets an absolute expiry deadline on an existing key. Used
// directly by WAL replay so recovered deadlines don't drift.
func (s *Shard) ExpireAt(key string, deadline time.Time, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntryLocked(key, now)
	if e == nil {
		return false
	}
	e.ExpireAt = deadline
	e.HasExpire = true
	e.Version++
	return true
}

// Persist removes the deadline from a key. Returns whether a deadline was
// removed.
func (s *Shard) Persist(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntryLocked(key, now)
	if e == nil || !e.HasExpire {
		return false
	}
	e.HasExpire = false
	e.ExpireAt = time.Time{}
	e.Version++
	return true
}

// TTL returns the remaining lifetime of key: -2 if absent, -1 if it has no
// deadline (the Redis convention).
func (s *Shard) TTL(key string, now time.Time) time.Duration {
	s.mu.RLock()
	e, ok := s.hot[key]
	if ok && !e.expired(now) {
		d := s.ttlOf(e, now)
		s.mu.RUnlock()
		return d
	}
	_, inCold := s.cold[key]
	s.mu.RUnlock()
	if !ok && !inCold {
		return -2 * time.Second
	}
	if inCold {
		if e, ok := s.promote(key, now); ok {
			s.mu.RLock()
			d := s.ttlOf(e, now)
			s.mu.RUnlock()
			return d
		}
	}
	return -2 * time.Second
}

func (s *Shard) ttlOf(e *Entry, now time.Time) time.Duration {
	if !e.HasExpire {
		return -1 * time.Second
	}
	remaining := e.ExpireAt.Sub(now)
	if remaining < 0 {
		return -2 * time.Second
	}
	return remaining
}

// Version returns the current version of a live key, used by CAS-style
// introspection and tests.
func (s *Shard) Version(key string, now time.Time) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.hot[key]; ok && !e.expired(now) {
		return e.Version, true
	}
	return 0, false
}

// RestoreEntry reinstates a fully-formed entry during recovery, keeping its
// version. Expired entries are skipped.
func (s *Shard) RestoreEntry(key string, e *Entry, now time.Time) {
	if e.expired(now) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.hot[key]; ok {
		s.memUsed -= entrySize(key, old)
	} else if loc, ok := s.cold[key]; ok {
		delete(s.cold, key)
		s.disk.MarkDead(loc)
	}
	s.hot[key] = e
	s.ring.Add(key)
	s.memUsed += entrySize(key, e)
	s.evictOverBudgetLocked("", now)
}

// Len returns the number of keys across both tiers, counting expired hot
// entries that have not been swept yet.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hot) + len(s.cold)
}

// HotLen returns the number of hot-tier entries.
func (s *Shard) HotLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hot)
}

// ColdLen returns the number of cold-tier entries.
func (s *Shard) ColdLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cold)
}

// InHot reports whether key currently lives in the hot tier.
func (s *Shard) InHot(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hot[key]
	return ok
}

// MemUsed returns the tracked hot-tier byte usage.
func (s *Shard) MemUsed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memUsed
}

// Keys returns all live keys in both tiers.
func (s *Shard) Keys(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.hot)+len(s.cold))
	for k, e := range s.hot {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	for k := range s.cold {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot serialises every live entry in both tiers. Cold entries are read
// back from disk under the read lock, which blocks writers on this shard
// only for the duration of the scan.
func (s *Shard) Snapshot(now time.Time) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([][]byte, 0, len(s.hot)+len(s.cold))
	for k, e := range s.hot {
		if !e.expired(now) {
			records = append(records, EncodeEntry(k, e))
		}
	}
	for k, loc := range s.cold {
		payload, err := s.disk.ReadAt(loc)
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("skipping unreadable cold entry in snapshot")
			continue
		}
		records = append(records, payload)
	}
	return records
}

// Close releases the shard's data files.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disk.Close()
}

// ---- internals ----

// liveEntryLocked returns the hot entry for key, promoting from cold if
// necessary, or nil if the key is absent or expired. Caller holds the write
// lock.
func (s *Shard) liveEntryLocked(key string, now time.Time) *Entry {
	if e, ok := s.hot[key]; ok {
		if e.expired(now) {
			s.removeHotLocked(key, e)
			return nil
		}
		return e
	}
	if loc, ok := s.cold[key]; ok {
		e, err := s.promoteLocked(key, loc, now)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("dropping unreadable cold entry")
			delete(s.cold, key)
			s.disk.MarkDead(loc)
			return nil
		}
		return e
	}
	return nil
}

// upsertLocked writes key with a fresh value, preserving the version counter
// of any live predecessor in either tier.
func (s *Shard) upsertLocked(key string, v value.Value, ttl time.Duration, now time.Time) *Entry {
	var version uint64
	if old, ok := s.hot[key]; ok {
		if !old.expired(now) {
			version = old.Version
		}
		s.memUsed -= entrySize(key, old)
	} else if loc, ok := s.cold[key]; ok {
		// Overwriting a cold key: the new value goes hot, the old record
		// becomes garbage. The version counter would require a disk read to
		// carry over; overwrite semantics only need it to keep increasing,
		// so the cold record's version is read back when cheap and
		// otherwise restarts above zero via the bump below.
		if payload, err := s.disk.ReadAt(loc); err == nil {
			if _, old, err := DecodeEntry(payload); err == nil && !old.expired(now) {
				version = old.Version
			}
		}
		delete(s.cold, key)
		s.disk.MarkDead(loc)
	}

	e := &Entry{Value: value.Clone(v), Version: version + 1}
	if ttl > 0 {
		e.ExpireAt = now.Add(ttl)
		e.HasExpire = true
	}
	s.hot[key] = e
	s.ring.Add(key)
	s.memUsed += entrySize(key, e)
	return e
}

func (s *Shard) deleteLocked(key string, now time.Time) bool {
	if e, ok := s.hot[key]; ok {
		expired := e.expired(now)
		s.removeHotLocked(key, e)
		return !expired
	}
	if loc, ok := s.cold[key]; ok {
		delete(s.cold, key)
		s.disk.MarkDead(loc)
		return true
	}
	return false
}

func (s *Shard) removeHotLocked(key string, e *Entry) {
	delete(s.hot, key)
	s.ring.Remove(key)
	s.memUsed -= entrySize(key, e)
}

// dropExpired removes a hot entry observed expired under the read lock.
func (s *Shard) dropExpired(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.hot[key]; ok && e.expired(now) {
		s.removeHotLocked(key, e)
	}
}

// promote moves a cold entry into the hot tier under the write lock.
func (s *Shard) promote(key string, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check both tiers: the key may have moved while the read lock was
	// dropped.
	if e, ok := s.hot[key]; ok {
		if e.expired(now) {
			s.removeHotLocked(key, e)
			return nil, false
		}
		e.referenced.Store(true)
		return e, true
	}
	loc, ok := s.cold[key]
	if !ok {
		return nil, false
	}
	e, err := s.promoteLocked(key, loc, now)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dropping unreadable cold entry")
		delete(s.cold, key)
		s.disk.MarkDead(loc)
		return nil, false
	}
	return e, e != nil
}

// promoteLocked performs the cold→hot transition: read, decode, re-check
// TTL, insert hot, drop the location, then rebalance so promotion never
// grows the hot tier past its budget. Returns nil if the entry turned out
// expired. Caller holds the write lock.
func (s *Shard) promoteLocked(key string, loc Location, now time.Time) (*Entry, error) {
	payload, err := s.disk.ReadAt(loc)
	if err != nil {
		return nil, err
	}
	_, e, err := DecodeEntry(payload)
	if err != nil {
		return nil, err
	}
	delete(s.cold, key)
	s.disk.MarkDead(loc)
	if e.expired(now) {
		return nil, nil
	}
	s.hot[key] = e
	s.ring.Add(key)
	s.memUsed += entrySize(key, e)
	e.referenced.Store(true)
	// Single-step rebalance: a promotion that breaches the budget demotes
	// one other entry immediately.
	s.evictOverBudgetLocked(key, now)
	return e, nil
}

// evictOverBudgetLocked demotes clock victims to the cold tier until usage
// is back under budget. exclude protects a just-promoted key from bouncing
// straight back to disk. Caller holds the write lock.
func (s *Shard) evictOverBudgetLocked(exclude string, now time.Time) {
	if s.opts.MemoryBudget <= 0 {
		return
	}
	for s.memUsed > s.opts.MemoryBudget {
		victim := s.ring.Victim(s.hot, exclude)
		if victim == "" {
			return
		}
		e := s.hot[victim]
		if e == nil {
			s.ring.Remove(victim)
			continue
		}
		if e.expired(now) {
			s.removeHotLocked(victim, e)
			continue
		}
		loc, err := s.disk.Append(EncodeEntry(victim, e))
		if err != nil {
			log.Error().Err(err).Str("key", victim).Msg("eviction write failed, keeping entry hot")
			return
		}
		s.removeHotLocked(victim, e)
		s.cold[victim] = loc
	}
}

// SweepExpired samples hot entries and removes expired ones, in the style of
// the Redis active-expiry cycle: up to sampleSize keys per round, repeating
// while more than a quarter of the sample was expired.
func (s *Shard) SweepExpired(now time.Time) int {
	const (
		sampleSize = 20
		maxRounds  = 4
	)
	removed := 0
	for round := 0; round < maxRounds; round++ {
		s.mu.Lock()
		sampled, expired := 0, 0
		for key, e := range s.hot {
			if sampled >= sampleSize {
				break
			}
			sampled++
			if e.expired(now) {
				s.removeHotLocked(key, e)
				expired++
			}
		}
		s.mu.Unlock()
		removed += expired
		if sampled == 0 || float64(expired)/float64(sampled) < 0.25 {
			break
		}
	}
	return removed
}

// Compact rewrites the live records of one over-threshold data file into the
// active file. The copy happens without the lock; the index swap at the end
// is the only part foreground operations wait on. Returns whether a file was
// compacted.
func (s *Shard) Compact() bool {
	s.mu.RLock()
	fileID := s.disk.compactionCandidate(s.opts.CompactionThreshold)
	if fileID == 0 {
		s.mu.RUnlock()
		return false
	}
	type liveRec struct {
		key string
		loc Location
	}
	var live []liveRec
	for k, loc := range s.cold {
		if loc.FileID == fileID {
			live = append(live, liveRec{k, loc})
		}
	}
	s.mu.RUnlock()

	// Read the surviving records outside the lock.
	type moved struct {
		key     string
		old     Location
		payload []byte
	}
	copies := make([]moved, 0, len(live))
	s.mu.RLock()
	for _, r := range live {
		payload, err := s.disk.ReadAt(r.loc)
		if err != nil {
			log.Warn().Err(err).Str("key", r.key).Msg("skipping unreadable record during compaction")
			continue
		}
		copies = append(copies, moved{r.key, r.loc, payload})
	}
	s.mu.RUnlock()

	// Final swap: re-append records whose location is still current and
	// retire the old file.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range copies {
		cur, ok := s.cold[m.key]
		if !ok || cur != m.old {
			continue // key moved or died mid-compaction
		}
		loc, err := s.disk.Append(m.payload)
		if err != nil {
			log.Error().Err(err).Msg("compaction append failed, aborting pass")
			return false
		}
		s.cold[m.key] = loc
		s.disk.MarkDead(m.old)
	}
	s.disk.removeFile(fileID)
	return true
}

// deadlineNanos reports e's absolute expiry in unix nanoseconds, 0 when the
// entry never expires.
func deadlineNanos(e *Entry) int64 {
	if !e.HasExpire {
		return 0
	}
	return e.ExpireAt.UnixNano()
}

// ApplyLogged replays a logged write: the value is stored with the absolute
// deadline the record carried. Records whose deadline already passed delete
// the key instead, so replaying a stale log converges on the live state.
func (s *Shard) ApplyLogged(key string, v value.Value, deadline int64, now time.Time) {
	if deadline > 0 && deadline <= now.UnixNano() {
		s.Delete(key, now)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsertLocked(key, v, 0, now)
	if deadline > 0 {
		e.ExpireAt = time.Unix(0, deadline)
		e.HasExpire = true
	}
	s.evictOverBudgetLocked("", now)
}

// ApplyLoggedNX replays a logged create-if-absent write (SetNX and lock
// acquisitions). Existing live keys win, mirroring the original outcome.
func (s *Shard) ApplyLoggedNX(key string, v value.Value, deadline int64, now time.Time) {
	if deadline > 0 && deadline <= now.UnixNano() {
		return
	}
	s.mu.Lock()
	if s.liveEntryLocked(key, now) != nil {
		s.mu.Unlock()
		return
	}
	e := s.upsertLocked(key, v, 0, now)
	if deadline > 0 {
		e.ExpireAt = time.Unix(0, deadline)
		e.HasExpire = true
	}
	s.evictOverBudgetLocked("", now)
	s.mu.Unlock()
}
