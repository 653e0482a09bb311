// Package engine ties the sharded store, the write-ahead log and the
// snapshot manager into one key-value engine. It routes keys to shards,
// feeds every mutation to the persistence worker and rebuilds state from
// disk on startup.
package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierkv/tierkv/internal/snapshot"
	"github.com/tierkv/tierkv/internal/store"
	"github.com/tierkv/tierkv/internal/value"
	"github.com/tierkv/tierkv/internal/wal"
)

// ============================================================================
// Options
// ============================================================================

const (
	defaultShards              = 16
	defaultDataDir             = "data"
	defaultShardMemoryBudget   = 64 << 20
	defaultMaxValueSize        = 16 << 20
	defaultFlushInterval       = 100 * time.Millisecond
	defaultWALMaxBytes         = 1 << 30
	defaultSnapshotInterval    = 5 * time.Minute
	defaultSnapshotOps         = 100_000
	defaultSnapshotRetention   = 3
	defaultQueueSize           = 10240
	defaultMaintenanceInterval = time.Second
)

// Options configures an Engine. Zero values select the defaults above.
type Options struct {
	// Shards fixes the number of store partitions for the life of the
	// process. Routing is hash mod Shards, so it cannot change across
	// restarts without rehashing (the snapshot format routes by key, not by
	// shard index, so a changed count only redistributes keys).
	Shards int
	// DataDir holds cold-tier data files, WAL segments and snapshots.
	DataDir string
	// Persistence enables the WAL and snapshots. The cold tier uses DataDir
	// either way.
	Persistence bool

	ShardMemoryBudget   int64
	MaxValueSize        int64
	CompactionThreshold float64

	FlushInterval     time.Duration
	WALMaxBytes       int64
	SnapshotInterval  time.Duration
	SnapshotOps       int64
	SnapshotRetention int
	QueueSize         int

	// MaintenanceInterval paces the background expiry sweep and compaction
	// passes.
	MaintenanceInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = defaultShards
	}
	if o.DataDir == "" {
		o.DataDir = defaultDataDir
	}
	if o.ShardMemoryBudget == 0 {
		o.ShardMemoryBudget = defaultShardMemoryBudget
	}
	if o.MaxValueSize == 0 {
		o.MaxValueSize = defaultMaxValueSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.WALMaxBytes <= 0 {
		o.WALMaxBytes = defaultWALMaxBytes
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.SnapshotOps <= 0 {
		o.SnapshotOps = defaultSnapshotOps
	}
	if o.SnapshotRetention <= 0 {
		o.SnapshotRetention = defaultSnapshotRetention
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = defaultMaintenanceInterval
	}
	return o
}

// ============================================================================
// Engine
// ============================================================================

// KV pairs a key with a value for batch writes.
type KV struct {
	Key   string
	Value value.Value
}

// Engine is the top-level key-value engine. All methods are safe for
// concurrent use; per-key atomicity comes from the owning shard's lock.
type Engine struct {
	opts   Options
	shards []*store.Shard

	persist  *persister // nil when persistence is disabled
	degraded atomic.Bool

	// nowFn is the clock for every TTL decision, swapped in tests.
	nowFn     func() time.Time
	startTime time.Time

	totalReads  atomic.Int64
	totalWrites atomic.Int64
	expiredKeys atomic.Int64

	stopMaint chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open creates the engine, recovers persisted state when enabled and starts
// the background workers. The returned engine must be Closed to flush
// buffered WAL records.
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir %s: %w", opts.DataDir, err)
	}

	e := &Engine{
		opts:      opts,
		nowFn:     time.Now,
		startTime: time.Now(),
		stopMaint: make(chan struct{}),
	}

	shardOpts := store.Options{
		MemoryBudget:        opts.ShardMemoryBudget,
		MaxValueSize:        opts.MaxValueSize,
		CompactionThreshold: opts.CompactionThreshold,
	}
	e.shards = make([]*store.Shard, opts.Shards)
	for i := range e.shards {
		s, err := store.NewShard(i, opts.DataDir, shardOpts)
		if err != nil {
			return nil, fmt.Errorf("engine: open shard %d: %w", i, err)
		}
		e.shards[i] = s
	}

	if opts.Persistence {
		mgr, err := snapshot.NewManager(opts.DataDir, opts.SnapshotRetention)
		if err != nil {
			return nil, err
		}
		if err := e.recoverState(mgr); err != nil {
			return nil, err
		}
		w, err := wal.OpenWriter(opts.DataDir)
		if err != nil {
			return nil, err
		}
		e.persist = newPersister(w, mgr, opts, e.collectSnapshot)
		e.persist.start()
	}

	e.wg.Add(1)
	go e.maintenanceLoop()

	log.Info().
		Int("shards", opts.Shards).
		Str("data_dir", opts.DataDir).
		Bool("persistence", opts.Persistence).
		Int("keys", e.Size()).
		Msg("engine started")
	return e, nil
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

func (e *Engine) shardFor(key string) *store.Shard {
	h := uint32(fnvOffset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return e.shards[h%uint32(len(e.shards))]
}

// absDeadline converts a relative ttl into the absolute unix-nano deadline
// logged in WAL records. Zero means no deadline.
func absDeadline(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// logRecord hands a mutation to the persistence worker. Blocks when the
// queue is full; a dead worker trips the one-shot degraded flag instead.
func (e *Engine) logRecord(rec wal.Record) {
	if e.persist == nil {
		return
	}
	if e.persist.enqueue(rec) {
		return
	}
	if e.degraded.CompareAndSwap(false, true) {
		log.Warn().Msg("persistence worker stopped, engine continues unpersisted")
	}
}

// ============================================================================
// Single-key operations
// ============================================================================

// Get fetches key from whichever tier holds it. The bool reports presence.
func (e *Engine) Get(key string) (value.Value, bool) {
	e.totalReads.Add(1)
	return e.shardFor(key).Get(key, e.nowFn())
}

// Exists reports whether key is live.
func (e *Engine) Exists(key string) bool {
	e.totalReads.Add(1)
	return e.shardFor(key).Exists(key, e.nowFn())
}

// Set writes key with an optional ttl (zero = no expiry).
func (e *Engine) Set(key string, v value.Value, ttl time.Duration) error {
	now := e.nowFn()
	if err := e.shardFor(key).Set(key, v, ttl, now); err != nil {
		return err
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpSet,
		Timestamp: now.UnixNano(),
		Key:       key,
		ExpireAt:  absDeadline(now, ttl),
		Value:     value.Encode(v),
	})
	return nil
}

// SetNX writes key only if absent. Returns whether the write happened.
func (e *Engine) SetNX(key string, v value.Value, ttl time.Duration) (bool, error) {
	now := e.nowFn()
	ok, err := e.shardFor(key).SetNX(key, v, ttl, now)
	if err != nil || !ok {
		return ok, err
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpSetNX,
		Timestamp: now.UnixNano(),
		Key:       key,
		ExpireAt:  absDeadline(now, ttl),
		Value:     value.Encode(v),
	})
	return true, nil
}

// Delete removes key from its tier. Returns whether a live key was removed.
func (e *Engine) Delete(key string) (bool, error) {
	now := e.nowFn()
	if !e.shardFor(key).Delete(key, now) {
		return false, nil
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{Op: wal.OpDelete, Timestamp: now.UnixNano(), Key: key})
	return true, nil
}

// IncrBy atomically adds delta to the integer at key, creating it from zero
// when absent. The logged record carries the resulting value, so replaying
// it after a snapshot that already contains the result is harmless.
func (e *Engine) IncrBy(key string, delta int64) (int64, error) {
	now := e.nowFn()
	n, deadline, err := e.shardFor(key).IncrBy(key, delta, now)
	if err != nil {
		return 0, err
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpIncrBy,
		Timestamp: now.UnixNano(),
		Key:       key,
		ExpireAt:  deadline,
		Value:     value.Encode(value.NewInt(n)),
	})
	return n, nil
}

// DecrBy is IncrBy with the sign flipped.
func (e *Engine) DecrBy(key string, delta int64) (int64, error) {
	return e.IncrBy(key, -delta)
}

// CompareAndSwap replaces key's value with newV iff the stored value deeply
// equals expected. ttl > 0 also resets the deadline; zero keeps the old one.
func (e *Engine) CompareAndSwap(key string, expected, newV value.Value, ttl time.Duration) (bool, error) {
	now := e.nowFn()
	swapped, deadline, err := e.shardFor(key).CompareAndSwap(key, expected, newV, ttl, now)
	if err != nil || !swapped {
		return swapped, err
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpCAS,
		Timestamp: now.UnixNano(),
		Key:       key,
		ExpireAt:  deadline,
		Value:     value.Encode(newV),
	})
	return true, nil
}

// ============================================================================
// TTL operations
// ============================================================================

// Expire sets a fresh ttl on an existing key. A non-positive ttl deletes
// the key instead.
func (e *Engine) Expire(key string, ttl time.Duration) (bool, error) {
	// A non-positive ttl would expire the key immediately; treat it as a
	// delete (the Redis convention) so the log agrees with the live state.
	if ttl <= 0 {
		return e.Delete(key)
	}
	now := e.nowFn()
	if !e.shardFor(key).Expire(key, ttl, now) {
		return false, nil
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpExpire,
		Timestamp: now.UnixNano(),
		Key:       key,
		ExpireAt:  absDeadline(now, ttl),
	})
	return true, nil
}

// TTLRemaining returns the remaining lifetime of key: -2s when absent, -1s
// when the key has no deadline.
func (e *Engine) TTLRemaining(key string) time.Duration {
	e.totalReads.Add(1)
	return e.shardFor(key).TTL(key, e.nowFn())
}

// Persist removes the deadline from key.
func (e *Engine) Persist(key string) (bool, error) {
	now := e.nowFn()
	if !e.shardFor(key).Persist(key, now) {
		return false, nil
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{Op: wal.OpPersist, Timestamp: now.UnixNano(), Key: key})
	return true, nil
}

// ============================================================================
// Batch operations
// ============================================================================

// MGet fetches keys in order. The mask reports which keys were found.
func (e *Engine) MGet(keys []string) ([]value.Value, []bool) {
	now := e.nowFn()
	e.totalReads.Add(int64(len(keys)))
	vals := make([]value.Value, len(keys))
	found := make([]bool, len(keys))
	for i, key := range keys {
		vals[i], found[i] = e.shardFor(key).Get(key, now)
	}
	return vals, found
}

// MSet writes every pair with the same ttl. Each pair is atomic on its own
// shard; the batch as a whole is not transactional. Validation errors abort
// before any write.
func (e *Engine) MSet(pairs []KV, ttl time.Duration) error {
	now := e.nowFn()
	for _, p := range pairs {
		if len(p.Key) > store.MaxKeyLen {
			return store.ErrKeyTooLong
		}
	}
	for _, p := range pairs {
		if err := e.shardFor(p.Key).Set(p.Key, p.Value, ttl, now); err != nil {
			return err
		}
		e.logRecord(wal.Record{
			Op:        wal.OpMSet,
			Timestamp: now.UnixNano(),
			Key:       p.Key,
			ExpireAt:  absDeadline(now, ttl),
			Value:     value.Encode(p.Value),
		})
	}
	e.totalWrites.Add(int64(len(pairs)))
	return nil
}

// MDelete removes every named key, returning how many were live.
func (e *Engine) MDelete(keys []string) (int, error) {
	now := e.nowFn()
	removed := 0
	for _, key := range keys {
		if !e.shardFor(key).Delete(key, now) {
			continue
		}
		removed++
		e.logRecord(wal.Record{Op: wal.OpMDelete, Timestamp: now.UnixNano(), Key: key})
	}
	e.totalWrites.Add(int64(removed))
	return removed, nil
}

// ============================================================================
// Locks
// ============================================================================

// Lock acquires the named advisory lock for owner. A held lock blocks other
// owners until released or expired; ttl zero never expires.
func (e *Engine) Lock(resource, owner string, ttl time.Duration) (bool, error) {
	now := e.nowFn()
	ok, err := e.shardFor(resource).AcquireLock(resource, owner, ttl, now)
	if err != nil || !ok {
		return ok, err
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpLock,
		Timestamp: now.UnixNano(),
		Key:       resource,
		ExpireAt:  absDeadline(now, ttl),
		Value:     value.Encode(store.LockValue(owner, now)),
	})
	return true, nil
}

// Unlock releases the lock iff owner still holds it.
func (e *Engine) Unlock(resource, owner string) (bool, error) {
	now := e.nowFn()
	if !e.shardFor(resource).ReleaseLock(resource, owner, now) {
		return false, nil
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{Op: wal.OpUnlock, Timestamp: now.UnixNano(), Key: resource})
	return true, nil
}

// ExtendLock pushes the lock deadline to now+ttl iff owner still holds it.
func (e *Engine) ExtendLock(resource, owner string, ttl time.Duration) (bool, error) {
	now := e.nowFn()
	ok, deadline := e.shardFor(resource).ExtendLock(resource, owner, ttl, now)
	if !ok {
		return false, nil
	}
	e.totalWrites.Add(1)
	e.logRecord(wal.Record{
		Op:        wal.OpExtendLock,
		Timestamp: now.UnixNano(),
		Key:       resource,
		ExpireAt:  deadline,
	})
	return true, nil
}

// ============================================================================
// Introspection
// ============================================================================

// Keys returns every live key across all shards, in no particular order.
func (e *Engine) Keys() []string {
	now := e.nowFn()
	var keys []string
	for _, s := range e.shards {
		keys = append(keys, s.Keys(now)...)
	}
	return keys
}

// Size returns the number of keys across both tiers of all shards.
func (e *Engine) Size() int {
	n := 0
	for _, s := range e.shards {
		n += s.Len()
	}
	return n
}

// Stats is a point-in-time view of engine counters and tier occupancy.
type Stats struct {
	StartTime     time.Time
	Uptime        time.Duration
	Shards        int
	Keys          int
	HotKeys       int
	ColdKeys      int
	HotBytes      int64
	TotalCommands int64
	TotalReads    int64
	TotalWrites   int64
	ExpiredKeys   int64
	Persisted     bool
}

// Stats gathers counters across all shards.
func (e *Engine) Stats() Stats {
	now := e.nowFn()
	st := Stats{
		StartTime:   e.startTime,
		Uptime:      now.Sub(e.startTime),
		Shards:      len(e.shards),
		TotalReads:  e.totalReads.Load(),
		TotalWrites: e.totalWrites.Load(),
		ExpiredKeys: e.expiredKeys.Load(),
		Persisted:   e.persist != nil && e.persist.alive() && !e.degraded.Load(),
	}
	st.TotalCommands = st.TotalReads + st.TotalWrites
	for _, s := range e.shards {
		st.Keys += s.Len()
		st.HotKeys += s.HotLen()
		st.ColdKeys += s.ColdLen()
		st.HotBytes += s.MemUsed()
	}
	return st
}

// ============================================================================
// Lifecycle
// ============================================================================

// maintenanceLoop periodically sweeps expired keys and compacts retired
// data files, one shard at a time so no pass holds every lock at once.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopMaint:
			return
		case <-ticker.C:
			now := e.nowFn()
			for _, s := range e.shards {
				if n := s.SweepExpired(now); n > 0 {
					e.expiredKeys.Add(int64(n))
				}
				s.Compact()
			}
		}
	}
}

// collectSnapshot serialises every shard's live entries. Called from the
// persistence worker.
func (e *Engine) collectSnapshot() *snapshot.Snapshot {
	now := e.nowFn()
	shards := make([][][]byte, len(e.shards))
	for i, s := range e.shards {
		shards[i] = s.Snapshot(now)
	}
	return &snapshot.Snapshot{CreatedAt: now, Shards: shards}
}

// Close stops the workers, flushes any buffered WAL records and closes all
// shards. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopMaint)
		e.wg.Wait()
		if e.persist != nil {
			e.persist.Close()
		}
		for _, s := range e.shards {
			if err := s.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
		log.Info().Msg("engine stopped")
	})
	return e.closeErr
}
