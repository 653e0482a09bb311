package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/tierkv/internal/value"
)

func newTestShard(t *testing.T, opts Options) *Shard {
	t.Helper()
	s, err := NewShard(0, t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShardSetGet(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("greeting", value.NewString("hello"), 0, now))

	got, ok := s.Get("greeting", now)
	require.True(t, ok)
	assert.Equal(t, value.NewString("hello"), got)

	_, ok = s.Get("missing", now)
	assert.False(t, ok)
}

func TestShardGetReturnsCopy(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("list", value.NewList(value.NewInt(1)), 0, now))

	got, ok := s.Get("list", now)
	require.True(t, ok)
	got.List[0] = value.NewInt(99)

	again, ok := s.Get("list", now)
	require.True(t, ok)
	assert.Equal(t, int64(1), again.List[0].Int)
}

func TestShardOverwriteBumpsVersion(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("k", value.NewInt(1), 0, now))
	v1, ok := s.Version("k", now)
	require.True(t, ok)

	require.NoError(t, s.Set("k", value.NewInt(2), 0, now))
	v2, ok := s.Version("k", now)
	require.True(t, ok)
	assert.Greater(t, v2, v1)
}

func TestShardKeyAndValueLimits(t *testing.T) {
	s := newTestShard(t, Options{MaxValueSize: 32})
	now := time.Now()

	long := make([]byte, MaxKeyLen+1)
	err := s.Set(string(long), value.NewInt(1), 0, now)
	assert.ErrorIs(t, err, ErrKeyTooLong)

	err = s.Set("k", value.NewBytes(make([]byte, 64)), 0, now)
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestShardSetNX(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	ok, err := s.SetNX("k", value.NewInt(1), 0, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX("k", value.NewInt(2), 0, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get("k", now)
	assert.Equal(t, int64(1), got.Int)
}

func TestShardSetNXAfterExpiry(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	ok, err := s.SetNX("k", value.NewInt(1), time.Second, now)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Second)
	ok, err = s.SetNX("k", value.NewInt(2), 0, later)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardDelete(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("k", value.NewInt(1), 0, now))
	assert.True(t, s.Delete("k", now))
	assert.False(t, s.Delete("k", now))
	assert.False(t, s.Exists("k", now))
}

func TestShardIncrBy(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	n, _, err := s.IncrBy("counter", 5, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, _, err = s.IncrBy("counter", -2, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.Set("text", value.NewString("x"), 0, now))
	_, _, err = s.IncrBy("text", 1, now)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	got, _ := s.Get("text", now)
	assert.Equal(t, "x", got.Str)
}

func TestShardIncrByPreservesDeadline(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("counter", value.NewInt(1), time.Minute, now))
	_, deadline, err := s.IncrBy("counter", 1, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), deadline)
}

func TestShardCompareAndSwap(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	require.NoError(t, s.Set("k", value.NewInt(1), 0, now))

	ok, _, err := s.CompareAndSwap("k", value.NewInt(1), value.NewInt(2), 0, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = s.CompareAndSwap("k", value.NewInt(1), value.NewInt(3), 0, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get("k", now)
	assert.Equal(t, int64(2), got.Int)

	ok, _, err = s.CompareAndSwap("missing", value.Null(), value.NewInt(1), 0, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShardTTLLifecycle(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	assert.Equal(t, -2*time.Second, s.TTL("missing", now))

	require.NoError(t, s.Set("forever", value.NewInt(1), 0, now))
	assert.Equal(t, -1*time.Second, s.TTL("forever", now))

	require.NoError(t, s.Set("brief", value.NewInt(1), 10*time.Second, now))
	assert.Equal(t, 10*time.Second, s.TTL("brief", now))

	// Lazy expiry: the key vanishes once the clock passes the deadline.
	later := now.Add(11 * time.Second)
	_, ok := s.Get("brief", later)
	assert.False(t, ok)
	assert.Equal(t, -2*time.Second, s.TTL("brief", later))
}

func TestShardExpirePersist(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	assert.False(t, s.Expire("missing", time.Second, now))

	require.NoError(t, s.Set("k", value.NewInt(1), 0, now))
	assert.True(t, s.Expire("k", time.Minute, now))
	assert.Equal(t, time.Minute, s.TTL("k", now))

	assert.True(t, s.Persist("k", now))
	assert.Equal(t, -1*time.Second, s.TTL("k", now))
	assert.False(t, s.Persist("k", now))
}

func TestShardEvictionStaysUnderBudget(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, s.Set(key, value.NewInt(int64(i)), 0, now))
		assert.LessOrEqual(t, s.MemUsed(), int64(400))
	}
	assert.Equal(t, 50, s.Len())
	assert.Greater(t, s.ColdLen(), 0)
}

func TestShardColdReadsAreTransparent(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("key-%02d", i), value.NewInt(int64(i)), 0, now))
	}
	require.Greater(t, s.ColdLen(), 0)

	// Every key reads back identically regardless of which tier holds it.
	for i := 0; i < 50; i++ {
		got, ok := s.Get(fmt.Sprintf("key-%02d", i), now)
		require.True(t, ok, "key-%02d", i)
		assert.Equal(t, int64(i), got.Int)
	}
	assert.LessOrEqual(t, s.MemUsed(), int64(400))
}

func TestShardPromotionPreservesVersionAndTTL(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	require.NoError(t, s.Set("first", value.NewInt(1), time.Hour, now))
	require.NoError(t, s.Set("first", value.NewInt(2), time.Hour, now))
	v, ok := s.Version("first", now)
	require.True(t, ok)

	// Push "first" to the cold tier.
	for i := 0; s.InHot("first") && i < 100; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("filler-%02d", i), value.NewInt(0), 0, now))
	}
	require.False(t, s.InHot("first"))

	got, ok := s.Get("first", now)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Int)

	v2, ok := s.Version("first", now)
	require.True(t, ok)
	assert.Equal(t, v, v2)
	assert.InDelta(t, time.Hour, s.TTL("first", now), float64(time.Minute))
}

func TestShardExpiredColdEntryIsGone(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	require.NoError(t, s.Set("brief", value.NewInt(1), time.Second, now))
	for i := 0; s.InHot("brief") && i < 100; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("filler-%02d", i), value.NewInt(0), 0, now))
	}
	require.False(t, s.InHot("brief"))

	later := now.Add(2 * time.Second)
	_, ok := s.Get("brief", later)
	assert.False(t, ok)
	assert.False(t, s.Exists("brief", later))
}

func TestShardKeys(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("key-%02d", i), value.NewInt(int64(i)), 0, now))
	}
	require.NoError(t, s.Set("brief", value.NewInt(0), time.Second, now))

	keys := s.Keys(now.Add(2 * time.Second))
	assert.Len(t, keys, 20)
	assert.NotContains(t, keys, "brief")
}

func TestShardSweepExpired(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	for i := 0; i < 30; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("brief-%02d", i), value.NewInt(0), time.Second, now))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("keep-%02d", i), value.NewInt(0), 0, now))
	}

	later := now.Add(2 * time.Second)
	removed := 0
	for i := 0; i < 50 && removed < 30; i++ {
		removed += s.SweepExpired(later)
	}
	assert.Equal(t, 30, removed)
	assert.Equal(t, 10, s.Len())
}

func TestShardCompaction(t *testing.T) {
	s := newTestShard(t, Options{MemoryBudget: 512})
	now := time.Now()

	// Large values force data file rotation, retiring files that compaction
	// can then reclaim once most of their records are dead.
	big := make([]byte, 1<<20)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("big-%d", i), value.NewBytes(big), 0, now))
	}
	for i := 0; i < 3; i++ {
		s.Delete(fmt.Sprintf("big-%d", i), now)
	}

	compacted := false
	for i := 0; i < 4; i++ {
		if s.Compact() {
			compacted = true
		}
	}
	assert.True(t, compacted)

	// Surviving keys still read back after their records moved files.
	for i := 3; i < 6; i++ {
		got, ok := s.Get(fmt.Sprintf("big-%d", i), now)
		require.True(t, ok)
		assert.Len(t, got.Bytes, 1<<20)
	}
}

func TestShardLocks(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	ok, err := s.AcquireLock("res", "alice", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock("res", "bob", time.Minute, now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, s.ReleaseLock("res", "bob", now))
	assert.True(t, s.ReleaseLock("res", "alice", now))

	ok, err = s.AcquireLock("res", "bob", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardLockExpiryAndExtend(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	ok, err := s.AcquireLock("res", "alice", time.Second, now)
	require.NoError(t, err)
	require.True(t, ok)

	extended, deadline := s.ExtendLock("res", "alice", time.Minute, now)
	assert.True(t, extended)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), deadline)

	extended, _ = s.ExtendLock("res", "bob", time.Minute, now)
	assert.False(t, extended)

	// Past the extended deadline the lock is free again.
	later := now.Add(2 * time.Minute)
	ok, err = s.AcquireLock("res", "bob", time.Minute, later)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardApplyLogged(t *testing.T) {
	s := newTestShard(t, Options{})
	now := time.Now()

	s.ApplyLogged("k", value.NewInt(1), now.Add(time.Minute).UnixNano(), now)
	got, ok := s.Get("k", now)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Int)
	assert.InDelta(t, time.Minute, s.TTL("k", now), float64(time.Second))

	// A record whose deadline already passed deletes instead of inserting.
	s.ApplyLogged("k", value.NewInt(2), now.Add(-time.Second).UnixNano(), now)
	_, ok = s.Get("k", now)
	assert.False(t, ok)

	s.ApplyLoggedNX("k", value.NewInt(3), 0, now)
	s.ApplyLoggedNX("k", value.NewInt(4), 0, now)
	got, ok = s.Get("k", now)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Int)
}

func TestShardSnapshotRestoreRoundTrip(t *testing.T) {
	src := newTestShard(t, Options{MemoryBudget: 400})
	now := time.Now()

	for i := 0; i < 30; i++ {
		require.NoError(t, src.Set(fmt.Sprintf("key-%02d", i), value.NewInt(int64(i)), 0, now))
	}
	require.NoError(t, src.Set("deadline", value.NewInt(99), time.Hour, now))

	records := src.Snapshot(now)
	require.Len(t, records, 31)

	dst := newTestShard(t, Options{MemoryBudget: 400})
	for _, rec := range records {
		key, e, err := DecodeEntry(rec)
		require.NoError(t, err)
		dst.RestoreEntry(key, e, now)
	}

	assert.Equal(t, src.Len(), dst.Len())
	for i := 0; i < 30; i++ {
		got, ok := dst.Get(fmt.Sprintf("key-%02d", i), now)
		require.True(t, ok)
		assert.Equal(t, int64(i), got.Int)
	}
	assert.InDelta(t, time.Hour, dst.TTL("deadline", now), float64(time.Second))
}
