package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/tierkv/internal/store"
	"github.com/tierkv/tierkv/internal/value"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.Shards == 0 {
		opts.Shards = 4
	}
	if opts.MaintenanceInterval == 0 {
		// Keep the background sweeper quiet so tests that swap the clock
		// don't race it.
		opts.MaintenanceInterval = time.Hour
	}
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineBasicOps(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set("name", value.NewString("tierkv"), 0))
	got, ok := e.Get("name")
	require.True(t, ok)
	assert.Equal(t, "tierkv", got.Str)
	assert.True(t, e.Exists("name"))

	ok, err := e.Delete("name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, e.Exists("name"))

	_, ok = e.Get("name")
	assert.False(t, ok)
}

func TestEngineIncrDecr(t *testing.T) {
	e := newTestEngine(t, Options{})

	n, err := e.IncrBy("counter", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	n, err = e.DecrBy("counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	require.NoError(t, e.Set("text", value.NewString("x"), 0))
	_, err = e.IncrBy("text", 1)
	assert.ErrorIs(t, err, store.ErrTypeMismatch)
}

func TestEngineConcurrentIncr(t *testing.T) {
	e := newTestEngine(t, Options{})

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := e.IncrBy("counter", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, ok := e.Get("counter")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), got.Int)
}

func TestEngineCompareAndSwap(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set("k", value.NewInt(1), 0))

	swapped, err := e.CompareAndSwap("k", value.NewInt(1), value.NewInt(2), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = e.CompareAndSwap("k", value.NewInt(1), value.NewInt(3), 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, _ := e.Get("k")
	assert.Equal(t, int64(2), got.Int)
}

func TestEngineConcurrentCASSingleWinner(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.NoError(t, e.Set("slot", value.NewInt(0), 0))

	var wg sync.WaitGroup
	wins := make([]bool, 16)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.CompareAndSwap("slot", value.NewInt(0), value.NewInt(int64(i+1)), 0)
			assert.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestEngineTTL(t *testing.T) {
	e := newTestEngine(t, Options{})
	base := time.Now()
	e.nowFn = func() time.Time { return base }

	require.NoError(t, e.Set("brief", value.NewInt(1), 10*time.Second))
	assert.Equal(t, 10*time.Second, e.TTLRemaining("brief"))

	base = base.Add(11 * time.Second)
	_, ok := e.Get("brief")
	assert.False(t, ok)
	assert.Equal(t, -2*time.Second, e.TTLRemaining("brief"))
}

func TestEngineExpirePersist(t *testing.T) {
	e := newTestEngine(t, Options{})
	base := time.Now()
	e.nowFn = func() time.Time { return base }

	require.NoError(t, e.Set("k", value.NewInt(1), 0))
	assert.Equal(t, -1*time.Second, e.TTLRemaining("k"))

	ok, err := e.Expire("k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, e.TTLRemaining("k"))

	ok, err = e.Persist("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1*time.Second, e.TTLRemaining("k"))

	base = base.Add(time.Hour)
	assert.True(t, e.Exists("k"))
}

func TestEngineBatchOps(t *testing.T) {
	e := newTestEngine(t, Options{})

	pairs := []KV{
		{Key: "a", Value: value.NewInt(1)},
		{Key: "b", Value: value.NewInt(2)},
		{Key: "c", Value: value.NewInt(3)},
	}
	require.NoError(t, e.MSet(pairs, 0))

	vals, found := e.MGet([]string{"a", "missing", "c"})
	require.Len(t, vals, 3)
	assert.True(t, found[0])
	assert.False(t, found[1])
	assert.True(t, found[2])
	assert.Equal(t, int64(1), vals[0].Int)
	assert.Equal(t, int64(3), vals[2].Int)

	removed, err := e.MDelete([]string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, e.Size())
}

func TestEngineLocks(t *testing.T) {
	e := newTestEngine(t, Options{})

	ok, err := e.Lock("res", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Lock("res", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Unlock("res", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.ExtendLock("res", "alice", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Unlock("res", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Lock("res", "bob", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineConcurrentLockSingleHolder(t *testing.T) {
	e := newTestEngine(t, Options{})

	var wg sync.WaitGroup
	acquired := make([]bool, 16)
	for i := range acquired {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := e.Lock("res", fmt.Sprintf("owner-%d", i), time.Minute)
			assert.NoError(t, err)
			acquired[i] = ok
		}(i)
	}
	wg.Wait()

	holders := 0
	for _, ok := range acquired {
		if ok {
			holders++
		}
	}
	assert.Equal(t, 1, holders)
}

func TestEngineShardDistribution(t *testing.T) {
	e := newTestEngine(t, Options{Shards: 16})

	for i := 0; i < 10_000; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key-%05d", i), value.NewInt(int64(i)), 0))
	}

	// Hash routing should land a meaningful share of keys on every shard.
	for i, s := range e.shards {
		assert.Greater(t, s.Len(), 200, "shard %d underpopulated", i)
	}
	assert.Equal(t, 10_000, e.Size())
}

func TestEngineKeysAndStats(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set("a", value.NewInt(1), 0))
	require.NoError(t, e.Set("b", value.NewInt(2), 0))
	e.Get("a")

	keys := e.Keys()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	st := e.Stats()
	assert.Equal(t, 2, st.Keys)
	assert.Equal(t, int64(2), st.TotalWrites)
	assert.GreaterOrEqual(t, st.TotalReads, int64(1))
	assert.Equal(t, st.TotalReads+st.TotalWrites, st.TotalCommands)
	assert.False(t, st.Persisted)
}

func TestEngineRecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DataDir: dir, Shards: 4, Persistence: true}

	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.Set("name", value.NewString("tierkv"), 0))
	require.NoError(t, e.Set("deadline", value.NewInt(9), time.Hour))
	_, err = e.IncrBy("counter", 42)
	require.NoError(t, err)
	_, err = e.SetNX("once", value.NewBool(true), 0)
	require.NoError(t, err)
	_, err = e.CompareAndSwap("name", value.NewString("tierkv"), value.NewString("tierkv2"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Set("gone", value.NewInt(0), 0))
	_, err = e.Delete("gone")
	require.NoError(t, err)
	_, err = e.Lock("res", "alice", time.Hour)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	re, err := Open(opts)
	require.NoError(t, err)
	defer re.Close()

	got, ok := re.Get("name")
	require.True(t, ok)
	assert.Equal(t, "tierkv2", got.Str)

	got, ok = re.Get("counter")
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Int)

	got, ok = re.Get("once")
	require.True(t, ok)
	assert.True(t, got.Bool)

	assert.False(t, re.Exists("gone"))

	ttl := re.TTLRemaining("deadline")
	assert.Greater(t, ttl, 59*time.Minute)

	// The lock survived the restart still held by its owner.
	ok, err = re.Lock("res", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = re.Unlock("res", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineExpireNonPositiveTTLDeletes(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DataDir: dir, Shards: 4, Persistence: true}

	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.Set("a", value.NewInt(1), 0))
	require.NoError(t, e.Set("b", value.NewInt(2), 0))

	ok, err := e.Expire("a", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Expire("b", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, e.Exists("a"))
	assert.False(t, e.Exists("b"))

	ok, err = e.Expire("missing", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Replay must agree with what the live engine did.
	require.NoError(t, e.Close())
	re, err := Open(opts)
	require.NoError(t, err)
	defer re.Close()
	assert.False(t, re.Exists("a"))
	assert.False(t, re.Exists("b"))
}

func TestEngineRecoveryThroughSnapshot(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DataDir: dir, Shards: 4, Persistence: true, SnapshotOps: 10}

	e, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key-%02d", i), value.NewInt(int64(i)), 0))
	}
	// Give the worker time to cross the op-count snapshot trigger.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, e.Close())

	snaps, err := filepath.Glob(filepath.Join(dir, "*.snap"))
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)

	re, err := Open(opts)
	require.NoError(t, err)
	defer re.Close()

	assert.Equal(t, 50, re.Size())
	for i := 0; i < 50; i++ {
		got, ok := re.Get(fmt.Sprintf("key-%02d", i))
		require.True(t, ok, "key-%02d", i)
		assert.Equal(t, int64(i), got.Int)
	}
}

func TestEngineRecoveryIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DataDir: dir, Shards: 4, Persistence: true}

	e, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := e.IncrBy("counter", 1)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	// Two restart cycles must converge on the same state: records carry
	// absolute resulting values, so replaying them twice changes nothing.
	for cycle := 0; cycle < 2; cycle++ {
		re, err := Open(opts)
		require.NoError(t, err)
		got, ok := re.Get("counter")
		require.True(t, ok)
		assert.Equal(t, int64(20), got.Int)
		require.NoError(t, re.Close())
	}
}

func TestEngineDegradesWhenWorkerGone(t *testing.T) {
	e := newTestEngine(t, Options{Persistence: true})
	require.True(t, e.Stats().Persisted)

	// Simulate a dead worker: writes keep succeeding but the engine flags
	// itself unpersisted.
	e.persist.Close()
	require.NoError(t, e.Set("k", value.NewInt(1), 0))
	assert.True(t, e.Exists("k"))
	assert.False(t, e.Stats().Persisted)
	assert.True(t, e.degraded.Load())
}

func TestEngineValidationErrors(t *testing.T) {
	e := newTestEngine(t, Options{})

	long := string(make([]byte, store.MaxKeyLen+1))
	err := e.Set(long, value.NewInt(1), 0)
	assert.ErrorIs(t, err, store.ErrKeyTooLong)

	err = e.MSet([]KV{{Key: long, Value: value.NewInt(1)}}, 0)
	assert.ErrorIs(t, err, store.ErrKeyTooLong)
}
