package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_AppendFlushReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := OpenWriter(dir)
	require.NoError(t, err)

	records := []Record{
		{Op: OpSet, Timestamp: 100, Key: "key1", Value: []byte("v1")},
		{Op: OpSetNX, Timestamp: 200, Key: "key2", ExpireAt: 1234567890, Value: []byte("v2")},
		{Op: OpDelete, Timestamp: 300, Key: "key1"},
	}
	for _, rec := range records {
		w.Append(rec)
	}
	assert.Equal(t, 3, w.Pending())
	require.NoError(t, w.Flush())
	assert.Equal(t, 0, w.Pending())
	require.NoError(t, w.Close())

	var got []Record
	require.NoError(t, Replay(dir, 0, func(rec Record) { got = append(got, rec) }))
	require.Len(t, got, 3)
	assert.Equal(t, records[0], got[0])
	assert.Equal(t, records[1], got[1])
	assert.Equal(t, OpDelete, got[2].Op)
	assert.Equal(t, "key1", got[2].Key)
	assert.Nil(t, got[2].Value)
}

func TestReplay_FromPosition(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		w.Append(Record{Op: OpSet, Timestamp: i * 100, Key: "k"})
	}
	require.NoError(t, w.Close())

	var got []int64
	require.NoError(t, Replay(dir, 300, func(rec Record) { got = append(got, rec.Timestamp) }))
	assert.Equal(t, []int64{300, 400, 500}, got)
}

func TestWriter_Rotate(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)

	w.Append(Record{Op: OpSet, Timestamp: 1, Key: "old"})
	require.NoError(t, w.Rotate(time.Now().UnixNano()))
	assert.EqualValues(t, 0, w.Size())

	w.Append(Record{Op: OpSet, Timestamp: 2, Key: "new"})
	require.NoError(t, w.Close())

	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, CurrentName, filepath.Base(segs[1]))

	// Replay order spans the rotated segment then the current one.
	var keys []string
	require.NoError(t, Replay(dir, 0, func(rec Record) { keys = append(keys, rec.Key) }))
	assert.Equal(t, []string{"old", "new"}, keys)
}

func TestReplay_CorruptTailSkipped(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)
	w.Append(Record{Op: OpSet, Timestamp: 1, Key: "good"})
	require.NoError(t, w.Close())

	// Torn write: garbage appended after the last valid record.
	f, err := os.OpenFile(filepath.Join(dir, CurrentName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x10, 0x00, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []Record
	require.NoError(t, Replay(dir, 0, func(rec Record) { got = append(got, rec) }))
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Key)
}

func TestReplay_CorruptMiddleStopsSegmentOnly(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)
	w.Append(Record{Op: OpSet, Timestamp: 1, Key: "rotated"})
	require.NoError(t, w.Rotate(42))

	// Corrupt the rotated segment in place.
	rotated := filepath.Join(dir, "wal-42.log")
	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(rotated, data, 0o644))

	w.Append(Record{Op: OpSet, Timestamp: 2, Key: "current"})
	require.NoError(t, w.Close())

	var keys []string
	require.NoError(t, Replay(dir, 0, func(rec Record) { keys = append(keys, rec.Key) }))
	assert.Equal(t, []string{"current"}, keys)
}

func TestPruneBefore(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)
	w.Append(Record{Op: OpSet, Timestamp: 1, Key: "a"})
	require.NoError(t, w.Rotate(100))
	w.Append(Record{Op: OpSet, Timestamp: 2, Key: "b"})
	require.NoError(t, w.Rotate(200))
	require.NoError(t, w.Close())

	PruneBefore(dir, 150)

	segs, err := Segments(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(segs))
	for _, s := range segs {
		names = append(names, filepath.Base(s))
	}
	assert.Equal(t, []string{"wal-200.log", CurrentName}, names)
}

func TestWriter_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	require.NoError(t, err)
	w.Append(Record{Op: OpSet, Timestamp: 1, Key: "first"})
	require.NoError(t, w.Close())

	w2, err := OpenWriter(dir)
	require.NoError(t, err)
	assert.Greater(t, w2.Size(), int64(0))
	w2.Append(Record{Op: OpSet, Timestamp: 2, Key: "second"})
	require.NoError(t, w2.Close())

	var keys []string
	require.NoError(t, Replay(dir, 0, func(rec Record) { keys = append(keys, rec.Key) }))
	assert.Equal(t, []string{"first", "second"}, keys)
}
