package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:9000"
  max_clients: 50
  idle_timeout: 30s
  max_payload: 1048576
engine:
  shards: 8
  data_dir: /tmp/tierkv
  persistence: false
  shard_memory_budget: 1048576
  flush_interval: 250ms
  snapshot_interval: 1m
  snapshot_ops: 500
  snapshot_retention: 5
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Server.MaxClients)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout.Duration())
	assert.Equal(t, uint32(1048576), cfg.Server.MaxPayload)

	assert.Equal(t, 8, cfg.Engine.Shards)
	assert.False(t, cfg.Engine.Persistence)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.FlushInterval.Duration())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)

	opts := cfg.EngineOptions()
	assert.Equal(t, 8, opts.Shards)
	assert.Equal(t, int64(500), opts.SnapshotOps)

	srv := cfg.ServerOptions()
	assert.Equal(t, 50, srv.MaxClients)
	assert.Equal(t, 30*time.Second, srv.IdleTimeout)
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7441"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// Keys absent from the file keep their defaults, persistence included.
	assert.Equal(t, ":7441", cfg.Server.Addr)
	assert.True(t, cfg.Engine.Persistence)
	assert.Equal(t, "data", cfg.Engine.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TIERKV_TEST_ADDR", "10.0.0.1:7440")
	path := writeConfig(t, `
server:
  addr: "${TIERKV_TEST_ADDR}"
engine:
  data_dir: "${TIERKV_TEST_DIR:/var/lib/tierkv}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:7440", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/tierkv", cfg.Engine.DataDir)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
engine:
  flush_interval: fast
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
