// Package config loads the YAML server configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tierkv/tierkv/internal/engine"
	"github.com/tierkv/tierkv/internal/server"
)

// Config is the full tierkvd configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	MaxClients  int      `yaml:"max_clients"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	MaxPayload  uint32   `yaml:"max_payload"` // bytes
}

// EngineConfig contains storage settings.
type EngineConfig struct {
	Shards              int      `yaml:"shards"`
	DataDir             string   `yaml:"data_dir"`
	Persistence         bool     `yaml:"persistence"`
	ShardMemoryBudget   int64    `yaml:"shard_memory_budget"` // bytes per shard
	MaxValueSize        int64    `yaml:"max_value_size"`      // bytes
	CompactionThreshold float64  `yaml:"compaction_threshold"`
	FlushInterval       Duration `yaml:"flush_interval"`
	WALMaxBytes         int64    `yaml:"wal_max_bytes"`
	SnapshotInterval    Duration `yaml:"snapshot_interval"`
	SnapshotOps         int64    `yaml:"snapshot_ops"`
	SnapshotRetention   int      `yaml:"snapshot_retention"`
	QueueSize           int      `yaml:"queue_size"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
// ("100ms", "5m", ...).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":7440",
			MaxClients: 10000,
		},
		Engine: EngineConfig{
			DataDir:     "data",
			Persistence: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path and parses it over the defaults, so absent keys keep
// their default values (including persistence staying on).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// EngineOptions converts the engine section. Zero fields fall through to
// the engine's own defaults.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Shards:              c.Engine.Shards,
		DataDir:             c.Engine.DataDir,
		Persistence:         c.Engine.Persistence,
		ShardMemoryBudget:   c.Engine.ShardMemoryBudget,
		MaxValueSize:        c.Engine.MaxValueSize,
		CompactionThreshold: c.Engine.CompactionThreshold,
		FlushInterval:       c.Engine.FlushInterval.Duration(),
		WALMaxBytes:         c.Engine.WALMaxBytes,
		SnapshotInterval:    c.Engine.SnapshotInterval.Duration(),
		SnapshotOps:         c.Engine.SnapshotOps,
		SnapshotRetention:   c.Engine.SnapshotRetention,
		QueueSize:           c.Engine.QueueSize,
	}
}

// ServerOptions converts the server section.
func (c *Config) ServerOptions() server.Config {
	cfg := server.DefaultConfig()
	if c.Server.MaxClients != 0 {
		cfg.MaxClients = c.Server.MaxClients
	}
	if c.Server.IdleTimeout != 0 {
		cfg.IdleTimeout = c.Server.IdleTimeout.Duration()
	}
	if c.Server.MaxPayload != 0 {
		cfg.MaxPayload = c.Server.MaxPayload
	}
	return cfg
}

// expandEnvVars expands ${VAR} and ${VAR:default} references.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
