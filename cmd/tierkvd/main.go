// tierkvd - tiered key-value store server
//
// Usage:
//
//	tierkvd [flags]
//
// Flags:
//
//	-config string     Path to YAML configuration file
//	-addr string       Listen address (overrides config)
//	-data string       Data directory (overrides config)
//	-shards int        Number of shards (overrides config)
//	-no-persist        Disable WAL and snapshots (overrides config)
//	-maxclients int    Maximum number of clients (overrides config)
//	-loglevel string   Log level: debug, info, warn, error (overrides config)
//	-version           Show version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tierkv/tierkv/internal/config"
	"github.com/tierkv/tierkv/internal/engine"
	"github.com/tierkv/tierkv/internal/server"
	"github.com/tierkv/tierkv/internal/version"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	addr := flag.String("addr", "", "Listen address")
	dataDir := flag.String("data", "", "Data directory")
	shards := flag.Int("shards", 0, "Number of shards")
	noPersist := flag.Bool("no-persist", false, "Disable WAL and snapshots")
	maxClients := flag.Int("maxclients", 0, "Maximum number of clients")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tierkvd v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}

	// Flags beat the file.
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}
	if *shards > 0 {
		cfg.Engine.Shards = *shards
	}
	if *noPersist {
		cfg.Engine.Persistence = false
	}
	if *maxClients > 0 {
		cfg.Server.MaxClients = *maxClients
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	setupLogging(cfg.Log)

	log.Info().
		Str("version", version.Version).
		Str("addr", cfg.Server.Addr).
		Str("data_dir", cfg.Engine.DataDir).
		Bool("persistence", cfg.Engine.Persistence).
		Msg("starting tierkvd")

	e, err := engine.Open(cfg.EngineOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open engine")
	}

	srv := server.New(cfg.Server.Addr, e, cfg.ServerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	if err := e.Close(); err != nil {
		log.Error().Err(err).Msg("error closing engine")
	}
	log.Info().Msg("tierkvd shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}
}
