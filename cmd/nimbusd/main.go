// nimbusd is the weather observation storage daemon.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusdb/nimbus/internal/config"
	"github.com/nimbusdb/nimbus/internal/engine"
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 64
	exitData     = 65
	exitInternal = 70
	exitIO       = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	statsEvery := flag.Duration("stats-interval", time.Minute, "stats logging period (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return exitConfig
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfig
	}

	logging.Init(parseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("nimbusd")
	log.Info("starting", "version", Version, "data_dir", cfg.DataDir)

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Error("engine open failed", "error", err)
		switch {
		case errors.Is(err, errors.ErrCatalogueCorrupt):
			return exitData
		case errors.IsFatal(err):
			return exitIO
		default:
			return exitInternal
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if *statsEvery > 0 {
		ticker = time.NewTicker(*statsEvery)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case sig := <-stop:
			log.Info("shutting down", "signal", sig.String())
			if err := eng.Close(); err != nil {
				log.Error("close failed", "error", err)
				return exitIO
			}
			return exitOK

		case <-tick:
			s := eng.Stats()
			log.Info("engine stats",
				"rows_written", s.RowsWritten,
				"memtable_series", s.MemTableSeries,
				"memtable_bytes", s.MemTableBytes,
				"chunks", s.ChunkCount,
				"chunk_bytes", s.ChunkBytes,
				"wal_segments", s.WalSegments,
				"wal_bytes", s.WalBytes,
				"flush_queue", s.FlushQueueDepth,
				"degraded", s.Degraded)
			if len(s.QuarantinedChunks) > 0 {
				log.Warn("quarantined chunks need inspection", "chunks", s.QuarantinedChunks)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
