package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.WAL.Fsync != "per_interval" {
		t.Errorf("wal.fsync default = %q", cfg.WAL.Fsync)
	}
	if cfg.MemTable.MaxRows != 64_000 {
		t.Errorf("memtable.max_rows default = %d", cfg.MemTable.MaxRows)
	}
	if cfg.Chunk.BlockRows != 1024 {
		t.Errorf("chunk.block_rows default = %d", cfg.Chunk.BlockRows)
	}
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/nimbus
wal:
  fsync: per_write
  segment_bytes: 1048576
memtable:
  max_rows: 1000
retention:
  default_days: 7
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}

	if cfg.DataDir != "/var/lib/nimbus" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.WAL.Fsync != "per_write" {
		t.Errorf("wal.fsync = %q", cfg.WAL.Fsync)
	}
	if cfg.WAL.SegmentBytes != 1048576 {
		t.Errorf("wal.segment_bytes = %d", cfg.WAL.SegmentBytes)
	}
	if cfg.Retention.DefaultDays != 7 {
		t.Errorf("retention.default_days = %d", cfg.Retention.DefaultDays)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v", cfg.Logging)
	}

	// Unset values keep their defaults.
	if cfg.WAL.IntervalMs != 10 {
		t.Errorf("wal.interval_ms = %d", cfg.WAL.IntervalMs)
	}
	if cfg.Flush.QueueDepth != 16 {
		t.Errorf("flush.queue_depth = %d", cfg.Flush.QueueDepth)
	}
	if cfg.Flush.MaxAge != 15*time.Minute {
		t.Errorf("flush.max_age = %v", cfg.Flush.MaxAge)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir": func(c *Config) { c.DataDir = "" },
		"bad fsync":      func(c *Config) { c.WAL.Fsync = "always" },
		"bad level":      func(c *Config) { c.Logging.Level = "verbose" },
		"negative days":  func(c *Config) { c.Retention.DefaultDays = -1 },
		"huge blocks":    func(c *Config) { c.Chunk.BlockRows = 100_000 },
		"memtable over total": func(c *Config) {
			c.MemTable.MaxBytes = 100
			c.MemTable.MaxBytesTotal = 50
		},
	}

	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDirectoryLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.WALDir(), cfg.ChunksDir()} {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}
	if cfg.LockPath() != filepath.Join(cfg.DataDir, "engine.lock") {
		t.Errorf("lock path = %q", cfg.LockPath())
	}
}
