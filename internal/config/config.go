// Package config defines the engine configuration, loaded from YAML with
// documented defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/nimbusdb/nimbus/config"
)

// Config is the complete engine configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// MemTable configures the in-memory write buffers.
	MemTable MemTableConfig `yaml:"memtable"`

	// Flush configures the seal/persist pipeline.
	Flush FlushConfig `yaml:"flush"`

	// Chunk configures the chunk file encoding.
	Chunk ChunkConfig `yaml:"chunk"`

	// Retention defines how long chunks are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Compression configures the block compression wrapper.
	Compression CompressionConfig `yaml:"compression"`

	// Backpressure configures ingest admission.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Fsync is the durability policy: per_write, per_interval or off.
	Fsync string `yaml:"fsync"`

	// IntervalMs is the group-commit period for per_interval.
	IntervalMs int `yaml:"interval_ms"`

	// SegmentBytes is the segment rotation size.
	SegmentBytes int64 `yaml:"segment_bytes"`

	// SegmentAge is the segment rotation age.
	SegmentAge time.Duration `yaml:"segment_age"`
}

// MemTableConfig configures the per-series write buffers.
type MemTableConfig struct {
	// MaxRows seals a memtable at this row count.
	MaxRows int `yaml:"max_rows"`

	// MaxBytes seals a memtable at this resident size.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxBytesTotal is the combined residency ceiling across all series.
	MaxBytesTotal int64 `yaml:"max_bytes_total"`
}

// FlushConfig configures the flush pipeline.
type FlushConfig struct {
	// QueueDepth is the maximum sealed-but-unflushed series.
	QueueDepth int `yaml:"queue_depth"`

	// MaxAge seals a non-empty memtable past this age.
	MaxAge time.Duration `yaml:"max_age"`
}

// ChunkConfig configures chunk encoding.
type ChunkConfig struct {
	// BlockRows is the logical rows per encoded column block.
	BlockRows int `yaml:"block_rows"`
}

// RetentionConfig configures chunk retention.
type RetentionConfig struct {
	// DefaultDays drops chunks older than this many days; 0 keeps
	// everything forever.
	DefaultDays int `yaml:"default_days"`

	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval"`

	// CompactThreshold compacts a series day once it has this many
	// live chunks.
	CompactThreshold int `yaml:"compact_threshold"`
}

// CompressionConfig configures the block compression wrapper.
type CompressionConfig struct {
	// EnableBlockWrap wraps encoded blocks with a byte compressor when
	// it pays.
	EnableBlockWrap bool `yaml:"enable_block_wrap"`
}

// BackpressureConfig configures ingest admission.
type BackpressureConfig struct {
	// MinDiskHeadroomBytes rejects ingest when the WAL volume has less
	// free space than this.
	MinDiskHeadroomBytes int64 `yaml:"min_disk_headroom_bytes"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		WAL: WALConfig{
			Fsync:        defaults.DefaultWalFsync,
			IntervalMs:   defaults.DefaultWalIntervalMs,
			SegmentBytes: defaults.DefaultWalSegmentBytes,
			SegmentAge:   defaults.DefaultWalSegmentAge,
		},
		MemTable: MemTableConfig{
			MaxRows:       defaults.DefaultMemTableMaxRows,
			MaxBytes:      defaults.DefaultMemTableMaxBytes,
			MaxBytesTotal: defaults.DefaultMemTableMaxBytesTotal,
		},
		Flush: FlushConfig{
			QueueDepth: defaults.DefaultFlushQueueDepth,
			MaxAge:     defaults.DefaultFlushMaxAge,
		},
		Chunk: ChunkConfig{
			BlockRows: defaults.DefaultChunkBlockRows,
		},
		Retention: RetentionConfig{
			DefaultDays:      defaults.DefaultRetentionDays,
			Interval:         defaults.DefaultRetentionInterval,
			CompactThreshold: defaults.DefaultCompactThreshold,
		},
		Compression: CompressionConfig{
			EnableBlockWrap: true,
		},
		Backpressure: BackpressureConfig{
			MinDiskHeadroomBytes: defaults.DefaultMinDiskHeadroomBytes,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values that yaml left behind.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WAL.Fsync == "" {
		c.WAL.Fsync = d.WAL.Fsync
	}
	if c.WAL.IntervalMs <= 0 {
		c.WAL.IntervalMs = d.WAL.IntervalMs
	}
	if c.WAL.SegmentBytes <= 0 {
		c.WAL.SegmentBytes = d.WAL.SegmentBytes
	}
	if c.WAL.SegmentAge <= 0 {
		c.WAL.SegmentAge = d.WAL.SegmentAge
	}
	if c.MemTable.MaxRows <= 0 {
		c.MemTable.MaxRows = d.MemTable.MaxRows
	}
	if c.MemTable.MaxBytes <= 0 {
		c.MemTable.MaxBytes = d.MemTable.MaxBytes
	}
	if c.MemTable.MaxBytesTotal <= 0 {
		c.MemTable.MaxBytesTotal = d.MemTable.MaxBytesTotal
	}
	if c.Flush.QueueDepth <= 0 {
		c.Flush.QueueDepth = d.Flush.QueueDepth
	}
	if c.Flush.MaxAge <= 0 {
		c.Flush.MaxAge = d.Flush.MaxAge
	}
	if c.Chunk.BlockRows <= 0 {
		c.Chunk.BlockRows = d.Chunk.BlockRows
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = d.Retention.Interval
	}
	if c.Retention.CompactThreshold <= 0 {
		c.Retention.CompactThreshold = d.Retention.CompactThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.WAL.Fsync {
	case "per_write", "per_interval", "off":
	default:
		return fmt.Errorf("wal.fsync must be per_write, per_interval or off, got %q", c.WAL.Fsync)
	}
	if c.WAL.IntervalMs < 1 {
		return fmt.Errorf("wal.interval_ms must be positive")
	}
	if c.MemTable.MaxBytes > c.MemTable.MaxBytesTotal {
		return fmt.Errorf("memtable.max_bytes (%d) exceeds memtable.max_bytes_total (%d)",
			c.MemTable.MaxBytes, c.MemTable.MaxBytesTotal)
	}
	if c.Chunk.BlockRows > 65535 {
		return fmt.Errorf("chunk.block_rows must fit a block header, got %d", c.Chunk.BlockRows)
	}
	if c.Retention.DefaultDays < 0 {
		return fmt.Errorf("retention.default_days must be >= 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// WALDir returns the WAL segment directory.
func (c *Config) WALDir() string { return filepath.Join(c.DataDir, "wal") }

// ChunksDir returns the chunk file root.
func (c *Config) ChunksDir() string { return filepath.Join(c.DataDir, "chunks") }

// LockPath returns the exclusive engine lock file.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir, "engine.lock") }

// EnsureDirectories creates the on-disk layout.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.WALDir(), c.ChunksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
