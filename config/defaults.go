// Package config provides configuration defaults for the nimbus engine.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or flags on nimbusd.
package config

import "time"

// =============================================================================
// WAL Defaults
// =============================================================================

const (
	// DefaultWalFsync is the durability policy for acknowledgements.
	// One of: per_write, per_interval, off.
	// Override via config: wal.fsync
	DefaultWalFsync = "per_interval"

	// DefaultWalIntervalMs is the group-commit period for per_interval.
	// Smaller values narrow the crash window at the cost of more fsyncs.
	// Override via config: wal.interval_ms
	DefaultWalIntervalMs = 10

	// DefaultWalSegmentBytes rotates a WAL segment past this size.
	// Override via config: wal.segment_bytes
	DefaultWalSegmentBytes = 128 * 1024 * 1024

	// DefaultWalSegmentAge rotates a WAL segment past this age.
	DefaultWalSegmentAge = time.Hour
)

// =============================================================================
// MemTable Defaults
// =============================================================================

const (
	// DefaultMemTableMaxRows seals a series memtable at this row count.
	// Override via config: memtable.max_rows
	DefaultMemTableMaxRows = 64_000

	// DefaultMemTableMaxBytes seals a series memtable at this resident size.
	// Override via config: memtable.max_bytes
	DefaultMemTableMaxBytes = 64 * 1024 * 1024

	// DefaultMemTableMaxBytesTotal is the ceiling for all memtables
	// combined; ingest is rejected with backpressure beyond it.
	DefaultMemTableMaxBytesTotal = 1 << 30
)

// =============================================================================
// Flush Defaults
// =============================================================================

const (
	// DefaultFlushQueueDepth is the maximum sealed-but-unflushed series.
	// Ingest is rejected with backpressure when the queue is full.
	// Override via config: flush.queue_depth
	DefaultFlushQueueDepth = 16

	// DefaultFlushMaxAge seals a non-empty memtable past this age even
	// when it is nowhere near its size thresholds.
	DefaultFlushMaxAge = 15 * time.Minute

	// DefaultFlushRetryBase is the initial backoff after a flush failure.
	DefaultFlushRetryBase = 10 * time.Millisecond

	// DefaultFlushRetryCap bounds the flush retry backoff.
	DefaultFlushRetryCap = 5 * time.Second

	// DefaultFlushMaxFailures puts the engine into degraded mode after
	// this many consecutive flush failures.
	DefaultFlushMaxFailures = 10
)

// =============================================================================
// Chunk Defaults
// =============================================================================

const (
	// DefaultChunkBlockRows is the logical rows per encoded column block.
	// Override via config: chunk.block_rows
	DefaultChunkBlockRows = 1024
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetentionDays keeps chunks forever when zero.
	// Override via config: retention.default_days
	DefaultRetentionDays = 0

	// DefaultRetentionInterval is how often the retention sweep runs.
	DefaultRetentionInterval = time.Hour

	// DefaultCompactThreshold compacts a series day once it accumulates
	// this many live chunks.
	DefaultCompactThreshold = 4
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultMinDiskHeadroomBytes is the free space the WAL volume must
	// keep before ingest is rejected.
	DefaultMinDiskHeadroomBytes = 256 * 1024 * 1024
)
