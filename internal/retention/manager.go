// Package retention drops chunks that have aged past the configured
// cutoff. It runs from a background thread; deletions are rate limited
// so a large purge cannot starve foreground I/O.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbusdb/nimbus/internal/catalog"
	"github.com/nimbusdb/nimbus/internal/logging"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// Manager handles automatic cleanup of expired chunks.
type Manager struct {
	mu        sync.Mutex
	cat       *catalog.Catalog
	chunksDir string
	log       *slog.Logger
	limiter   *rate.Limiter
	stats     Stats
}

// Stats holds retention counters.
type Stats struct {
	LastRunTime   time.Time
	ChunksDeleted int64
	BytesFreed    int64
	Errors        int64
}

// CleanupResult holds the outcome of one retention sweep.
type CleanupResult struct {
	ChunksDeleted int
	BytesFreed    int64
	Errors        []error
}

// New creates a retention manager over the catalogue. deletesPerSecond
// caps the deletion rate; zero means a sensible default.
func New(cat *catalog.Catalog, chunksDir string, deletesPerSecond float64) *Manager {
	if deletesPerSecond <= 0 {
		deletesPerSecond = 64
	}
	return &Manager{
		cat:       cat,
		chunksDir: chunksDir,
		log:       logging.Component("retention"),
		limiter:   rate.NewLimiter(rate.Limit(deletesPerSecond), 1),
	}
}

// RunCleanup deletes every chunk whose partition day is older than
// retentionDays before now. retentionDays <= 0 keeps data forever.
func (m *Manager) RunCleanup(ctx context.Context, retentionDays int) CleanupResult {
	if retentionDays <= 0 {
		return CleanupResult{}
	}
	cutoff := schema.PartitionDay(time.Now().UnixMicro()) - int32(retentionDays)
	return m.CleanupBefore(ctx, cutoff)
}

// CleanupBefore deletes every chunk with partition day < cutoffDay.
func (m *Manager) CleanupBefore(ctx context.Context, cutoffDay int32) CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = time.Now()

	expired := m.cat.Enumerate(func(e *catalog.Entry) bool {
		return e.PartitionDay < cutoffDay
	})

	var result CleanupResult
	for i := range expired {
		e := &expired[i]
		if err := m.limiter.Wait(ctx); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		// The catalogue entry goes first: once the log record is durable
		// the chunk is invisible, and only then is the file unlinked.
		if err := m.cat.Remove(e.Name); err != nil {
			m.stats.Errors++
			result.Errors = append(result.Errors, err)
			continue
		}
		path := filepath.Join(m.chunksDir, e.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.stats.Errors++
			result.Errors = append(result.Errors, err)
			continue
		}

		result.ChunksDeleted++
		result.BytesFreed += e.ByteSize
		m.stats.ChunksDeleted++
		m.stats.BytesFreed += e.ByteSize
		m.log.Info("expired chunk removed", "chunk", e.Name, "day", e.PartitionDay)
	}

	if result.ChunksDeleted > 0 {
		m.log.Info("retention sweep complete",
			"deleted", result.ChunksDeleted,
			"bytes_freed", result.BytesFreed,
			"errors", len(result.Errors))
	}
	return result
}

// StatsSnapshot returns a copy of the retention counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
