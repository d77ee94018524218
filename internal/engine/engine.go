// Package engine orchestrates the storage core: ingest admission, the
// WAL, per-series memtables, the flush/seal pipeline, the chunk
// catalogue, scans, retention and recovery. The engine is a single owned
// object per data directory; an exclusive lock file enforces
// single-process ownership.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusdb/nimbus/internal/backpressure"
	"github.com/nimbusdb/nimbus/internal/catalog"
	"github.com/nimbusdb/nimbus/internal/config"
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/logging"
	"github.com/nimbusdb/nimbus/internal/memtable"
	"github.com/nimbusdb/nimbus/internal/retention"
	"github.com/nimbusdb/nimbus/internal/schema"
	"github.com/nimbusdb/nimbus/internal/wal"
)

// tableState is a live memtable plus its bookkeeping.
type tableState struct {
	mt        *memtable.MemTable
	createdAt time.Time
}

// flushTask is one sealed snapshot waiting for the flusher.
type flushTask struct {
	key  schema.SeriesKey
	snap *memtable.Snapshot
	done chan error // non-nil for FlushNow
}

// Engine is the storage engine for one data directory.
type Engine struct {
	cfg *config.Config
	sch *schema.Schema
	log *slog.Logger

	lockFile *os.File
	wal      *wal.Writer
	cat      *catalog.Catalog
	bp       *backpressure.Controller
	ret      *retention.Manager

	mu       sync.RWMutex // guards tables and pending
	tables   map[string]*tableState
	pending  map[string][]*memtable.Snapshot // sealed, not yet catalogued
	memBytes atomic.Int64

	flushCh  chan flushTask
	queueLen atomic.Int32
	// sendMu guards flushCh against sends racing its close at shutdown.
	sendMu   sync.RWMutex
	chClosed bool

	// chunkSeq is the next chunk sequence per series key. Owned by the
	// flusher and compaction, both serialized on flushMu.
	flushMu  sync.Mutex
	chunkSeq map[string]uint64

	degraded     atomic.Bool
	consecFails  int
	quarantineMu sync.Mutex
	quarantined  []string

	sketchMu     sync.Mutex
	writeLatency *ddsketch.DDSketch
	flushLatency *ddsketch.DDSketch

	rowsWritten   atomic.Int64
	rowsRejected  atomic.Int64
	flushesOK     atomic.Int64
	flushesFailed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	closed atomic.Bool
}

// Open creates or recovers the engine at cfg.DataDir. It refuses to
// start when the data directory is unusable or another process holds the
// engine lock.
func Open(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, errors.Wrap(errors.ErrDataDirInaccessible, err.Error())
	}

	e := &Engine{
		cfg:      cfg,
		sch:      schema.Default(),
		log:      logging.Component("engine"),
		tables:   make(map[string]*tableState),
		pending:  make(map[string][]*memtable.Snapshot),
		flushCh:  make(chan flushTask, cfg.Flush.QueueDepth),
		chunkSeq: make(map[string]uint64),
	}

	var err error
	e.writeLatency, err = ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("write latency sketch: %w", err)
	}
	e.flushLatency, err = ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("flush latency sketch: %w", err)
	}

	if err := e.acquireLock(); err != nil {
		return nil, err
	}

	e.cat, err = catalog.Open(cfg.DataDir)
	if err != nil {
		e.releaseLock()
		return nil, err
	}

	if err := e.recoverWal(); err != nil {
		e.cat.Close()
		e.releaseLock()
		return nil, err
	}

	e.bp = backpressure.New(backpressure.Limits{
		MaxFlushQueueDepth:   cfg.Flush.QueueDepth,
		MaxMemTableBytes:     cfg.MemTable.MaxBytesTotal,
		MinDiskHeadroomBytes: cfg.Backpressure.MinDiskHeadroomBytes,
	}, cfg.WALDir(), e.flushQueueDepth, e.memBytes.Load)

	e.ret = retention.New(e.cat, cfg.ChunksDir(), 0)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.eg, _ = errgroup.WithContext(e.ctx)
	e.eg.Go(e.flusherLoop)
	e.eg.Go(e.housekeepingLoop)
	e.eg.Go(e.retentionLoop)

	e.log.Info("engine open",
		"data_dir", cfg.DataDir,
		"series_recovered", len(e.tables),
		"fsync", cfg.WAL.Fsync)
	return e, nil
}

// acquireLock takes the exclusive engine.lock flock.
func (e *Engine) acquireLock() error {
	f, err := os.OpenFile(e.cfg.LockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(errors.ErrDataDirInaccessible, err.Error())
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return errors.Wrapf(errors.ErrLockHeld, "%s", e.cfg.LockPath())
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	e.lockFile = f
	return nil
}

func (e *Engine) releaseLock() {
	if e.lockFile != nil {
		syscall.Flock(int(e.lockFile.Fd()), syscall.LOCK_UN)
		e.lockFile.Close()
		e.lockFile = nil
	}
}

// recoverWal opens the WAL, replaying rows that are not yet covered by a
// catalogued chunk back into memtables.
func (e *Engine) recoverWal() error {
	// The catalogue is authoritative for what is already persisted.
	persisted := make(map[string]int64)
	for _, entry := range e.cat.Enumerate(nil) {
		key := schema.SeriesKey{StationID: entry.StationID, PartitionDay: entry.PartitionDay}.String()
		if p, ok := persisted[key]; !ok || entry.LastTs > p {
			persisted[key] = entry.LastTs
		}
	}

	walOpts := wal.Options{
		SegmentBytes: e.cfg.WAL.SegmentBytes,
		SegmentAge:   e.cfg.WAL.SegmentAge,
		Interval:     time.Duration(e.cfg.WAL.IntervalMs) * time.Millisecond,
	}
	var err error
	walOpts.Fsync, err = wal.ParseFsyncPolicy(e.cfg.WAL.Fsync)
	if err != nil {
		return errors.Wrap(errors.ErrDataDirInaccessible, err.Error())
	}

	recovered := 0
	skipped := 0
	e.wal, err = wal.Open(e.cfg.WALDir(), e.sch, walOpts, func(rec *wal.Record) error {
		switch rec.Kind {
		case wal.KindWrite:
			for i := range rec.Rows {
				row := &rec.Rows[i]
				key := schema.SeriesKeyFor(row)
				if p, ok := persisted[key.String()]; ok && row.TsMicros <= p {
					skipped++
					continue
				}
				e.insertRow(key, row)
				recovered++
			}
		case wal.KindFlushCommit:
			// A commit is a hint: honor it only when the chunk really is
			// in the catalogue.
			if _, ok := e.cat.Get(rec.ChunkName); ok {
				k := rec.Series.String()
				if rec.ThroughTs > persisted[k] {
					persisted[k] = rec.ThroughTs
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Seed the reclaimer so pre-crash segments can still be freed.
	for key, ts := range persisted {
		parts := strings.Split(key, "/")
		if len(parts) != 2 {
			continue
		}
		day, perr := strconv.ParseInt(parts[1], 10, 32)
		if perr != nil {
			continue
		}
		e.wal.MarkPersisted(schema.SeriesKey{StationID: parts[0], PartitionDay: int32(day)}, ts)
	}

	if recovered > 0 || skipped > 0 {
		e.log.Info("wal recovery complete", "rows_recovered", recovered, "rows_skipped", skipped)
	}
	return nil
}

// insertRow inserts into the series memtable, creating it on first use.
// Used by both the write path and recovery.
func (e *Engine) insertRow(key schema.SeriesKey, row *schema.Observation) {
	k := key.String()

	e.mu.Lock()
	st, ok := e.tables[k]
	if !ok {
		st = &tableState{mt: memtable.New(key, e.sch), createdAt: time.Now()}
		e.tables[k] = st
	}
	e.mu.Unlock()

	e.memBytes.Add(st.mt.Insert(row))
}

// flushQueueDepth reports sealed-but-unflushed series for admission.
func (e *Engine) flushQueueDepth() int {
	return int(e.queueLen.Load())
}

// unflushedFloor returns the lowest timestamp the series still holds in
// a live memtable or a sealed snapshot awaiting flush.
func (e *Engine) unflushedFloor(seriesKey string) int64 {
	floor := int64(1<<63 - 1)

	e.mu.RLock()
	if st, ok := e.tables[seriesKey]; ok {
		if ts := st.mt.MinTs(); ts < floor {
			floor = ts
		}
	}
	for _, snap := range e.pending[seriesKey] {
		if ts := snap.MinTs(); ts < floor {
			floor = ts
		}
	}
	e.mu.RUnlock()
	return floor
}

// Degraded reports whether background flushing is halted after repeated
// failures. Ingest stays available while the WAL is writable.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// Close drains the flush queue, persists what it can and releases the
// data directory. Writes started after Close begin to fail with
// Shutdown.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.log.Info("engine closing")

	// Seal every live memtable so the drain below persists it.
	e.mu.Lock()
	keys := make([]string, 0, len(e.tables))
	for k := range e.tables {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	for _, k := range keys {
		e.sealSeries(k, nil)
	}

	e.sendMu.Lock()
	e.chClosed = true
	close(e.flushCh)
	e.sendMu.Unlock()

	// Stop the periodic workers; the flusher exits once the channel
	// drains.
	e.cancel()
	err := e.eg.Wait()

	e.wal.Reclaim(e.unflushedFloor)

	if werr := e.wal.Close(); err == nil {
		err = werr
	}
	if cerr := e.cat.Close(); err == nil {
		err = cerr
	}
	e.releaseLock()
	e.log.Info("engine closed")
	return err
}

// housekeepingLoop periodically seals aged memtables and reclaims WAL
// segments.
func (e *Engine) housekeepingLoop() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			e.sealAged()
			e.wal.Reclaim(e.unflushedFloor)
		}
	}
}

// sealAged seals memtables that have rows older than the flush age.
func (e *Engine) sealAged() {
	cutoff := time.Now().Add(-e.cfg.Flush.MaxAge)

	e.mu.RLock()
	var aged []string
	for k, st := range e.tables {
		if st.createdAt.Before(cutoff) && st.mt.Rows() > 0 {
			aged = append(aged, k)
		}
	}
	e.mu.RUnlock()

	for _, k := range aged {
		e.sealSeries(k, nil)
	}
}

// retentionLoop runs the retention sweep and opportunistic compaction.
func (e *Engine) retentionLoop() error {
	ticker := time.NewTicker(e.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			e.ret.RunCleanup(e.ctx, e.cfg.Retention.DefaultDays)
			e.compactCrowdedSeries()
		}
	}
}

// Retain runs a retention sweep now, dropping chunks older than the
// given number of days. days <= 0 keeps everything.
func (e *Engine) Retain(ctx context.Context, days int) retention.CleanupResult {
	return e.ret.RunCleanup(ctx, days)
}

// quarantine records a corrupt chunk for operator inspection. The file
// is left in place.
func (e *Engine) quarantine(name string, err error) {
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	for _, q := range e.quarantined {
		if q == name {
			return
		}
	}
	e.quarantined = append(e.quarantined, name)
	e.log.Error("chunk quarantined", "chunk", name, "error", err)
}

// chunkPath resolves a catalogue-relative chunk name.
func (e *Engine) chunkPath(name string) string {
	return filepath.Join(e.cfg.ChunksDir(), name)
}
