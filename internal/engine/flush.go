package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimbusdb/nimbus/config"
	"github.com/nimbusdb/nimbus/internal/catalog"
	"github.com/nimbusdb/nimbus/internal/chunk"
	"github.com/nimbusdb/nimbus/internal/memtable"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// flusherLoop is the single consumer of the flush queue. It keeps
// draining after shutdown is signalled so a clean Close persists every
// sealed memtable.
func (e *Engine) flusherLoop() error {
	for task := range e.flushCh {
		err := e.flushWithRetry(task)
		e.queueLen.Add(-1)
		if task.done != nil {
			task.done <- err
		}
	}
	return nil
}

// flushWithRetry runs one flush with exponential backoff. After the
// configured number of consecutive failures the engine enters degraded
// mode: ingest continues against the WAL while flushing idles at the
// backoff cap until an attempt succeeds.
func (e *Engine) flushWithRetry(task flushTask) error {
	backoff := config.DefaultFlushRetryBase

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := e.flushOne(task.key, task.snap)
		if err == nil {
			e.observeFlushLatency(time.Since(start))
			e.flushesOK.Add(1)
			e.flushMu.Lock()
			e.consecFails = 0
			e.flushMu.Unlock()
			if e.degraded.CompareAndSwap(true, false) {
				e.log.Info("flushing recovered, leaving degraded mode")
			}
			return nil
		}

		e.flushesFailed.Add(1)
		e.flushMu.Lock()
		e.consecFails++
		fails := e.consecFails
		e.flushMu.Unlock()

		e.log.Error("flush failed",
			"series", task.key.String(),
			"attempt", attempt,
			"error", err)

		if fails >= config.DefaultFlushMaxFailures && e.degraded.CompareAndSwap(false, true) {
			e.log.Error("entering degraded mode: flushing halted, ingest continues",
				"consecutive_failures", fails)
		}

		select {
		case <-e.ctx.Done():
			// Shutting down: the rows stay in the WAL and replay on the
			// next open.
			e.log.Warn("abandoning flush during shutdown", "series", task.key.String())
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > config.DefaultFlushRetryCap {
			backoff = config.DefaultFlushRetryCap
		}
	}
}

// flushOne encodes a sealed snapshot into a chunk file, publishes it and
// lets the WAL reclaim covered segments. An empty snapshot flushes to
// nothing.
func (e *Engine) flushOne(key schema.SeriesKey, snap *memtable.Snapshot) error {
	batch := snap.FullBatch()
	if batch.NumRows() == 0 {
		e.dropPending(key.String(), snap)
		return nil
	}

	name := e.nextChunkName(key)
	path := e.chunkPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create series dir: %w", err)
	}

	if err := e.wal.AppendFlushBegin(key); err != nil {
		return err
	}

	meta, err := chunk.Write(path, key.StationID, key.PartitionDay, batch, chunk.WriteOptions{
		BlockRows:       e.cfg.Chunk.BlockRows,
		EnableBlockWrap: e.cfg.Compression.EnableBlockWrap,
	})
	if err != nil {
		return err
	}

	entry := catalog.Entry{
		Name:         name,
		StationID:    meta.StationID,
		PartitionDay: meta.PartitionDay,
		FirstTs:      meta.FirstTs,
		LastTs:       meta.LastTs,
		RowCount:     meta.RowCount,
		ByteSize:     meta.ByteSize,
		CreatedAt:    time.Now().Unix(),
	}
	if err := e.cat.Publish(entry); err != nil {
		os.Remove(path)
		return err
	}

	// The chunk is visible; the snapshot no longer backs scans and the
	// WAL may reclaim segments it covered.
	e.dropPending(key.String(), snap)

	if err := e.wal.AppendFlushCommit(key, name, meta.LastTs); err != nil {
		// The commit record is an optimization for the next recovery;
		// the catalogue already holds the truth.
		e.log.Warn("flush commit record failed", "series", key.String(), "error", err)
	}
	e.wal.MarkPersisted(key, meta.LastTs)
	e.wal.Reclaim(e.unflushedFloor)

	e.log.Info("series flushed",
		"series", key.String(),
		"chunk", name,
		"rows", meta.RowCount,
		"bytes", meta.ByteSize)
	return nil
}

// dropPending removes a snapshot from the sealed-pending set.
func (e *Engine) dropPending(seriesKey string, snap *memtable.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.pending[seriesKey]
	for i, s := range snaps {
		if s == snap {
			e.pending[seriesKey] = append(snaps[:i:i], snaps[i+1:]...)
			break
		}
	}
	if len(e.pending[seriesKey]) == 0 {
		delete(e.pending, seriesKey)
	}
}

// nextChunkName allocates the next sequence number for a series key.
func (e *Engine) nextChunkName(key schema.SeriesKey) string {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	k := key.String()
	seq, ok := e.chunkSeq[k]
	if !ok {
		seq = 1
		for _, entry := range e.cat.LookupSeries(key.StationID, key.PartitionDay) {
			base := filepath.Base(entry.Name)
			n, err := strconv.ParseUint(strings.TrimSuffix(base, chunk.FileSuffix), 10, 64)
			if err == nil && n >= seq {
				seq = n + 1
			}
		}
	}
	e.chunkSeq[k] = seq + 1

	return filepath.Join(key.StationID,
		strconv.FormatInt(int64(key.PartitionDay), 10),
		fmt.Sprintf("%08d%s", seq, chunk.FileSuffix))
}

// compactCrowdedSeries merges series days that accumulated more live
// chunks than the threshold.
func (e *Engine) compactCrowdedSeries() {
	type seriesDay struct {
		station string
		day     int32
	}
	counts := make(map[seriesDay]int)
	for _, entry := range e.cat.Enumerate(nil) {
		counts[seriesDay{entry.StationID, entry.PartitionDay}]++
	}

	for sd, n := range counts {
		if n < e.cfg.Retention.CompactThreshold {
			continue
		}
		if err := e.CompactPartition(sd.station, sd.day); err != nil {
			e.log.Warn("compaction failed", "station", sd.station, "day", sd.day, "error", err)
		}
		select {
		case <-e.ctx.Done():
			return
		default:
		}
	}
}

// CompactPartition merges every live chunk of one series key into a
// single successor. The merged chunk is published before any predecessor
// is removed, so readers always see complete data.
func (e *Engine) CompactPartition(stationID string, day int32) error {
	entries := e.cat.LookupSeries(stationID, day)
	if len(entries) < 2 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	// Later-created chunks (higher sequence number in the name) win
	// duplicate timestamps, mirroring the
	// write path's last-arrival rule.
	sources := make([]*mergeSource, 0, len(entries))
	for prio, entry := range entries {
		r, err := chunk.Open(e.chunkPath(entry.Name))
		if err != nil {
			e.quarantine(entry.Name, err)
			return err
		}
		batch, err := r.ReadAll()
		if err != nil {
			e.quarantine(entry.Name, err)
			return err
		}
		sources = append(sources, newMergeSource(batch, prio))
	}

	merged := mergeSources(e.sch, sources, 0, int64(1)<<62)
	if merged.NumRows() == 0 {
		return nil
	}

	key := schema.SeriesKey{StationID: stationID, PartitionDay: day}
	name := e.nextChunkName(key)
	path := e.chunkPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create series dir: %w", err)
	}

	meta, err := chunk.Write(path, stationID, day, merged, chunk.WriteOptions{
		BlockRows:       e.cfg.Chunk.BlockRows,
		EnableBlockWrap: e.cfg.Compression.EnableBlockWrap,
	})
	if err != nil {
		return err
	}

	entry := catalog.Entry{
		Name:         name,
		StationID:    stationID,
		PartitionDay: day,
		FirstTs:      meta.FirstTs,
		LastTs:       meta.LastTs,
		RowCount:     meta.RowCount,
		ByteSize:     meta.ByteSize,
		CreatedAt:    time.Now().Unix(),
	}

	// Swap the first predecessor for the successor, then retire the rest.
	if err := e.cat.Supersede(entries[0].Name, entry); err != nil {
		os.Remove(path)
		return err
	}
	os.Remove(e.chunkPath(entries[0].Name))
	for _, old := range entries[1:] {
		if err := e.cat.Remove(old.Name); err != nil {
			e.log.Warn("compaction cleanup failed", "chunk", old.Name, "error", err)
			continue
		}
		os.Remove(e.chunkPath(old.Name))
	}

	e.log.Info("partition compacted",
		"series", key.String(),
		"chunks_merged", len(entries),
		"chunk", name,
		"rows", meta.RowCount)
	return nil
}
