package engine

import (
	"time"

	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// Write validates one observation, makes it durable under the configured
// fsync policy and inserts it into its series memtable. A nil error is
// the acknowledgement: the row is recoverable after a crash up to the
// durability class.
func (e *Engine) Write(obs *schema.Observation) error {
	return e.WriteBatch([]schema.Observation{*obs})
}

// WriteBatch writes a batch atomically: the rows share one WAL record,
// so after a crash either all of them or none of them replay. Validation
// failures reject the whole batch before any state changes.
func (e *Engine) WriteBatch(rows []schema.Observation) error {
	if e.closed.Load() {
		return errors.ErrShutdown
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	for i := range rows {
		if err := e.sch.Validate(&rows[i]); err != nil {
			e.rowsRejected.Add(1)
			return err
		}
	}

	if err := e.bp.Admit(); err != nil {
		e.rowsRejected.Add(int64(len(rows)))
		return err
	}

	// Durability first: the memtable insert below must never hold a row
	// the WAL does not.
	if err := e.wal.AppendWrite(rows); err != nil {
		return err
	}

	var toSeal []string
	for i := range rows {
		key := schema.SeriesKeyFor(&rows[i])
		e.insertRow(key, &rows[i])

		k := key.String()
		e.mu.RLock()
		st, ok := e.tables[k]
		e.mu.RUnlock()
		if ok && (st.mt.Rows() >= e.cfg.MemTable.MaxRows || st.mt.Bytes() >= e.cfg.MemTable.MaxBytes) {
			toSeal = append(toSeal, k)
		}
	}
	for _, k := range toSeal {
		e.sealSeries(k, nil)
	}

	e.rowsWritten.Add(int64(len(rows)))
	e.observeWriteLatency(time.Since(start))
	return nil
}

// sealSeries swaps the live memtable out for flushing. Subsequent writes
// to the series go to a fresh memtable. The sealed snapshot stays
// visible to scans (and to the WAL reclaimer) until it is catalogued.
func (e *Engine) sealSeries(seriesKey string, done chan error) {
	e.mu.Lock()
	st, ok := e.tables[seriesKey]
	if !ok || st.mt.Rows() == 0 {
		e.mu.Unlock()
		if done != nil {
			done <- nil
		}
		return
	}
	delete(e.tables, seriesKey)
	snap := st.mt.Snapshot()
	e.pending[seriesKey] = append(e.pending[seriesKey], snap)
	e.mu.Unlock()

	e.memBytes.Add(-snap.Bytes())

	e.sendMu.RLock()
	if e.chClosed {
		// Shutdown already closed the queue. The rows stay durable in
		// the WAL and replay on the next open.
		e.sendMu.RUnlock()
		e.dropPending(seriesKey, snap)
		if done != nil {
			done <- errors.ErrShutdown
		}
		return
	}
	e.queueLen.Add(1)
	e.flushCh <- flushTask{key: snap.Key(), snap: snap, done: done}
	e.sendMu.RUnlock()
}

// FlushNow forces the series' memtable through the flush pipeline and
// waits for the chunk to be catalogued.
func (e *Engine) FlushNow(key schema.SeriesKey) error {
	if e.closed.Load() {
		return errors.ErrShutdown
	}
	done := make(chan error, 1)
	e.sealSeries(key.String(), done)
	return <-done
}
