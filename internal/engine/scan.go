package engine

import (
	"context"
	"sort"

	"github.com/nimbusdb/nimbus/internal/chunk"
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// ScanBatchRows is the maximum rows per scan result batch.
const ScanBatchRows = 1024

// mergeSource is one sorted, deduplicated input to a scan: a chunk, a
// sealed snapshot or a live memtable view. Higher prio wins duplicate
// timestamps.
type mergeSource struct {
	batch *schema.ColumnBatch
	prio  int
	pos   int
	// dense tracks, per source column, how many present values precede
	// the cursor. It advances with pos so value lookups stay O(1).
	dense  []int
	byName map[string]int
}

func newMergeSource(batch *schema.ColumnBatch, prio int) *mergeSource {
	s := &mergeSource{
		batch:  batch,
		prio:   prio,
		dense:  make([]int, len(batch.Columns)),
		byName: make(map[string]int, len(batch.Columns)),
	}
	for i := range batch.Columns {
		s.byName[batch.Columns[i].Column.Name] = i
	}
	return s
}

// ts returns the cursor timestamp.
func (s *mergeSource) ts() int64 { return s.batch.Times[s.pos] }

// exhausted reports whether the cursor is past the last row.
func (s *mergeSource) exhausted() bool { return s.pos >= len(s.batch.Times) }

// advance moves the cursor one row, updating the dense counters.
func (s *mergeSource) advance() {
	for ci := range s.batch.Columns {
		if s.batch.Columns[ci].Presence[s.pos] {
			s.dense[ci]++
		}
	}
	s.pos++
}

// skipBelow advances past rows with ts < t0.
func (s *mergeSource) skipBelow(t0 int64) {
	for !s.exhausted() && s.ts() < t0 {
		s.advance()
	}
}

// value returns presence and value of the named column at the cursor.
func (s *mergeSource) value(name string) (schema.Value, bool) {
	ci, ok := s.byName[name]
	if !ok {
		return schema.Value{}, false
	}
	cv := &s.batch.Columns[ci]
	if !cv.Presence[s.pos] {
		return schema.Value{}, false
	}
	return cv.ValueAt(s.dense[ci]), true
}

// Scanner yields the rows of one station over a time range as
// column-oriented batches in strictly ascending timestamp order. The row
// set is fixed at scan start: concurrent writes may or may not appear.
type Scanner struct {
	sources []*mergeSource
	columns []schema.Column
	t1      int64
	done    bool
}

// Scan merges the station's live memtables, sealed-pending snapshots and
// catalogued chunks over [t0, t1]. columns selects a projection; nil
// selects every schema column. Unknown column names are rejected.
func (e *Engine) Scan(stationID string, t0, t1 int64, columns []string) (*Scanner, error) {
	if e.closed.Load() {
		return nil, errors.ErrShutdown
	}
	if t1 < t0 {
		return nil, errors.Wrapf(errors.ErrBadTimestamp, "scan range [%d,%d]", t0, t1)
	}

	outCols := make([]schema.Column, 0, e.sch.NumColumns())
	if columns == nil {
		outCols = append(outCols, e.sch.Columns()...)
	} else {
		for _, name := range columns {
			col, ok := e.sch.ColumnByName(name)
			if !ok {
				return nil, errors.Wrapf(errors.ErrSchemaMismatch, "unknown column %q", name)
			}
			outCols = append(outCols, col)
		}
	}

	sc := &Scanner{columns: outCols, t1: t1}

	// Catalogued chunks first, in creation order (chunk names carry a
	// zero-padded per-series sequence number). Later entries get higher
	// priority so a compacted or later-written chunk wins duplicate
	// timestamps.
	entries := e.cat.Lookup(stationID, t0, t1)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	prio := 0
	for _, entry := range entries {
		r, err := chunk.Open(e.chunkPath(entry.Name))
		if err != nil {
			if errors.IsCorruption(err) {
				e.quarantine(entry.Name, err)
				continue
			}
			return nil, err
		}
		batch, err := r.Read(columns)
		if err != nil {
			if errors.IsCorruption(err) {
				e.quarantine(entry.Name, err)
				continue
			}
			return nil, err
		}
		src := newMergeSource(batch, prio)
		src.skipBelow(t0)
		sc.sources = append(sc.sources, src)
		prio++
	}

	// Sealed-but-unflushed snapshots outrank chunks, and the live
	// memtables outrank everything: they hold the latest arrivals.
	dayLo, dayHi := schema.PartitionDay(t0), schema.PartitionDay(t1)

	e.mu.RLock()
	for day := dayLo; day <= dayHi; day++ {
		k := schema.SeriesKey{StationID: stationID, PartitionDay: day}.String()
		for _, snap := range e.pending[k] {
			sc.sources = append(sc.sources, newMergeSource(snap.Batch(t0, t1, columns), prio))
			prio++
		}
	}
	for day := dayLo; day <= dayHi; day++ {
		k := schema.SeriesKey{StationID: stationID, PartitionDay: day}.String()
		if st, ok := e.tables[k]; ok {
			sc.sources = append(sc.sources, newMergeSource(st.mt.Snapshot().Batch(t0, t1, columns), prio))
			prio++
		}
	}
	e.mu.RUnlock()

	return sc, nil
}

// Next returns the next batch of at most ScanBatchRows rows, or nil when
// the scan is complete. Cancellation and deadlines are honored between
// batches.
func (sc *Scanner) Next(ctx context.Context) (*schema.ColumnBatch, error) {
	if sc.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		sc.done = true
		return nil, err
	}

	out := &schema.ColumnBatch{}
	out.Columns = make([]schema.ColumnVector, len(sc.columns))
	for i, col := range sc.columns {
		out.Columns[i].Column = col
	}

	for len(out.Times) < ScanBatchRows {
		src, ok := sc.popRow()
		if !ok {
			sc.done = true
			break
		}
		sc.appendRow(out, src)
	}

	if len(out.Times) == 0 {
		sc.done = true
		return nil, nil
	}
	return out, nil
}

// popRow finds the lowest in-range timestamp across sources, picks the
// winning source for it and leaves every source's cursor past that
// timestamp. Duplicate timestamps collapse to the highest-priority
// source, which is the latest arrival.
func (sc *Scanner) popRow() (*mergeSource, bool) {
	var winner *mergeSource
	minTs := int64(0)

	for _, src := range sc.sources {
		if src.exhausted() || src.ts() > sc.t1 {
			continue
		}
		ts := src.ts()
		if winner == nil || ts < minTs || (ts == minTs && src.prio > winner.prio) {
			winner = src
			minTs = ts
		}
	}
	if winner == nil {
		return nil, false
	}
	return winner, true
}

// appendRow copies the winner's row into the output batch and advances
// every source sitting on the same timestamp.
func (sc *Scanner) appendRow(out *schema.ColumnBatch, winner *mergeSource) {
	ts := winner.ts()
	out.Times = append(out.Times, ts)

	for i := range sc.columns {
		cv := &out.Columns[i]
		if v, present := winner.value(sc.columns[i].Name); present {
			cv.Presence = append(cv.Presence, true)
			cv.AppendValue(v)
		} else {
			cv.Presence = append(cv.Presence, false)
		}
	}

	for _, src := range sc.sources {
		for !src.exhausted() && src.ts() == ts {
			src.advance()
		}
	}
}

// Collect drains the scanner into a single batch. Intended for tests and
// small extracts; real consumers stream batches.
func (sc *Scanner) Collect(ctx context.Context) (*schema.ColumnBatch, error) {
	total := &schema.ColumnBatch{}
	total.Columns = make([]schema.ColumnVector, len(sc.columns))
	for i, col := range sc.columns {
		total.Columns[i].Column = col
	}

	for {
		batch, err := sc.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return total, nil
		}
		total.Times = append(total.Times, batch.Times...)
		for i := range batch.Columns {
			total.Columns[i].Presence = append(total.Columns[i].Presence, batch.Columns[i].Presence...)
			total.Columns[i].F64 = append(total.Columns[i].F64, batch.Columns[i].F64...)
			total.Columns[i].I64 = append(total.Columns[i].I64, batch.Columns[i].I64...)
			total.Columns[i].U16 = append(total.Columns[i].U16, batch.Columns[i].U16...)
			total.Columns[i].U8 = append(total.Columns[i].U8, batch.Columns[i].U8...)
		}
	}
}

// mergeSources fully merges already-built sources, used by compaction.
func mergeSources(sch *schema.Schema, sources []*mergeSource, t0, t1 int64) *schema.ColumnBatch {
	sc := &Scanner{sources: sources, t1: t1, columns: sch.Columns()}
	for _, src := range sources {
		src.skipBelow(t0)
	}
	out, _ := sc.Collect(context.Background())
	return out
}
