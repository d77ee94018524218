// Package memtable implements the in-memory write buffer for one series
// key: a column-oriented builder with a sorted timestamp index. Inserts
// may arrive out of order; duplicate timestamps keep the last arrival.
package memtable

import (
	"sort"
	"sync"

	"github.com/nimbusdb/nimbus/internal/schema"
)

// MemTable buffers recent rows for one series key. A single exclusive
// lock orders mutations; readers take an immutable snapshot under a
// short read lock.
type MemTable struct {
	mu  sync.RWMutex
	key schema.SeriesKey
	sch *schema.Schema

	// Column-oriented builder state. All vectors are row-aligned: entry
	// i belongs to the i-th inserted row. Existing entries are never
	// mutated, only appended, so snapshots can share the backing arrays.
	times []int64
	cols  []colBuilder

	// index holds row positions sorted by (ts, insertion order). For
	// duplicate timestamps the later entry supersedes the earlier one.
	index []int32

	bytes int64
}

// colBuilder is the builder for one schema column.
type colBuilder struct {
	col      schema.Column
	presence []bool
	f64      []float64
	u16      []uint16
	u8       []uint8
	i64      []int64
}

// New creates an empty memtable for a series key.
func New(key schema.SeriesKey, sch *schema.Schema) *MemTable {
	cols := make([]colBuilder, sch.NumColumns())
	for i, c := range sch.Columns() {
		cols[i].col = c
	}
	return &MemTable{key: key, sch: sch, cols: cols}
}

// Key returns the series key.
func (m *MemTable) Key() schema.SeriesKey { return m.key }

// Insert appends an already-validated observation and returns the bytes
// added, so the engine can track total residency without re-locking.
func (m *MemTable) Insert(obs *schema.Observation) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.bytes
	rowIx := int32(len(m.times))
	m.times = append(m.times, obs.TsMicros)
	m.bytes += 8 + 8 // ts + index entry

	for i := range m.cols {
		cb := &m.cols[i]
		v, ok := obs.Values[cb.col.ID]
		present := ok && !v.Null
		cb.presence = append(cb.presence, present)
		m.bytes++
		switch cb.col.Kind {
		case schema.KindF64:
			if present {
				cb.f64 = append(cb.f64, v.F64)
			} else {
				cb.f64 = append(cb.f64, 0)
			}
			m.bytes += 8
		case schema.KindI64:
			if present {
				cb.i64 = append(cb.i64, v.I64)
			} else {
				cb.i64 = append(cb.i64, 0)
			}
			m.bytes += 8
		case schema.KindU16Angle:
			if present {
				cb.u16 = append(cb.u16, v.Angle)
			} else {
				cb.u16 = append(cb.u16, 0)
			}
			m.bytes += 2
		case schema.KindU8Percent:
			if present {
				cb.u8 = append(cb.u8, v.Percent)
			} else {
				cb.u8 = append(cb.u8, 0)
			}
			m.bytes++
		}
	}

	// Keep the index sorted by (ts, insertion order): new entries with an
	// equal timestamp land after the existing ones.
	pos := sort.Search(len(m.index), func(i int) bool {
		return m.times[m.index[i]] > obs.TsMicros
	})
	m.index = append(m.index, 0)
	copy(m.index[pos+1:], m.index[pos:])
	m.index[pos] = rowIx

	return m.bytes - before
}

// Rows returns the number of inserted rows (duplicates included).
func (m *MemTable) Rows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.times)
}

// Bytes returns the approximate resident size.
func (m *MemTable) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// MinTs returns the lowest buffered timestamp, or MaxInt64 when empty.
func (m *MemTable) MinTs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.index) == 0 {
		return int64(1<<63 - 1)
	}
	return m.times[m.index[0]]
}

// Snapshot captures an immutable view. The builder vectors are shared
// (they are append-only); the sorted index is copied so concurrent
// inserts cannot reorder it under the reader.
func (m *MemTable) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := make([]int32, len(m.index))
	copy(idx, m.index)

	cols := make([]colView, len(m.cols))
	for i := range m.cols {
		cb := &m.cols[i]
		cols[i] = colView{
			col:      cb.col,
			presence: cb.presence[:len(m.times)],
			f64:      cb.f64,
			i64:      cb.i64,
			u16:      cb.u16,
			u8:       cb.u8,
		}
	}

	return &Snapshot{
		key:   m.key,
		times: m.times[:len(m.times)],
		cols:  cols,
		index: idx,
		bytes: m.bytes,
	}
}

// colView is the immutable per-column slice of a snapshot.
type colView struct {
	col      schema.Column
	presence []bool
	f64      []float64
	i64      []int64
	u16      []uint16
	u8       []uint8
}

// Snapshot is an immutable view of a memtable, safe for concurrent use.
type Snapshot struct {
	key   schema.SeriesKey
	times []int64
	cols  []colView
	index []int32
	bytes int64
}

// Key returns the series key.
func (s *Snapshot) Key() schema.SeriesKey { return s.key }

// Rows returns the raw row count, duplicates included.
func (s *Snapshot) Rows() int { return len(s.times) }

// Bytes returns the approximate resident size at snapshot time.
func (s *Snapshot) Bytes() int64 { return s.bytes }

// MaxTs returns the highest timestamp in the snapshot, or 0 when empty.
func (s *Snapshot) MaxTs() int64 {
	if len(s.index) == 0 {
		return 0
	}
	return s.times[s.index[len(s.index)-1]]
}

// MinTs returns the lowest timestamp in the snapshot, or MaxInt64 when
// empty. WAL reclamation uses it as the unflushed floor for the series.
func (s *Snapshot) MinTs() int64 {
	if len(s.index) == 0 {
		return int64(1<<63 - 1)
	}
	return s.times[s.index[0]]
}

// dedupedRange returns the sorted row positions with ts in [t0, t1],
// duplicates collapsed to the last arrival.
func (s *Snapshot) dedupedRange(t0, t1 int64) []int32 {
	lo := sort.Search(len(s.index), func(i int) bool {
		return s.times[s.index[i]] >= t0
	})
	hi := sort.Search(len(s.index), func(i int) bool {
		return s.times[s.index[i]] > t1
	})

	var out []int32
	for i := lo; i < hi; i++ {
		rowIx := s.index[i]
		// Within an equal-ts run the index preserves arrival order, so
		// only the final entry of the run survives.
		if i+1 < hi && s.times[s.index[i+1]] == s.times[rowIx] {
			continue
		}
		out = append(out, rowIx)
	}
	return out
}

// Batch materializes rows with ts in [t0, t1] into a sorted, deduped
// column batch. A nil column list selects every schema column.
func (s *Snapshot) Batch(t0, t1 int64, columns []string) *schema.ColumnBatch {
	rows := s.dedupedRange(t0, t1)
	if len(rows) == 0 {
		return &schema.ColumnBatch{}
	}

	var want map[string]bool
	if len(columns) > 0 {
		want = make(map[string]bool, len(columns))
		for _, c := range columns {
			want[c] = true
		}
	}

	batch := &schema.ColumnBatch{Times: make([]int64, len(rows))}
	for i, rowIx := range rows {
		batch.Times[i] = s.times[rowIx]
	}

	for ci := range s.cols {
		cv := &s.cols[ci]
		if want != nil && !want[cv.col.Name] {
			continue
		}
		out := schema.ColumnVector{
			Column:   cv.col,
			Presence: make([]bool, len(rows)),
		}
		for i, rowIx := range rows {
			if !cv.presence[rowIx] {
				continue
			}
			out.Presence[i] = true
			switch cv.col.Kind {
			case schema.KindF64:
				out.F64 = append(out.F64, cv.f64[rowIx])
			case schema.KindI64:
				out.I64 = append(out.I64, cv.i64[rowIx])
			case schema.KindU16Angle:
				out.U16 = append(out.U16, cv.u16[rowIx])
			case schema.KindU8Percent:
				out.U8 = append(out.U8, cv.u8[rowIx])
			}
		}
		batch.Columns = append(batch.Columns, out)
	}
	return batch
}

// FullBatch materializes the whole snapshot for flushing.
func (s *Snapshot) FullBatch() *schema.ColumnBatch {
	return s.Batch(0, int64(1)<<62, nil)
}
