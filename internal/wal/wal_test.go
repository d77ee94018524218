package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusdb/nimbus/internal/schema"
)

func testObs(station string, ts int64, temp float64) schema.Observation {
	return schema.Observation{
		StationID: station,
		TsMicros:  ts,
		Values: map[uint16]schema.Value{
			0: schema.F64Value(temp),
			5: schema.AngleValue(uint16(ts % 360)),
			6: schema.PercentValue(uint8(ts % 101)),
			7: schema.I64Value(ts * 3),
		},
	}
}

func TestEncodeDecodeWrite(t *testing.T) {
	sch := schema.Default()
	rows := []schema.Observation{
		testObs("TPE001", 1735814400000000, 18.5),
		testObs("TPE001", 1735814460000000, 18.6),
		{
			StationID: "KHH042",
			TsMicros:  1735814400000123,
			Values: map[uint16]schema.Value{
				2: schema.F64Value(1013.2),
			},
		},
	}

	payload, err := encodeWrite(sch, rows)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeWrite(sch, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(decoded))
	}
	for i, want := range rows {
		got := decoded[i]
		if got.StationID != want.StationID {
			t.Errorf("row %d: station mismatch", i)
		}
		if got.TsMicros != want.TsMicros {
			t.Errorf("row %d: ts mismatch", i)
		}
		if len(got.Values) != len(want.Values) {
			t.Fatalf("row %d: expected %d values, got %d", i, len(want.Values), len(got.Values))
		}
		for id, wv := range want.Values {
			gv, ok := got.Values[id]
			if !ok {
				t.Fatalf("row %d: column %d missing", i, id)
			}
			if gv != wv {
				t.Errorf("row %d column %d: got %+v, want %+v", i, id, gv, wv)
			}
		}
	}
}

func TestEncodeDecodeFlushCommit(t *testing.T) {
	key := schema.SeriesKey{StationID: "TPE001", PartitionDay: 20090}
	payload := encodeFlushCommit(key, "00000003.chunk", 1735814460000000)

	gotKey, name, through, err := decodeFlushCommit(payload)
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != key {
		t.Errorf("key = %+v, want %+v", gotKey, key)
	}
	if name != "00000003.chunk" {
		t.Errorf("chunk name = %q", name)
	}
	if through != 1735814460000000 {
		t.Errorf("through = %d", through)
	}
}

func openTestWal(t *testing.T, dir string, opts Options, replay func(*Record) error) *Writer {
	t.Helper()
	w, err := Open(dir, schema.Default(), opts, replay)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerWrite

	w := openTestWal(t, dir, opts, nil)
	base := int64(1735814400000000)
	for i := 0; i < 10; i++ {
		if err := w.AppendWrite([]schema.Observation{testObs("TPE001", base+int64(i)*1000000, 18.5)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	key := schema.SeriesKey{StationID: "TPE001", PartitionDay: schema.PartitionDay(base)}
	if err := w.AppendFlushBegin(key); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFlushCommit(key, "00000001.chunk", base+5000000); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var writes, begins, commits int
	var rows []schema.Observation
	w2 := openTestWal(t, dir, opts, func(rec *Record) error {
		switch rec.Kind {
		case KindWrite:
			writes++
			rows = append(rows, rec.Rows...)
		case KindFlushBegin:
			begins++
		case KindFlushCommit:
			commits++
			if rec.ChunkName != "00000001.chunk" || rec.ThroughTs != base+5000000 {
				t.Errorf("commit record = %+v", rec)
			}
		}
		return nil
	})
	defer w2.Close()

	if writes != 10 || begins != 1 || commits != 1 {
		t.Errorf("writes=%d begins=%d commits=%d", writes, begins, commits)
	}
	if len(rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.TsMicros != base+int64(i)*1000000 {
			t.Errorf("row %d ts = %d", i, r.TsMicros)
		}
	}
}

func TestTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerWrite

	w := openTestWal(t, dir, opts, nil)
	base := int64(1735814400000000)
	for i := 0; i < 5; i++ {
		if err := w.AppendWrite([]schema.Observation{testObs("TPE001", base+int64(i), 1.0)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Chop the last record mid-way, simulating a crash during a write.
	path := segmentPath(dir, 1)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-7); err != nil {
		t.Fatal(err)
	}

	var count int
	w2 := openTestWal(t, dir, opts, func(rec *Record) error {
		if rec.Kind == KindWrite {
			count += len(rec.Rows)
		}
		return nil
	})
	defer w2.Close()

	if count != 4 {
		t.Errorf("expected 4 recovered rows, got %d", count)
	}

	// The torn bytes must be gone so later scans stay clean.
	fi2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi2.Size() >= fi.Size()-7 {
		t.Errorf("segment not truncated: %d >= %d", fi2.Size(), fi.Size()-7)
	}
}

func TestCorruptRecordStopsSegment(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerWrite

	w := openTestWal(t, dir, opts, nil)
	base := int64(1735814400000000)
	for i := 0; i < 3; i++ {
		if err := w.AppendWrite([]schema.Observation{testObs("TPE001", base+int64(i), 1.0)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip a byte inside the last record's payload: CRC must catch it.
	path := segmentPath(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var count int
	w2 := openTestWal(t, dir, opts, func(rec *Record) error {
		count += len(rec.Rows)
		return nil
	})
	defer w2.Close()

	if count != 2 {
		t.Errorf("expected 2 recovered rows, got %d", count)
	}
}

func TestRotationBySize(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerWrite
	opts.SegmentBytes = 512

	w := openTestWal(t, dir, opts, nil)
	base := int64(1735814400000000)
	for i := 0; i < 50; i++ {
		if err := w.AppendWrite([]schema.Observation{testObs("TPE001", base+int64(i)*1000000, 18.5)}); err != nil {
			t.Fatal(err)
		}
	}

	segments, bytes := w.Backlog()
	if segments < 3 {
		t.Errorf("expected rotation to produce several segments, got %d", segments)
	}
	if bytes == 0 {
		t.Error("expected nonzero backlog bytes")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	seqs, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != segments {
		t.Errorf("on-disk segments %d != backlog %d", len(seqs), segments)
	}
}

func TestReclaim(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerWrite
	opts.SegmentBytes = 256

	w := openTestWal(t, dir, opts, nil)
	defer w.Close()

	base := int64(1735814400000000)
	var lastTs int64
	for i := 0; i < 30; i++ {
		lastTs = base + int64(i)*1000000
		if err := w.AppendWrite([]schema.Observation{testObs("TPE001", lastTs, 18.5)}); err != nil {
			t.Fatal(err)
		}
	}

	before, _ := w.Backlog()
	if before < 2 {
		t.Fatalf("need sealed segments for the test, got %d", before)
	}

	// Nothing persisted: nothing reclaimable.
	if removed := w.Reclaim(nil); len(removed) != 0 {
		t.Errorf("reclaimed %d segments with nothing persisted", len(removed))
	}

	// Persist a prefix only: early segments go, later ones stay.
	key := schema.SeriesKey{StationID: "TPE001", PartitionDay: schema.PartitionDay(base)}
	w.MarkPersisted(key, base+10*1000000)
	removedPrefix := len(w.Reclaim(nil))

	// Persist everything: all sealed segments reclaimable.
	w.MarkPersisted(key, lastTs)
	removedRest := len(w.Reclaim(nil))

	if removedPrefix+removedRest != before-1 {
		t.Errorf("reclaimed %d+%d segments, want %d sealed", removedPrefix, removedRest, before-1)
	}

	after, _ := w.Backlog()
	if after != 1 {
		t.Errorf("expected only the active segment, got %d", after)
	}
}

func TestGroupCommitAck(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncPerInterval
	opts.Interval = 5 * time.Millisecond

	w := openTestWal(t, dir, opts, nil)

	done := make(chan error, 1)
	go func() {
		done <- w.AppendWrite([]schema.Observation{testObs("TPE001", 1735814400000000, 18.5)})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("group commit never acknowledged the append")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// The acknowledged row must be on disk.
	var count int
	w2 := openTestWal(t, dir, opts, func(rec *Record) error {
		count += len(rec.Rows)
		return nil
	})
	defer w2.Close()
	if count != 1 {
		t.Errorf("expected 1 recovered row, got %d", count)
	}
}

func TestAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Fsync = FsyncOff

	w := openTestWal(t, dir, opts, nil)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendWrite([]schema.Observation{testObs("TPE001", 1, 1.0)}); err == nil {
		t.Error("expected error appending after close")
	}
}

func TestSegmentFilenames(t *testing.T) {
	got := segmentPath("/data/wal", 42)
	want := filepath.Join("/data/wal", "00000042.wal")
	if got != want {
		t.Errorf("segmentPath = %q, want %q", got, want)
	}
}
