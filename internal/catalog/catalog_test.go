package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbusdb/nimbus/internal/errors"
)

func entry(name string, station string, day int32, t0, t1 int64) Entry {
	return Entry{
		Name:         name,
		StationID:    station,
		PartitionDay: day,
		FirstTs:      t0,
		LastTs:       t1,
		RowCount:     100,
		ByteSize:     4096,
		CreatedAt:    1735800000,
	}
}

func TestPublishAndLookup(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000002.chunk", "TPE001", 20090, 300, 400)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("KHH042/20090/00000001.chunk", "KHH042", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}

	got := c.Lookup("TPE001", 0, 1000)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].FirstTs != 100 || got[1].FirstTs != 300 {
		t.Errorf("entries out of order: %+v", got)
	}

	// Range intersection, not containment.
	if got := c.Lookup("TPE001", 150, 150); len(got) != 1 {
		t.Errorf("point lookup returned %d entries", len(got))
	}
	if got := c.Lookup("TPE001", 201, 299); len(got) != 0 {
		t.Errorf("gap lookup returned %d entries", len(got))
	}
	if got := c.Lookup("KHH999", 0, 1000); len(got) != 0 {
		t.Errorf("unknown station returned %d entries", len(got))
	}
}

func TestSupersede(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000002.chunk", "TPE001", 20090, 250, 400)); err != nil {
		t.Fatal(err)
	}

	merged := entry("TPE001/20090/00000003.chunk", "TPE001", 20090, 100, 400)
	if err := c.Supersede("TPE001/20090/00000001.chunk", merged); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("TPE001/20090/00000001.chunk"); ok {
		t.Error("superseded entry still visible")
	}
	if _, ok := c.Get("TPE001/20090/00000003.chunk"); !ok {
		t.Error("successor entry missing")
	}
	if got := c.Lookup("TPE001", 0, 1000); len(got) != 2 {
		t.Errorf("expected 2 live entries, got %d", len(got))
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("TPE001/20090/00000001.chunk"); err != nil {
		t.Fatal(err)
	}
	if got := c.Lookup("TPE001", 0, 1000); len(got) != 0 {
		t.Errorf("expected no entries after remove, got %d", len(got))
	}
	// Removing a name twice is harmless.
	if err := c.Remove("TPE001/20090/00000001.chunk"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestRecoveryFromLog(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20091/00000001.chunk", "TPE001", 20091, 500, 600)); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("TPE001/20090/00000001.chunk"); err != nil {
		t.Fatal(err)
	}
	// Close without checkpoint: reopen must replay the log.
	c.logFile.Close()
	c.logFile = nil

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if _, ok := c2.Get("TPE001/20091/00000001.chunk"); !ok {
		t.Error("entry lost across reopen")
	}
	if _, ok := c2.Get("TPE001/20090/00000001.chunk"); ok {
		t.Error("removed entry resurrected")
	}
}

func TestRecoveryFromCheckpointAndLog(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	// A post-checkpoint record lives only in the log.
	if err := c.Publish(entry("TPE001/20090/00000002.chunk", "TPE001", 20090, 300, 400)); err != nil {
		t.Fatal(err)
	}
	c.logFile.Close()
	c.logFile = nil

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if got := c2.Lookup("TPE001", 0, 1000); len(got) != 2 {
		t.Fatalf("expected 2 entries after recovery, got %d", len(got))
	}
}

func TestTornLogTail(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("TPE001/20090/00000002.chunk", "TPE001", 20090, 300, 400)); err != nil {
		t.Fatal(err)
	}
	c.logFile.Close()
	c.logFile = nil

	// Tear the final record.
	logPath := filepath.Join(dir, "catalogue.log")
	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(logPath, fi.Size()-5); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if _, ok := c2.Get("TPE001/20090/00000001.chunk"); !ok {
		t.Error("intact entry lost")
	}
	if _, ok := c2.Get("TPE001/20090/00000002.chunk"); ok {
		t.Error("torn entry should be gone")
	}
}

func TestCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "catalogue.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); !errors.Is(err, errors.ErrCatalogueCorrupt) {
		t.Errorf("expected catalogue corrupt, got %v", err)
	}
}

func TestEnumerateAndStats(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(entry("KHH042/20095/00000001.chunk", "KHH042", 20095, 100, 200)); err != nil {
		t.Fatal(err)
	}

	old := c.Enumerate(func(e *Entry) bool { return e.PartitionDay < 20095 })
	if len(old) != 1 || old[0].StationID != "TPE001" {
		t.Errorf("enumerate = %+v", old)
	}

	chunks, rows, bytes := c.Stats()
	if chunks != 2 || rows != 200 || bytes != 8192 {
		t.Errorf("stats = %d chunks, %d rows, %d bytes", chunks, rows, bytes)
	}
}

func TestLookupSnapshotUnaffectedByLaterPublish(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Publish(entry("TPE001/20090/00000001.chunk", "TPE001", 20090, 100, 200)); err != nil {
		t.Fatal(err)
	}
	before := c.Lookup("TPE001", 0, 1000)

	if err := c.Publish(entry("TPE001/20090/00000002.chunk", "TPE001", 20090, 300, 400)); err != nil {
		t.Fatal(err)
	}

	if len(before) != 1 {
		t.Errorf("earlier lookup result mutated: %d entries", len(before))
	}
}
