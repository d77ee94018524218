package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbusdb/nimbus/internal/catalog"
)

func publishWithFile(t *testing.T, cat *catalog.Catalog, chunksDir, name string, day int32) {
	t.Helper()
	path := filepath.Join(chunksDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("chunkdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := cat.Publish(catalog.Entry{
		Name:         name,
		StationID:    "TPE001",
		PartitionDay: day,
		FirstTs:      int64(day) * 86_400_000_000,
		LastTs:       int64(day)*86_400_000_000 + 1000,
		RowCount:     10,
		ByteSize:     9,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCleanupBefore(t *testing.T) {
	dir := t.TempDir()
	chunksDir := filepath.Join(dir, "chunks")
	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	publishWithFile(t, cat, chunksDir, "TPE001/20080/00000001.chunk", 20080)
	publishWithFile(t, cat, chunksDir, "TPE001/20085/00000001.chunk", 20085)
	publishWithFile(t, cat, chunksDir, "TPE001/20090/00000001.chunk", 20090)

	m := New(cat, chunksDir, 1000)
	result := m.CleanupBefore(context.Background(), 20086)

	if result.ChunksDeleted != 2 {
		t.Fatalf("deleted %d chunks, want 2", result.ChunksDeleted)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors: %v", result.Errors)
	}

	// The survivor is still catalogued and on disk.
	if _, ok := cat.Get("TPE001/20090/00000001.chunk"); !ok {
		t.Error("recent chunk lost")
	}
	if _, err := os.Stat(filepath.Join(chunksDir, "TPE001/20090/00000001.chunk")); err != nil {
		t.Error("recent chunk file lost")
	}

	// Expired chunks are gone from both catalogue and disk.
	if _, ok := cat.Get("TPE001/20080/00000001.chunk"); ok {
		t.Error("expired chunk still catalogued")
	}
	if _, err := os.Stat(filepath.Join(chunksDir, "TPE001/20080/00000001.chunk")); !os.IsNotExist(err) {
		t.Error("expired chunk file still on disk")
	}
}

func TestRetentionDisabled(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	m := New(cat, filepath.Join(dir, "chunks"), 1000)
	result := m.RunCleanup(context.Background(), 0)
	if result.ChunksDeleted != 0 {
		t.Errorf("retention disabled but deleted %d", result.ChunksDeleted)
	}
}

func TestCleanupMissingFileTolerated(t *testing.T) {
	dir := t.TempDir()
	chunksDir := filepath.Join(dir, "chunks")
	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	// Catalogued but the file is already gone.
	if err := cat.Publish(catalog.Entry{
		Name: "TPE001/20080/00000001.chunk", StationID: "TPE001", PartitionDay: 20080,
	}); err != nil {
		t.Fatal(err)
	}

	m := New(cat, chunksDir, 1000)
	result := m.CleanupBefore(context.Background(), 20090)
	if len(result.Errors) != 0 {
		t.Errorf("missing file should not error: %v", result.Errors)
	}
	if result.ChunksDeleted != 1 {
		t.Errorf("deleted = %d, want 1", result.ChunksDeleted)
	}
}
