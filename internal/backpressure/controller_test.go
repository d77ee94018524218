package backpressure

import (
	"testing"

	"github.com/nimbusdb/nimbus/internal/errors"
)

func TestAdmitNormal(t *testing.T) {
	c := New(Limits{MaxFlushQueueDepth: 4, MaxMemTableBytes: 1024}, t.TempDir(),
		func() int { return 0 }, func() int64 { return 0 })
	if err := c.Admit(); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestAdmitQueueFull(t *testing.T) {
	depth := 0
	c := New(Limits{MaxFlushQueueDepth: 4, MaxMemTableBytes: 1024}, t.TempDir(),
		func() int { return depth }, func() int64 { return 0 })

	depth = 4
	if err := c.Admit(); !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if q, _, _ := c.Stats(); q != 1 {
		t.Errorf("queue rejections = %d", q)
	}

	depth = 3
	if err := c.Admit(); err != nil {
		t.Fatalf("expected admission after queue drains, got %v", err)
	}
}

func TestAdmitMemTableCeiling(t *testing.T) {
	var bytes int64
	c := New(Limits{MaxFlushQueueDepth: 4, MaxMemTableBytes: 1024}, t.TempDir(),
		func() int { return 0 }, func() int64 { return bytes })

	bytes = 2048
	admitErr := c.Admit()
	if !errors.Is(admitErr, errors.ErrMemTableCeiling) {
		t.Fatalf("expected memtable ceiling, got %v", admitErr)
	}
	if !errors.IsRetriable(admitErr) {
		t.Error("backpressure must be retriable")
	}
}

func TestDiskHeadroomDisabled(t *testing.T) {
	c := New(Limits{MaxFlushQueueDepth: 4, MaxMemTableBytes: 1024, MinDiskHeadroomBytes: 0},
		t.TempDir(), func() int { return 0 }, func() int64 { return 0 })
	if err := c.Admit(); err != nil {
		t.Fatalf("disk check disabled, got %v", err)
	}
}
