// Package backpressure admits or rejects ingest based on flush queue
// depth, total memtable residency and WAL disk headroom. Rejections are
// retriable: the caller backs off and tries again.
package backpressure

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nimbusdb/nimbus/internal/errors"
)

// Limits configures the admission thresholds.
type Limits struct {
	// MaxFlushQueueDepth is the maximum sealed-but-unflushed series.
	MaxFlushQueueDepth int

	// MaxMemTableBytes is the ceiling for total memtable residency.
	MaxMemTableBytes int64

	// MinDiskHeadroomBytes is the free space the WAL volume must keep.
	MinDiskHeadroomBytes int64

	// DiskCheckInterval bounds how often free space is sampled.
	DiskCheckInterval time.Duration
}

// DefaultLimits returns the default admission thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxFlushQueueDepth:   16,
		MaxMemTableBytes:     1 << 30, // 1 GiB
		MinDiskHeadroomBytes: 256 << 20,
		DiskCheckInterval:    5 * time.Second,
	}
}

// Controller evaluates admission for the ingest path.
type Controller struct {
	limits Limits
	walDir string

	queueDepth func() int
	memBytes   func() int64

	// Cached disk sample so Statfs is off the hot path.
	lastDiskCheck atomic.Int64 // unix nanos
	diskLow       atomic.Bool

	// Statistics
	rejectedQueue atomic.Int64
	rejectedMem   atomic.Int64
	rejectedDisk  atomic.Int64
}

// New creates a controller. queueDepth and memBytes sample the live
// engine state.
func New(limits Limits, walDir string, queueDepth func() int, memBytes func() int64) *Controller {
	if limits.MaxFlushQueueDepth <= 0 {
		limits.MaxFlushQueueDepth = DefaultLimits().MaxFlushQueueDepth
	}
	if limits.MaxMemTableBytes <= 0 {
		limits.MaxMemTableBytes = DefaultLimits().MaxMemTableBytes
	}
	if limits.DiskCheckInterval <= 0 {
		limits.DiskCheckInterval = DefaultLimits().DiskCheckInterval
	}
	return &Controller{
		limits:     limits,
		walDir:     walDir,
		queueDepth: queueDepth,
		memBytes:   memBytes,
	}
}

// Admit returns nil when a write may proceed, or a retriable
// backpressure error naming the exhausted resource.
func (c *Controller) Admit() error {
	if c.queueDepth() >= c.limits.MaxFlushQueueDepth {
		c.rejectedQueue.Add(1)
		return errors.ErrQueueFull
	}
	if c.memBytes() >= c.limits.MaxMemTableBytes {
		c.rejectedMem.Add(1)
		return errors.ErrMemTableCeiling
	}
	if c.checkDisk() {
		c.rejectedDisk.Add(1)
		return errors.ErrDiskLow
	}
	return nil
}

// checkDisk samples free space on the WAL volume at most once per
// DiskCheckInterval and reports whether headroom is below the threshold.
func (c *Controller) checkDisk() bool {
	if c.limits.MinDiskHeadroomBytes <= 0 {
		return false
	}

	now := time.Now().UnixNano()
	last := c.lastDiskCheck.Load()
	if now-last < int64(c.limits.DiskCheckInterval) {
		return c.diskLow.Load()
	}
	if !c.lastDiskCheck.CompareAndSwap(last, now) {
		return c.diskLow.Load()
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(c.walDir, &st); err != nil {
		// Cannot sample: stay permissive, the WAL write itself will
		// surface real I/O failures.
		return c.diskLow.Load()
	}
	free := int64(st.Bavail) * st.Bsize
	c.diskLow.Store(free < c.limits.MinDiskHeadroomBytes)
	return c.diskLow.Load()
}

// Stats returns the rejection counters (queue, memtable, disk).
func (c *Controller) Stats() (queue, mem, disk int64) {
	return c.rejectedQueue.Load(), c.rejectedMem.Load(), c.rejectedDisk.Load()
}
