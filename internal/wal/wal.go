// Package wal implements the write-ahead log: an append-only directory of
// CRC-framed segment files that makes acknowledged observations
// recoverable after a crash. Segments are reclaimed once every row they
// hold is persisted in a catalogued chunk.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/logging"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// Kind identifies a WAL record type.
type Kind uint8

const (
	// KindWrite carries a batch of observations.
	KindWrite Kind = 1
	// KindFlushBegin marks the start of a series flush.
	KindFlushBegin Kind = 2
	// KindFlushCommit records that a series is persisted through a timestamp.
	KindFlushCommit Kind = 3
)

// FsyncPolicy selects the durability class for acknowledgements.
type FsyncPolicy int

const (
	// FsyncPerWrite fsyncs before every acknowledgement.
	FsyncPerWrite FsyncPolicy = iota
	// FsyncPerInterval group-commits on a timer; acknowledgement waits
	// for the group fsync.
	FsyncPerInterval
	// FsyncOff never fsyncs explicitly. Crash durability is up to the OS.
	FsyncOff
)

// ParseFsyncPolicy maps the config strings to a policy.
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch s {
	case "per_write":
		return FsyncPerWrite, nil
	case "per_interval", "":
		return FsyncPerInterval, nil
	case "off":
		return FsyncOff, nil
	default:
		return 0, fmt.Errorf("unknown fsync policy %q", s)
	}
}

// Record is one replayed WAL record.
type Record struct {
	Kind      Kind
	Rows      []schema.Observation // KindWrite
	Series    schema.SeriesKey     // KindFlushBegin, KindFlushCommit
	ChunkName string               // KindFlushCommit
	ThroughTs int64                // KindFlushCommit
}

// Options configures the WAL.
type Options struct {
	// SegmentBytes is the rotation size threshold. Default: 128 MiB.
	SegmentBytes int64

	// SegmentAge is the rotation age threshold. Default: 1h.
	SegmentAge time.Duration

	// Fsync is the durability policy.
	Fsync FsyncPolicy

	// Interval is the group-commit period for FsyncPerInterval.
	// Default: 10ms.
	Interval time.Duration

	// BufferSize is the bufio writer size. Default: 64KB.
	BufferSize int
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{
		SegmentBytes: 128 * 1024 * 1024,
		SegmentAge:   time.Hour,
		Fsync:        FsyncPerInterval,
		Interval:     10 * time.Millisecond,
		BufferSize:   64 * 1024,
	}
}

const (
	segmentSuffix     = ".wal"
	segmentMagic      = "NMBSWAL\x00"
	segmentVersion    = 1
	segmentHeaderSize = len(segmentMagic) + 4
	recordHeaderSize  = 4 + 4 // length + crc
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// segment tracks one on-disk segment and the series it contains.
type segment struct {
	seq       uint64
	path      string
	size      int64
	createdAt time.Time
	sealed    bool
	// seriesMax is the highest row timestamp per series key present in
	// this segment. A segment is reclaimable when every entry is covered
	// by a catalogued chunk.
	seriesMax map[string]int64
}

// Writer is the append side of the WAL. A single append mutex orders
// record framing; fsync happens under a separate mutex so concurrent
// appenders batch into one sync.
type Writer struct {
	mu      sync.Mutex // append ordering
	syncMu  sync.Mutex // fsync
	dir     string
	opts    Options
	sch     *schema.Schema
	log     *slog.Logger
	current *os.File
	bw      *bufio.Writer
	seg     *segment
	sealed  []*segment

	// persisted is the highest catalogued timestamp per series key.
	persisted map[string]int64

	// syncCh is closed when the pending group commit completes.
	syncCh chan struct{}
	// syncErr carries the outcome of the group commit that closed syncCh.
	syncErr error

	stopCh  chan struct{}
	stopped sync.WaitGroup
	closed  bool

	stats Stats
}

// Stats holds WAL counters for the engine's stats surface.
type Stats struct {
	RecordsWritten int64
	BytesWritten   int64
	SyncsPerformed int64
	SegmentsOnDisk int64
	BytesOnDisk    int64
	SegmentsPurged int64
}

// Open replays all existing segments through replay (truncating torn
// tails in place), then opens a fresh segment for appending. The replay
// callback sees records in segment, then record order.
func Open(dir string, sch *schema.Schema, opts Options, replay func(*Record) error) (*Writer, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultOptions().SegmentBytes
	}
	if opts.SegmentAge <= 0 {
		opts.SegmentAge = DefaultOptions().SegmentAge
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(errors.ErrDataDirInaccessible, "create wal dir %s", dir)
	}

	w := &Writer{
		dir:       dir,
		opts:      opts,
		sch:       sch,
		log:       logging.Component("wal"),
		persisted: make(map[string]int64),
		syncCh:    make(chan struct{}),
		stopCh:    make(chan struct{}),
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var nextSeq uint64 = 1
	for _, seq := range segs {
		path := segmentPath(dir, seq)
		seg := &segment{seq: seq, path: path, sealed: true, seriesMax: make(map[string]int64)}
		if err := replaySegment(path, sch, seg, replay); err != nil {
			return nil, err
		}
		if fi, err := os.Stat(path); err == nil {
			seg.size = fi.Size()
		}
		w.sealed = append(w.sealed, seg)
		nextSeq = seq + 1
	}

	if err := w.openSegment(nextSeq); err != nil {
		return nil, err
	}

	if opts.Fsync == FsyncPerInterval {
		w.stopped.Add(1)
		go w.syncLoop()
	}

	return w, nil
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", seq, segmentSuffix))
}

// listSegments returns the segment sequence numbers in ascending order.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDataDirInaccessible, "list wal dir %s", dir)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// openSegment creates and headers a new current segment.
func (w *Writer) openSegment(seq uint64) error {
	path := segmentPath(w.dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(errors.ErrWalWriteFailed, "create segment %s", path)
	}

	bw := bufio.NewWriterSize(f, w.opts.BufferSize)
	var hdr []byte
	hdr = append(hdr, segmentMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, segmentVersion)
	if _, err := bw.Write(hdr); err != nil {
		f.Close()
		return errors.Wrap(errors.ErrWalWriteFailed, "write segment header")
	}

	w.current = f
	w.bw = bw
	w.seg = &segment{
		seq:       seq,
		path:      path,
		size:      int64(segmentHeaderSize),
		createdAt: time.Now(),
		seriesMax: make(map[string]int64),
	}
	return nil
}

// AppendWrite appends a batch of observations as one atomic record and
// blocks until the configured durability class is satisfied.
func (w *Writer) AppendWrite(rows []schema.Observation) error {
	payload, err := encodeWrite(w.sch, rows)
	if err != nil {
		return errors.Wrap(errors.ErrWalWriteFailed, err.Error())
	}
	return w.append(KindWrite, payload, func(seg *segment) {
		for i := range rows {
			key := schema.SeriesKeyFor(&rows[i]).String()
			if cur, ok := seg.seriesMax[key]; !ok || rows[i].TsMicros > cur {
				seg.seriesMax[key] = rows[i].TsMicros
			}
		}
	})
}

// AppendFlushBegin records the start of a series flush.
func (w *Writer) AppendFlushBegin(key schema.SeriesKey) error {
	return w.append(KindFlushBegin, encodeFlushBegin(key), nil)
}

// AppendFlushCommit records that key is persisted through throughTs in
// the named chunk.
func (w *Writer) AppendFlushCommit(key schema.SeriesKey, chunkName string, throughTs int64) error {
	return w.append(KindFlushCommit, encodeFlushCommit(key, chunkName, throughTs), nil)
}

func (w *Writer) append(kind Kind, payload []byte, track func(*segment)) error {
	frame := make([]byte, 0, recordHeaderSize+1+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(1+len(payload)))
	body := append([]byte{byte(kind)}, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.Checksum(body, castagnoli))
	frame = append(frame, body...)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.ErrShutdown
	}

	if w.seg.size+int64(len(frame)) > w.opts.SegmentBytes ||
		time.Since(w.seg.createdAt) > w.opts.SegmentAge {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}

	if _, err := w.bw.Write(frame); err != nil {
		w.mu.Unlock()
		return errors.Wrap(errors.ErrWalWriteFailed, err.Error())
	}
	w.seg.size += int64(len(frame))
	if track != nil {
		track(w.seg)
	}
	w.stats.RecordsWritten++
	w.stats.BytesWritten += int64(len(frame))

	switch w.opts.Fsync {
	case FsyncPerWrite:
		if err := w.bw.Flush(); err != nil {
			w.mu.Unlock()
			return errors.Wrap(errors.ErrWalWriteFailed, err.Error())
		}
		f := w.current
		w.mu.Unlock()

		w.syncMu.Lock()
		err := f.Sync()
		w.syncMu.Unlock()
		if err != nil {
			return errors.Wrap(errors.ErrFsyncFailed, err.Error())
		}
		return nil

	case FsyncPerInterval:
		ch := w.syncCh
		w.mu.Unlock()
		<-ch
		w.mu.Lock()
		err := w.syncErr
		w.mu.Unlock()
		if err != nil {
			return errors.Wrap(errors.ErrFsyncFailed, err.Error())
		}
		return nil

	default: // FsyncOff
		w.mu.Unlock()
		return nil
	}
}

// rotateLocked seals the current segment and opens the next one.
// Called with mu held.
func (w *Writer) rotateLocked() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(errors.ErrWalWriteFailed, err.Error())
	}
	if w.opts.Fsync != FsyncOff {
		if err := w.current.Sync(); err != nil {
			return errors.Wrap(errors.ErrFsyncFailed, err.Error())
		}
	}
	if err := w.current.Close(); err != nil {
		return errors.Wrap(errors.ErrWalWriteFailed, err.Error())
	}

	w.seg.sealed = true
	w.sealed = append(w.sealed, w.seg)
	w.log.Info("segment sealed", "seq", w.seg.seq, "bytes", w.seg.size, "series", len(w.seg.seriesMax))

	return w.openSegment(w.seg.seq + 1)
}

// syncLoop performs group commits for FsyncPerInterval.
func (w *Writer) syncLoop() {
	defer w.stopped.Done()
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.groupCommit()
		case <-w.stopCh:
			w.groupCommit()
			return
		}
	}
}

// groupCommit flushes and fsyncs once on behalf of all waiting appenders.
func (w *Writer) groupCommit() {
	w.mu.Lock()
	if w.closed && w.current == nil {
		w.mu.Unlock()
		return
	}
	flushErr := w.bw.Flush()
	f := w.current
	ch := w.syncCh
	w.syncCh = make(chan struct{})
	w.mu.Unlock()

	w.syncMu.Lock()
	err := flushErr
	if err == nil {
		err = f.Sync()
	}
	w.syncMu.Unlock()

	w.mu.Lock()
	w.syncErr = err
	w.stats.SyncsPerformed++
	w.mu.Unlock()
	close(ch)
}

// Sync forces a flush and fsync of the current segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.ErrShutdown
	}
	flushErr := w.bw.Flush()
	f := w.current
	w.mu.Unlock()

	if flushErr != nil {
		return errors.Wrap(errors.ErrWalWriteFailed, flushErr.Error())
	}
	w.syncMu.Lock()
	err := f.Sync()
	w.syncMu.Unlock()
	if err != nil {
		return errors.Wrap(errors.ErrFsyncFailed, err.Error())
	}
	return nil
}

// MarkPersisted records that key is stored in a catalogued chunk through
// throughTs. Called by the flusher after catalogue publication.
func (w *Writer) MarkPersisted(key schema.SeriesKey, throughTs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := key.String()
	if throughTs > w.persisted[k] {
		w.persisted[k] = throughTs
	}
}

// Reclaim deletes sealed segments whose every row is covered by the
// persisted high-water marks. unflushedFloor reports the lowest
// timestamp a series still holds outside catalogued chunks (MaxInt64
// when none); a segment survives while any of its series has unflushed
// rows at or below the segment's high mark, so late out-of-order
// arrivals keep their durability. Returns the deleted segment paths.
func (w *Writer) Reclaim(unflushedFloor func(seriesKey string) int64) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []*segment
	var removed []string
	for _, seg := range w.sealed {
		if w.segmentCoveredLocked(seg, unflushedFloor) {
			if err := os.Remove(seg.path); err != nil {
				w.log.Warn("segment delete failed", "path", seg.path, "error", err)
				kept = append(kept, seg)
				continue
			}
			w.stats.SegmentsPurged++
			removed = append(removed, seg.path)
			w.log.Info("segment reclaimed", "seq", seg.seq)
			continue
		}
		kept = append(kept, seg)
	}
	w.sealed = kept
	return removed
}

// segmentCoveredLocked reports whether every series row in seg is
// persisted in a catalogued chunk.
func (w *Writer) segmentCoveredLocked(seg *segment, unflushedFloor func(string) int64) bool {
	for key, maxTs := range seg.seriesMax {
		if w.persisted[key] < maxTs {
			return false
		}
		if unflushedFloor != nil && unflushedFloor(key) <= maxTs {
			return false
		}
	}
	return true
}

// Backlog returns the sealed segment count and total WAL bytes on disk.
func (w *Writer) Backlog() (segments int, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bytes = w.seg.size
	for _, seg := range w.sealed {
		bytes += seg.size
	}
	return len(w.sealed) + 1, bytes
}

// StatsSnapshot returns a copy of the WAL counters.
func (w *Writer) StatsSnapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.SegmentsOnDisk = int64(len(w.sealed) + 1)
	s.BytesOnDisk = w.seg.size
	for _, seg := range w.sealed {
		s.BytesOnDisk += seg.size
	}
	return s
}

// Close flushes, fsyncs and closes the current segment and stops the
// group-commit loop.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.stopped.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.bw.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.current.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.current.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.current = nil
	return firstErr
}
