// Package catalog maintains the authoritative index of published chunks:
// a JSON manifest checkpoint plus an append-only, CRC-framed log of
// incremental changes. A chunk exists for readers exactly when the
// catalogue lists it.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/logging"
)

// Entry describes one published chunk.
type Entry struct {
	// Name is the chunk path relative to the chunks directory,
	// e.g. "TPE001/20090/00000001.chunk".
	Name string `json:"name"`

	StationID    string `json:"station_id"`
	PartitionDay int32  `json:"partition_day"`
	FirstTs      int64  `json:"first_ts"`
	LastTs       int64  `json:"last_ts"`
	RowCount     uint32 `json:"row_count"`
	ByteSize     int64  `json:"byte_size"`
	CreatedAt    int64  `json:"created_at"` // unix seconds

	// SupersededBy names the compacted successor, when one exists. A
	// superseded entry is no longer served to readers.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Overlaps reports whether the entry's time span intersects [t0, t1].
func (e *Entry) Overlaps(t0, t1 int64) bool {
	return e.FirstTs <= t1 && e.LastTs >= t0
}

const (
	manifestName = "catalogue.json"
	logName      = "catalogue.log"

	opAdd     uint8 = 1
	opReplace uint8 = 2
	opRemove  uint8 = 3

	logRecordHeaderSize = 4 + 4 + 1 // length + crc + op
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// manifest is the checkpoint file layout.
type manifest struct {
	CheckpointSeq uint64  `json:"checkpoint_seq"`
	Entries       []Entry `json:"entries"`
}

// logRecord is the JSON payload of one catalogue.log record.
type logRecord struct {
	Seq     uint64 `json:"seq"`
	Entry   *Entry `json:"entry,omitempty"`
	OldName string `json:"old_name,omitempty"`
}

// view is the immutable read snapshot: station -> day -> entries ordered
// by FirstTs. Readers load it lock-free; publishers swap it under mu.
type view struct {
	byStation map[string]map[int32][]Entry
	byName    map[string]Entry
}

func emptyView() *view {
	return &view{
		byStation: make(map[string]map[int32][]Entry),
		byName:    make(map[string]Entry),
	}
}

// Catalog is the chunk catalogue.
type Catalog struct {
	mu      sync.Mutex // serializes publishers and log appends
	dir     string
	log     *slog.Logger
	current atomic.Pointer[view]

	logFile *os.File
	seq     uint64 // last applied log sequence

	// checkpointEvery rewrites the manifest after this many log records.
	checkpointEvery uint64
	sinceCheckpoint uint64
}

// Open loads the manifest, replays catalogue.log past its checkpoint and
// readies the catalogue for publishing. A torn final log record is
// truncated away; any other log damage is surfaced as corruption.
func Open(dir string) (*Catalog, error) {
	c := &Catalog{
		dir:             dir,
		log:             logging.Component("catalog"),
		checkpointEvery: 256,
	}
	c.current.Store(emptyView())

	if err := c.recover(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDataDirInaccessible, "open %s", c.logPath())
	}
	c.logFile = f
	return c, nil
}

func (c *Catalog) manifestPath() string { return filepath.Join(c.dir, manifestName) }
func (c *Catalog) logPath() string      { return filepath.Join(c.dir, logName) }

// recover loads the checkpoint and replays the incremental log.
func (c *Catalog) recover() error {
	v := emptyView()

	if data, err := os.ReadFile(c.manifestPath()); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return errors.Wrapf(errors.ErrCatalogueCorrupt, "manifest: %s", err)
		}
		c.seq = m.CheckpointSeq
		for i := range m.Entries {
			applyAdd(v, m.Entries[i])
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrDataDirInaccessible, "read manifest")
	}

	data, err := os.ReadFile(c.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			c.current.Store(v)
			return nil
		}
		return errors.Wrap(errors.ErrDataDirInaccessible, "read catalogue log")
	}

	pos := 0
	good := 0
	for {
		if pos+logRecordHeaderSize > len(data) {
			break
		}
		length := int(binary.LittleEndian.Uint32(data[pos:]))
		wantCRC := binary.LittleEndian.Uint32(data[pos+4:])
		if length < 1 || pos+8+length > len(data) {
			break
		}
		body := data[pos+8 : pos+8+length]
		if crc32.Checksum(body, castagnoli) != wantCRC {
			if pos+8+length < len(data) {
				// Intact records follow: this is not a torn tail.
				return errors.Wrapf(errors.ErrCatalogueCorrupt, "log record at %d: checksum mismatch", pos)
			}
			break
		}

		op := body[0]
		var rec logRecord
		if err := json.Unmarshal(body[1:], &rec); err != nil {
			return errors.Wrapf(errors.ErrCatalogueCorrupt, "log record at %d: %s", pos, err)
		}

		// Records at or below the checkpoint are already in the manifest.
		if rec.Seq > c.seq {
			if err := applyOp(v, op, &rec); err != nil {
				return err
			}
			c.seq = rec.Seq
			c.sinceCheckpoint++
		}
		pos += 8 + length
		good = pos
	}

	if good < len(data) {
		c.log.Warn("torn catalogue log tail truncated", "at", good, "dropped", len(data)-good)
		if err := os.Truncate(c.logPath(), int64(good)); err != nil {
			return errors.Wrap(errors.ErrDataDirInaccessible, "truncate catalogue log")
		}
	}

	c.current.Store(v)
	return nil
}

func applyOp(v *view, op uint8, rec *logRecord) error {
	switch op {
	case opAdd:
		if rec.Entry == nil {
			return errors.Wrap(errors.ErrCatalogueCorrupt, "ADD without entry")
		}
		applyAdd(v, *rec.Entry)
	case opReplace:
		if rec.Entry == nil || rec.OldName == "" {
			return errors.Wrap(errors.ErrCatalogueCorrupt, "REPLACE without entry or old name")
		}
		applyRemove(v, rec.OldName)
		applyAdd(v, *rec.Entry)
	case opRemove:
		if rec.OldName == "" {
			return errors.Wrap(errors.ErrCatalogueCorrupt, "REMOVE without name")
		}
		applyRemove(v, rec.OldName)
	default:
		return errors.Wrapf(errors.ErrCatalogueCorrupt, "log op %d", op)
	}
	return nil
}

// applyAdd inserts an entry into a view in place. Only used on views not
// yet published.
func applyAdd(v *view, e Entry) {
	days, ok := v.byStation[e.StationID]
	if !ok {
		days = make(map[int32][]Entry)
		v.byStation[e.StationID] = days
	}
	entries := append(days[e.PartitionDay], e)
	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstTs < entries[j].FirstTs })
	days[e.PartitionDay] = entries
	v.byName[e.Name] = e
}

func applyRemove(v *view, name string) {
	e, ok := v.byName[name]
	if !ok {
		return
	}
	delete(v.byName, name)
	days := v.byStation[e.StationID]
	entries := days[e.PartitionDay]
	for i := range entries {
		if entries[i].Name == name {
			days[e.PartitionDay] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(days[e.PartitionDay]) == 0 {
		delete(days, e.PartitionDay)
	}
	if len(days) == 0 {
		delete(v.byStation, e.StationID)
	}
}

// clone makes a copy-on-write duplicate deep enough to mutate safely.
func (v *view) clone() *view {
	nv := &view{
		byStation: make(map[string]map[int32][]Entry, len(v.byStation)),
		byName:    make(map[string]Entry, len(v.byName)),
	}
	for station, days := range v.byStation {
		nd := make(map[int32][]Entry, len(days))
		for day, entries := range days {
			nd[day] = entries // slices replaced wholesale on mutation
		}
		nv.byStation[station] = nd
	}
	for name, e := range v.byName {
		nv.byName[name] = e
	}
	return nv
}

// appendLog writes one framed record to catalogue.log and fsyncs it.
func (c *Catalog) appendLog(op uint8, rec *logRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	body := append([]byte{op}, payload...)

	frame := make([]byte, 0, 8+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = binary.LittleEndian.AppendUint32(frame, crc32.Checksum(body, castagnoli))
	frame = append(frame, body...)

	if _, err := c.logFile.Write(frame); err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	if err := c.logFile.Sync(); err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	return nil
}

// Publish makes a chunk visible: the log record is durable before the
// in-memory view flips.
func (c *Catalog) Publish(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if err := c.appendLog(opAdd, &logRecord{Seq: c.seq, Entry: &e}); err != nil {
		c.seq--
		return err
	}

	nv := c.current.Load().clone()
	applyAdd(nv, e)
	c.current.Store(nv)
	c.log.Info("chunk published", "chunk", e.Name, "rows", e.RowCount, "bytes", e.ByteSize)

	return c.maybeCheckpointLocked()
}

// Supersede atomically replaces an old chunk entry with its compacted
// successor. The caller deletes the old file only after this returns,
// which is after the log record is durable.
func (c *Catalog) Supersede(oldName string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if err := c.appendLog(opReplace, &logRecord{Seq: c.seq, Entry: &e, OldName: oldName}); err != nil {
		c.seq--
		return err
	}

	nv := c.current.Load().clone()
	applyRemove(nv, oldName)
	applyAdd(nv, e)
	c.current.Store(nv)
	c.log.Info("chunk superseded", "old", oldName, "new", e.Name)

	return c.maybeCheckpointLocked()
}

// Remove drops a chunk entry, typically for retention. The caller
// deletes the file after this returns.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if err := c.appendLog(opRemove, &logRecord{Seq: c.seq, OldName: name}); err != nil {
		c.seq--
		return err
	}

	nv := c.current.Load().clone()
	applyRemove(nv, name)
	c.current.Store(nv)
	c.log.Info("chunk removed", "chunk", name)

	return c.maybeCheckpointLocked()
}

// Lookup returns the entries for a station whose time span intersects
// [t0, t1], ordered by FirstTs.
func (c *Catalog) Lookup(stationID string, t0, t1 int64) []Entry {
	v := c.current.Load()
	days, ok := v.byStation[stationID]
	if !ok {
		return nil
	}

	var out []Entry
	for _, entries := range days {
		for i := range entries {
			if entries[i].Overlaps(t0, t1) {
				out = append(out, entries[i])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstTs < out[j].FirstTs })
	return out
}

// LookupSeries returns the live entries for one series key, ordered by
// FirstTs.
func (c *Catalog) LookupSeries(stationID string, day int32) []Entry {
	v := c.current.Load()
	days, ok := v.byStation[stationID]
	if !ok {
		return nil
	}
	entries := days[day]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Get returns an entry by name.
func (c *Catalog) Get(name string) (Entry, bool) {
	e, ok := c.current.Load().byName[name]
	return e, ok
}

// Enumerate returns every entry matching pred, in no particular order.
func (c *Catalog) Enumerate(pred func(*Entry) bool) []Entry {
	v := c.current.Load()
	var out []Entry
	for _, e := range v.byName {
		if pred == nil || pred(&e) {
			out = append(out, e)
		}
	}
	return out
}

// Stats returns aggregate counters over the live entries.
func (c *Catalog) Stats() (chunks int, rows int64, bytes int64) {
	v := c.current.Load()
	for _, e := range v.byName {
		chunks++
		rows += int64(e.RowCount)
		bytes += e.ByteSize
	}
	return
}

// maybeCheckpointLocked rewrites the manifest once enough log records
// have accumulated.
func (c *Catalog) maybeCheckpointLocked() error {
	c.sinceCheckpoint++
	if c.sinceCheckpoint < c.checkpointEvery {
		return nil
	}
	return c.checkpointLocked()
}

// Checkpoint forces a manifest rewrite and truncates the log.
func (c *Catalog) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked()
}

func (c *Catalog) checkpointLocked() error {
	v := c.current.Load()
	m := manifest{CheckpointSeq: c.seq}
	for _, e := range v.byName {
		m.Entries = append(m.Entries, e)
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Name < m.Entries[j].Name })

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}

	tmp := c.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	if f, err := os.Open(tmp); err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, c.manifestPath()); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}

	// The manifest now covers everything: start the log over.
	if err := c.logFile.Truncate(0); err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	if _, err := c.logFile.Seek(0, 0); err != nil {
		return errors.Wrap(errors.ErrCataloguePublishFailed, err.Error())
	}
	c.sinceCheckpoint = 0
	c.log.Info("catalogue checkpoint written", "entries", len(m.Entries), "seq", c.seq)
	return nil
}

// Close releases the catalogue's log file after a final checkpoint.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logFile == nil {
		return nil
	}
	err := c.checkpointLocked()
	if cerr := c.logFile.Close(); err == nil {
		err = cerr
	}
	c.logFile = nil
	return err
}
