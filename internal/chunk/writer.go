package chunk

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nimbusdb/nimbus/internal/codec"
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// WriteOptions configures chunk encoding.
type WriteOptions struct {
	// BlockRows is the logical rows per encoded block.
	BlockRows int

	// EnableBlockWrap turns on the general-purpose block compressor.
	EnableBlockWrap bool
}

// DefaultWriteOptions returns the default encoding options.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{BlockRows: DefaultBlockRows, EnableBlockWrap: true}
}

// Write encodes a batch into a chunk file at path. The batch must be
// sorted by timestamp with duplicates already collapsed. The file is
// written to path+".tmp", fsynced and atomically renamed; the parent
// directory is fsynced so the rename is durable. On any failure the temp
// file is removed and no chunk exists at path.
func Write(path string, stationID string, day int32, batch *schema.ColumnBatch, opts WriteOptions) (Meta, error) {
	if batch.NumRows() == 0 {
		return Meta{}, errors.Wrap(errors.ErrChunkWriteFailed, "empty batch")
	}
	if opts.BlockRows <= 0 {
		opts.BlockRows = DefaultBlockRows
	}

	body, meta, err := encodeChunk(stationID, day, batch, opts)
	if err != nil {
		return Meta{}, err
	}

	tmp := path + TmpSuffix
	if err := writeFileAtomic(tmp, path, body); err != nil {
		return Meta{}, errors.Wrap(errors.ErrChunkWriteFailed, err.Error())
	}
	meta.ByteSize = int64(len(body))
	return meta, nil
}

// encodeChunk builds the full chunk image in memory, footer included.
func encodeChunk(stationID string, day int32, batch *schema.ColumnBatch, opts WriteOptions) ([]byte, Meta, error) {
	rows := batch.NumRows()

	// Encode every column stream first so descriptor offsets are known
	// before the header is laid down.
	type stream struct {
		col        schema.Column
		isTs       bool
		codec      codec.Codec
		blockCount uint32
		data       []byte
	}

	streams := make([]stream, 0, len(batch.Columns)+1)

	tsStream, tsBlocks, err := encodeTsStream(batch.Times, opts)
	if err != nil {
		return nil, Meta{}, err
	}
	streams = append(streams, stream{
		col:        schema.Column{ID: TsColumnID, Name: "ts", Kind: schema.KindI64},
		isTs:       true,
		codec:      codec.CodecDeltaDeltaI64,
		blockCount: tsBlocks,
		data:       tsStream,
	})

	for i := range batch.Columns {
		cv := &batch.Columns[i]
		data, blocks, err := encodeColumnStream(batch.Times, cv, opts)
		if err != nil {
			return nil, Meta{}, errors.Wrapf(err, "column %q", cv.Column.Name)
		}
		streams = append(streams, stream{
			col:        cv.Column,
			codec:      codec.ForKind(cv.Column.Kind),
			blockCount: blocks,
			data:       data,
		})
	}

	// Header.
	buf := make([]byte, 0, 256)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint16(buf, Version)
	buf = binary.LittleEndian.AppendUint16(buf, 0) // flags
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(stationID)))
	buf = append(buf, stationID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(day))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rows))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(batch.FirstTs()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(batch.LastTs()))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(streams)))

	// Descriptors are fixed-size except for the name, so the data start
	// offset is computable before writing them.
	descSize := 0
	for _, st := range streams {
		descSize += 2 + 1 + len(st.col.Name) + 1 + 1 + 4 + 8 + 8
	}
	offset := uint64(len(buf) + descSize)

	for _, st := range streams {
		buf = binary.LittleEndian.AppendUint16(buf, st.col.ID)
		buf = append(buf, uint8(len(st.col.Name)))
		buf = append(buf, st.col.Name...)
		buf = append(buf, uint8(st.col.Kind))
		buf = append(buf, uint8(st.codec))
		buf = binary.LittleEndian.AppendUint32(buf, st.blockCount)
		buf = binary.LittleEndian.AppendUint64(buf, offset)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(st.data)))
		offset += uint64(len(st.data))
	}

	for _, st := range streams {
		buf = append(buf, st.data...)
	}

	// Footer: CRC over everything so far, then the closing magic.
	buf = binary.LittleEndian.AppendUint32(buf, Checksum(buf))
	buf = append(buf, Magic...)

	meta := Meta{
		StationID:    stationID,
		PartitionDay: day,
		RowCount:     uint32(rows),
		FirstTs:      batch.FirstTs(),
		LastTs:       batch.LastTs(),
	}
	return buf, meta, nil
}

// encodeTsStream encodes the timestamp column. Timestamps are always
// present, so blocks carry an empty presence vector.
func encodeTsStream(times []int64, opts WriteOptions) ([]byte, uint32, error) {
	var out []byte
	var blocks uint32

	for start := 0; start < len(times); start += opts.BlockRows {
		end := start + opts.BlockRows
		if end > len(times) {
			end = len(times)
		}
		block := times[start:end]

		enc, err := codec.EncodeDeltaDelta(block)
		if err != nil {
			return nil, 0, err
		}
		wrapped := codec.WrapBlock(enc, opts.EnableBlockWrap)
		out = appendBlock(out, uint16(len(block)), block[0], nil, wrapped)
		blocks++
	}
	return out, blocks, nil
}

// encodeColumnStream encodes one value column into presence+value blocks
// aligned with the timestamp blocks.
func encodeColumnStream(times []int64, cv *schema.ColumnVector, opts WriteOptions) ([]byte, uint32, error) {
	var out []byte
	var blocks uint32

	denseIx := 0
	for start := 0; start < len(times); start += opts.BlockRows {
		end := start + opts.BlockRows
		if end > len(times) {
			end = len(times)
		}

		presence := cv.Presence[start:end]
		presentCount := 0
		for _, p := range presence {
			if p {
				presentCount++
			}
		}

		blk := sliceBlock(cv, denseIx, presentCount)
		denseIx += presentCount

		enc, err := codec.EncodeBlock(codec.ForKind(cv.Column.Kind), blk)
		if err != nil {
			return nil, 0, err
		}
		wrapped := codec.WrapBlock(enc, opts.EnableBlockWrap)
		out = appendBlock(out, uint16(end-start), times[start], codec.EncodePresence(presence), wrapped)
		blocks++
	}
	return out, blocks, nil
}

// sliceBlock carves the dense values for one block out of a column vector.
func sliceBlock(cv *schema.ColumnVector, denseIx, count int) codec.Block {
	switch cv.Column.Kind {
	case schema.KindF64:
		return codec.Block{F64: cv.F64[denseIx : denseIx+count]}
	case schema.KindI64:
		return codec.Block{I64: cv.I64[denseIx : denseIx+count]}
	case schema.KindU16Angle:
		return codec.Block{U16: cv.U16[denseIx : denseIx+count]}
	case schema.KindU8Percent:
		return codec.Block{U8: cv.U8[denseIx : denseIx+count]}
	}
	return codec.Block{}
}

// appendBlock lays down one block: header, presence vector, wrapped bits.
func appendBlock(out []byte, rowCount uint16, firstTs int64, presence, wrapped []byte) []byte {
	out = binary.LittleEndian.AppendUint16(out, rowCount)
	out = binary.LittleEndian.AppendUint64(out, uint64(firstTs))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(presence)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(wrapped)))
	out = append(out, presence...)
	out = append(out, wrapped...)
	return out
}

// writeFileAtomic writes body to tmp, fsyncs, renames to final and fsyncs
// the parent directory. The temp file is removed on failure.
func writeFileAtomic(tmp, final string, body []byte) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	if _, err := f.Write(body); err != nil {
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(final)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
