package chunk

import (
	"encoding/binary"
	"os"

	"github.com/nimbusdb/nimbus/internal/codec"
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// descriptor is a parsed column descriptor.
type descriptor struct {
	id         uint16
	name       string
	kind       schema.ValueKind
	codec      codec.Codec
	blockCount uint32
	offset     uint64
	length     uint64
}

// Reader provides access to one verified chunk file.
type Reader struct {
	path string
	meta Meta
	desc []descriptor
	data []byte
}

// Open reads a chunk file and verifies its framing and checksum. A
// checksum or framing failure returns a corruption error; the caller
// quarantines the file rather than deleting it.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrChunkWriteFailed, "read chunk %s", path)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Reader, error) {
	if len(data) < 8+footerSize {
		return nil, errors.Wrapf(errors.ErrTruncatedFile, "chunk %s", path)
	}
	if string(data[:4]) != Magic || string(data[len(data)-4:]) != Magic {
		return nil, errors.Wrapf(errors.ErrBadMagic, "chunk %s", path)
	}

	body := data[:len(data)-footerSize]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-footerSize:])
	if Checksum(body) != wantCRC {
		return nil, errors.Wrapf(errors.ErrChunkChecksumFail, "chunk %s", path)
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version != Version {
		return nil, errors.Wrapf(errors.ErrBadVersion, "chunk %s version %d", path, version)
	}

	r := &Reader{path: path, data: body}
	pos := 8

	need := func(n int) error {
		if pos+n > len(body) {
			return errors.Wrapf(errors.ErrTruncatedFile, "chunk %s header", path)
		}
		return nil
	}

	if err := need(2); err != nil {
		return nil, err
	}
	stationLen := int(binary.LittleEndian.Uint16(body[pos:]))
	pos += 2
	if err := need(stationLen + 4 + 4 + 8 + 8 + 2); err != nil {
		return nil, err
	}
	r.meta.StationID = string(body[pos : pos+stationLen])
	pos += stationLen
	r.meta.PartitionDay = int32(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4
	r.meta.RowCount = binary.LittleEndian.Uint32(body[pos:])
	pos += 4
	r.meta.FirstTs = int64(binary.LittleEndian.Uint64(body[pos:]))
	pos += 8
	r.meta.LastTs = int64(binary.LittleEndian.Uint64(body[pos:]))
	pos += 8
	colCount := int(binary.LittleEndian.Uint16(body[pos:]))
	pos += 2
	r.meta.ByteSize = int64(len(data))

	for i := 0; i < colCount; i++ {
		if err := need(3); err != nil {
			return nil, err
		}
		var d descriptor
		d.id = binary.LittleEndian.Uint16(body[pos:])
		pos += 2
		nameLen := int(body[pos])
		pos++
		if err := need(nameLen + 1 + 1 + 4 + 8 + 8); err != nil {
			return nil, err
		}
		d.name = string(body[pos : pos+nameLen])
		pos += nameLen
		d.kind = schema.ValueKind(body[pos])
		pos++
		d.codec = codec.Codec(body[pos])
		pos++
		d.blockCount = binary.LittleEndian.Uint32(body[pos:])
		pos += 4
		d.offset = binary.LittleEndian.Uint64(body[pos:])
		pos += 8
		d.length = binary.LittleEndian.Uint64(body[pos:])
		pos += 8

		if d.offset+d.length > uint64(len(body)) {
			return nil, errors.Wrapf(errors.ErrTruncatedFile, "chunk %s column %q", path, d.name)
		}
		r.desc = append(r.desc, d)
	}

	return r, nil
}

// Meta returns the chunk's summary metadata.
func (r *Reader) Meta() Meta { return r.meta }

// ColumnNames returns the value-column names stored in the chunk, in
// file order, excluding the timestamp column.
func (r *Reader) ColumnNames() []string {
	var names []string
	for _, d := range r.desc {
		if d.id != TsColumnID {
			names = append(names, d.name)
		}
	}
	return names
}

// ReadAll decodes the timestamp column and every value column.
func (r *Reader) ReadAll() (*schema.ColumnBatch, error) {
	return r.Read(nil)
}

// Read decodes the timestamp column plus the named columns. A nil or
// empty column list selects all columns. Unknown names are ignored; the
// engine validates projections against the schema before reading chunks.
func (r *Reader) Read(columns []string) (*schema.ColumnBatch, error) {
	var want map[string]bool
	if len(columns) > 0 {
		want = make(map[string]bool, len(columns))
		for _, c := range columns {
			want[c] = true
		}
	}

	batch := &schema.ColumnBatch{}
	for i := range r.desc {
		d := &r.desc[i]
		if d.id == TsColumnID {
			times, err := r.decodeTsColumn(d)
			if err != nil {
				return nil, err
			}
			batch.Times = times
			continue
		}
		if want != nil && !want[d.name] {
			continue
		}
		cv, err := r.decodeValueColumn(d)
		if err != nil {
			return nil, err
		}
		batch.Columns = append(batch.Columns, cv)
	}

	if uint32(len(batch.Times)) != r.meta.RowCount {
		return nil, errors.Wrapf(errors.ErrChunkChecksumFail, "chunk %s ts rows %d != %d", r.path, len(batch.Times), r.meta.RowCount)
	}
	return batch, nil
}

func (r *Reader) decodeTsColumn(d *descriptor) ([]int64, error) {
	stream := r.data[d.offset : d.offset+d.length]
	times := make([]int64, 0, r.meta.RowCount)

	pos := 0
	for b := uint32(0); b < d.blockCount; b++ {
		hdr, presence, wrapped, next, err := r.parseBlock(stream, pos)
		if err != nil {
			return nil, err
		}
		if len(presence) != 0 {
			return nil, errors.Wrapf(errors.ErrTruncatedFile, "chunk %s ts block has presence", r.path)
		}
		pos = next

		enc, err := codec.UnwrapBlock(wrapped)
		if err != nil {
			return nil, err
		}
		block, err := codec.DecodeDeltaDelta(enc, int(hdr.rowCount))
		if err != nil {
			return nil, err
		}
		times = append(times, block...)
	}
	return times, nil
}

func (r *Reader) decodeValueColumn(d *descriptor) (schema.ColumnVector, error) {
	cv := schema.ColumnVector{
		Column: schema.Column{ID: d.id, Name: d.name, Kind: d.kind},
	}
	stream := r.data[d.offset : d.offset+d.length]

	pos := 0
	for b := uint32(0); b < d.blockCount; b++ {
		hdr, presenceBytes, wrapped, next, err := r.parseBlock(stream, pos)
		if err != nil {
			return cv, err
		}
		pos = next

		presence, err := codec.DecodePresence(presenceBytes, int(hdr.rowCount))
		if err != nil {
			return cv, err
		}
		presentCount := codec.CountPresent(presence)

		enc, err := codec.UnwrapBlock(wrapped)
		if err != nil {
			return cv, err
		}
		block, err := codec.DecodeBlock(d.codec, enc, presentCount)
		if err != nil {
			return cv, err
		}

		cv.Presence = append(cv.Presence, presence...)
		cv.F64 = append(cv.F64, block.F64...)
		cv.I64 = append(cv.I64, block.I64...)
		cv.U16 = append(cv.U16, block.U16...)
		cv.U8 = append(cv.U8, block.U8...)
	}
	return cv, nil
}

type blockHeader struct {
	rowCount uint16
	firstTs  int64
}

// parseBlock splits one block out of a column stream.
func (r *Reader) parseBlock(stream []byte, pos int) (blockHeader, []byte, []byte, int, error) {
	if pos+blockHeaderSize > len(stream) {
		return blockHeader{}, nil, nil, 0, errors.Wrapf(errors.ErrTruncatedFile, "chunk %s block header", r.path)
	}
	var hdr blockHeader
	hdr.rowCount = binary.LittleEndian.Uint16(stream[pos:])
	hdr.firstTs = int64(binary.LittleEndian.Uint64(stream[pos+2:]))
	presenceLen := int(binary.LittleEndian.Uint32(stream[pos+10:]))
	encLen := int(binary.LittleEndian.Uint32(stream[pos+14:]))
	pos += blockHeaderSize

	if pos+presenceLen+encLen > len(stream) {
		return blockHeader{}, nil, nil, 0, errors.Wrapf(errors.ErrTruncatedFile, "chunk %s block body", r.path)
	}
	presence := stream[pos : pos+presenceLen]
	pos += presenceLen
	wrapped := stream[pos : pos+encLen]
	pos += encLen
	return hdr, presence, wrapped, pos, nil
}
