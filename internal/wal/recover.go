package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/logging"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// replaySegment scans one segment, invoking replay for every intact
// record. A record whose CRC mismatches or whose length runs past the end
// of the segment marks a torn tail: the file is truncated at the last
// good boundary and the scan of this segment ends. seg's series tracking
// is rebuilt from the replayed WRITE records.
func replaySegment(path string, sch *schema.Schema, seg *segment, replay func(*Record) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(errors.ErrDataDirInaccessible, "read segment %s", path)
	}
	log := logging.Component("wal")

	if len(data) < segmentHeaderSize || string(data[:len(segmentMagic)]) != segmentMagic {
		// A header that never made it to disk whole: treat the segment
		// as empty and truncate it away.
		log.Warn("segment header torn, truncating", "path", path)
		return os.Truncate(path, 0)
	}
	version := binary.LittleEndian.Uint32(data[len(segmentMagic):])
	if version != segmentVersion {
		return errors.Wrapf(errors.ErrBadVersion, "segment %s version %d", path, version)
	}

	pos := segmentHeaderSize
	good := pos
	for {
		if pos+recordHeaderSize > len(data) {
			break
		}
		length := int(binary.LittleEndian.Uint32(data[pos:]))
		wantCRC := binary.LittleEndian.Uint32(data[pos+4:])
		if length < 1 || pos+recordHeaderSize+length > len(data) {
			break
		}
		body := data[pos+recordHeaderSize : pos+recordHeaderSize+length]
		if crc32.Checksum(body, castagnoli) != wantCRC {
			break
		}

		rec, err := decodeRecord(sch, body)
		if err != nil {
			// Framing intact but the payload is not decodable. Stop at
			// the last good boundary like any other torn tail.
			log.Warn("undecodable record, truncating", "path", path, "at", pos, "error", err)
			break
		}

		if rec.Kind == KindWrite {
			for i := range rec.Rows {
				key := schema.SeriesKeyFor(&rec.Rows[i]).String()
				if cur, ok := seg.seriesMax[key]; !ok || rec.Rows[i].TsMicros > cur {
					seg.seriesMax[key] = rec.Rows[i].TsMicros
				}
			}
		}

		if replay != nil {
			if err := replay(rec); err != nil {
				return err
			}
		}
		pos += recordHeaderSize + length
		good = pos
	}

	if good < len(data) {
		log.Warn("torn record tail truncated", "path", path, "at", good, "dropped", len(data)-good)
		if err := os.Truncate(path, int64(good)); err != nil {
			return errors.Wrapf(errors.ErrWalWriteFailed, "truncate %s", path)
		}
	}
	return nil
}

// decodeRecord parses one framed record body (kind byte plus payload).
func decodeRecord(sch *schema.Schema, body []byte) (*Record, error) {
	rec := &Record{Kind: Kind(body[0])}
	payload := body[1:]

	switch rec.Kind {
	case KindWrite:
		rows, err := decodeWrite(sch, payload)
		if err != nil {
			return nil, err
		}
		rec.Rows = rows
	case KindFlushBegin:
		key, err := decodeFlushBegin(payload)
		if err != nil {
			return nil, err
		}
		rec.Series = key
	case KindFlushCommit:
		key, name, through, err := decodeFlushCommit(payload)
		if err != nil {
			return nil, err
		}
		rec.Series = key
		rec.ChunkName = name
		rec.ThroughTs = through
	default:
		return nil, errors.Wrapf(errors.ErrBadVersion, "record kind %d", rec.Kind)
	}
	return rec, nil
}
