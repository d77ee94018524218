package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nimbusdb/nimbus/internal/schema"
)

// WRITE record payload (binary, varint-heavy):
//   - row count (uvarint)
//   - base timestamp of the record (uvarint micros)
//   - per row:
//       station length (u8) + station bytes
//       ts delta from record base (zigzag varint)
//       column bitmap (uvarint, bit i = schema column index i present)
//       packed values in index order: f64 8 bytes LE, i64 zigzag varint,
//       angle u16 LE, percent u8
//
// FLUSH_BEGIN payload: station (u8 len + bytes), partition day (zigzag varint)
// FLUSH_COMMIT payload: FLUSH_BEGIN payload + chunk name (u8 len + bytes)
//                       + persisted-through ts (uvarint)

func zigzagAppend(buf []byte, v int64) []byte {
	return binary.AppendUvarint(buf, uint64(v<<1)^uint64(v>>63))
}

func zigzagRead(data []byte, offset int) (int64, int, error) {
	u, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, offset, fmt.Errorf("bad varint at offset %d", offset)
	}
	return int64(u>>1) ^ -int64(u&1), offset + n, nil
}

func uvarintRead(data []byte, offset int) (uint64, int, error) {
	u, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, offset, fmt.Errorf("bad varint at offset %d", offset)
	}
	return u, offset + n, nil
}

// encodeWrite encodes a batch of observations into a WRITE payload.
func encodeWrite(sch *schema.Schema, rows []schema.Observation) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty write record")
	}

	base := rows[0].TsMicros
	for _, r := range rows[1:] {
		if r.TsMicros < base {
			base = r.TsMicros
		}
	}

	buf := make([]byte, 0, len(rows)*48)
	buf = binary.AppendUvarint(buf, uint64(len(rows)))
	buf = binary.AppendUvarint(buf, uint64(base))

	for i := range rows {
		r := &rows[i]
		buf = append(buf, uint8(len(r.StationID)))
		buf = append(buf, r.StationID...)
		buf = zigzagAppend(buf, r.TsMicros-base)

		var bitmap uint64
		for id := range r.Values {
			ix, ok := sch.IndexByID(id)
			if !ok {
				return nil, fmt.Errorf("unknown column id %d", id)
			}
			if !r.Values[id].Null {
				bitmap |= 1 << uint(ix)
			}
		}
		buf = binary.AppendUvarint(buf, bitmap)

		for ix, col := range sch.Columns() {
			if bitmap>>uint(ix)&1 == 0 {
				continue
			}
			v := r.Values[col.ID]
			switch col.Kind {
			case schema.KindF64:
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
			case schema.KindI64:
				buf = zigzagAppend(buf, v.I64)
			case schema.KindU16Angle:
				buf = binary.LittleEndian.AppendUint16(buf, v.Angle)
			case schema.KindU8Percent:
				buf = append(buf, v.Percent)
			}
		}
	}
	return buf, nil
}

// decodeWrite decodes a WRITE payload.
func decodeWrite(sch *schema.Schema, data []byte) ([]schema.Observation, error) {
	count, offset, err := uvarintRead(data, 0)
	if err != nil {
		return nil, fmt.Errorf("row count: %w", err)
	}
	base, offset, err := uvarintRead(data, offset)
	if err != nil {
		return nil, fmt.Errorf("base ts: %w", err)
	}

	rows := make([]schema.Observation, 0, count)
	for i := uint64(0); i < count; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("row %d: short payload", i)
		}
		stationLen := int(data[offset])
		offset++
		if offset+stationLen > len(data) {
			return nil, fmt.Errorf("row %d: short station", i)
		}
		station := string(data[offset : offset+stationLen])
		offset += stationLen

		var delta int64
		delta, offset, err = zigzagRead(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d ts: %w", i, err)
		}

		var bitmap uint64
		bitmap, offset, err = uvarintRead(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d bitmap: %w", i, err)
		}

		obs := schema.Observation{
			StationID: station,
			TsMicros:  int64(base) + delta,
			Values:    make(map[uint16]schema.Value),
		}

		for ix, col := range sch.Columns() {
			if bitmap>>uint(ix)&1 == 0 {
				continue
			}
			switch col.Kind {
			case schema.KindF64:
				if offset+8 > len(data) {
					return nil, fmt.Errorf("row %d column %q: short f64", i, col.Name)
				}
				obs.Values[col.ID] = schema.F64Value(math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])))
				offset += 8
			case schema.KindI64:
				var v int64
				v, offset, err = zigzagRead(data, offset)
				if err != nil {
					return nil, fmt.Errorf("row %d column %q: %w", i, col.Name, err)
				}
				obs.Values[col.ID] = schema.I64Value(v)
			case schema.KindU16Angle:
				if offset+2 > len(data) {
					return nil, fmt.Errorf("row %d column %q: short angle", i, col.Name)
				}
				obs.Values[col.ID] = schema.AngleValue(binary.LittleEndian.Uint16(data[offset:]))
				offset += 2
			case schema.KindU8Percent:
				if offset+1 > len(data) {
					return nil, fmt.Errorf("row %d column %q: short percent", i, col.Name)
				}
				obs.Values[col.ID] = schema.PercentValue(data[offset])
				offset++
			}
		}
		rows = append(rows, obs)
	}
	return rows, nil
}

// encodeSeriesKey encodes the shared prefix of flush records.
func encodeSeriesKey(buf []byte, key schema.SeriesKey) []byte {
	buf = append(buf, uint8(len(key.StationID)))
	buf = append(buf, key.StationID...)
	buf = zigzagAppend(buf, int64(key.PartitionDay))
	return buf
}

func decodeSeriesKey(data []byte, offset int) (schema.SeriesKey, int, error) {
	if offset >= len(data) {
		return schema.SeriesKey{}, offset, fmt.Errorf("short series key")
	}
	stationLen := int(data[offset])
	offset++
	if offset+stationLen > len(data) {
		return schema.SeriesKey{}, offset, fmt.Errorf("short station id")
	}
	station := string(data[offset : offset+stationLen])
	offset += stationLen
	day, offset, err := zigzagRead(data, offset)
	if err != nil {
		return schema.SeriesKey{}, offset, fmt.Errorf("partition day: %w", err)
	}
	return schema.SeriesKey{StationID: station, PartitionDay: int32(day)}, offset, nil
}

// encodeFlushBegin encodes a FLUSH_BEGIN payload.
func encodeFlushBegin(key schema.SeriesKey) []byte {
	return encodeSeriesKey(make([]byte, 0, 16), key)
}

// decodeFlushBegin decodes a FLUSH_BEGIN payload.
func decodeFlushBegin(data []byte) (schema.SeriesKey, error) {
	key, _, err := decodeSeriesKey(data, 0)
	return key, err
}

// encodeFlushCommit encodes a FLUSH_COMMIT payload.
func encodeFlushCommit(key schema.SeriesKey, chunkName string, throughTs int64) []byte {
	buf := encodeSeriesKey(make([]byte, 0, 32), key)
	buf = append(buf, uint8(len(chunkName)))
	buf = append(buf, chunkName...)
	buf = binary.AppendUvarint(buf, uint64(throughTs))
	return buf
}

// decodeFlushCommit decodes a FLUSH_COMMIT payload.
func decodeFlushCommit(data []byte) (schema.SeriesKey, string, int64, error) {
	key, offset, err := decodeSeriesKey(data, 0)
	if err != nil {
		return schema.SeriesKey{}, "", 0, err
	}
	if offset >= len(data) {
		return schema.SeriesKey{}, "", 0, fmt.Errorf("short chunk name")
	}
	nameLen := int(data[offset])
	offset++
	if offset+nameLen > len(data) {
		return schema.SeriesKey{}, "", 0, fmt.Errorf("short chunk name")
	}
	name := string(data[offset : offset+nameLen])
	offset += nameLen
	through, _, err := uvarintRead(data, offset)
	if err != nil {
		return schema.SeriesKey{}, "", 0, fmt.Errorf("through ts: %w", err)
	}
	return key, name, int64(through), nil
}
