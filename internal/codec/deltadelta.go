package codec

import (
	"github.com/nimbusdb/nimbus/internal/bitio"
	"github.com/nimbusdb/nimbus/internal/errors"
)

// Delta-of-delta encoding for timestamp columns. The first timestamp is
// stored raw; the second as a zigzag delta (14 bits, or a '1111'-prefixed
// 64-bit escape); from the third on, the second difference is written with
// a variable-length prefix:
//
//	dod == 0            '0'
//	fits  7 bits zigzag '10'   + 7 bits
//	fits  9 bits zigzag '110'  + 9 bits
//	fits 12 bits zigzag '1110' + 12 bits
//	otherwise           '1111' + 32 bits zigzag
//
// A 32-bit zigzag of all ones escapes to a further 64-bit zigzag so that
// arbitrarily large gaps (a station offline for hours) still round-trip.

const dodEscape32 = uint64(1)<<32 - 1

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// EncodeDeltaDelta encodes a timestamp block.
func EncodeDeltaDelta(ts []int64) ([]byte, error) {
	w := bitio.NewWriter()
	if len(ts) == 0 {
		return nil, nil
	}

	w.WriteBits(uint64(ts[0]), 64)
	if len(ts) == 1 {
		w.AlignByte()
		return w.Bytes(), nil
	}

	delta := ts[1] - ts[0]
	writeFirstDelta(w, delta)

	prevDelta := delta
	prev := ts[1]
	for _, t := range ts[2:] {
		d := t - prev
		dod := d - prevDelta
		writeDod(w, dod)
		prevDelta = d
		prev = t
	}

	w.AlignByte()
	return w.Bytes(), nil
}

// writeFirstDelta writes the second timestamp's delta: 14-bit zigzag when
// it fits and does not collide with the '1111' escape prefix, otherwise
// the escape plus 64-bit zigzag.
func writeFirstDelta(w *bitio.Writer, delta int64) {
	z := zigzag(delta)
	if z < 1<<14 && z>>10 != 0xF {
		w.WriteBits(z, 14)
		return
	}
	w.WriteBits(0xF, 4)
	w.WriteBits(zigzag(delta), 64)
}

func writeDod(w *bitio.Writer, dod int64) {
	z := zigzag(dod)
	switch {
	case dod == 0:
		w.WriteBit(false)
	case z < 1<<7:
		w.WriteBits(0b10, 2)
		w.WriteBits(z, 7)
	case z < 1<<9:
		w.WriteBits(0b110, 3)
		w.WriteBits(z, 9)
	case z < 1<<12:
		w.WriteBits(0b1110, 4)
		w.WriteBits(z, 12)
	case z < dodEscape32:
		w.WriteBits(0b1111, 4)
		w.WriteBits(z, 32)
	default:
		w.WriteBits(0b1111, 4)
		w.WriteBits(dodEscape32, 32)
		w.WriteBits(z, 64)
	}
}

// DecodeDeltaDelta decodes count timestamps.
func DecodeDeltaDelta(buf []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}
	r := bitio.NewReader(buf, len(buf)*8)

	first, err := r.ReadBits(64)
	if err != nil {
		return nil, errors.Wrap(err, "dod first timestamp")
	}
	ts := make([]int64, 0, count)
	ts = append(ts, int64(first))
	if count == 1 {
		return ts, nil
	}

	delta, err := readFirstDelta(r)
	if err != nil {
		return nil, err
	}
	ts = append(ts, ts[0]+delta)

	prevDelta := delta
	for len(ts) < count {
		dod, err := readDod(r)
		if err != nil {
			return nil, err
		}
		prevDelta += dod
		ts = append(ts, ts[len(ts)-1]+prevDelta)
	}
	return ts, nil
}

func readFirstDelta(r *bitio.Reader) (int64, error) {
	head, err := r.ReadBits(4)
	if err != nil {
		return 0, errors.Wrap(err, "dod first delta")
	}
	if head == 0xF {
		z, err := r.ReadBits(64)
		if err != nil {
			return 0, errors.Wrap(err, "dod first delta escape")
		}
		return unzigzag(z), nil
	}
	rest, err := r.ReadBits(10)
	if err != nil {
		return 0, errors.Wrap(err, "dod first delta")
	}
	return unzigzag(head<<10 | rest), nil
}

func readDod(r *bitio.Reader) (int64, error) {
	// Count prefix ones, at most four.
	prefix := 0
	for prefix < 4 {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, errors.Wrap(err, "dod prefix")
		}
		if !bit {
			break
		}
		prefix++
	}

	var width uint
	switch prefix {
	case 0:
		return 0, nil
	case 1:
		width = 7
	case 2:
		width = 9
	case 3:
		width = 12
	case 4:
		width = 32
	}

	z, err := r.ReadBits(width)
	if err != nil {
		return 0, errors.Wrap(err, "dod value")
	}
	if prefix == 4 && z == dodEscape32 {
		z, err = r.ReadBits(64)
		if err != nil {
			return 0, errors.Wrap(err, "dod escape value")
		}
	}
	return unzigzag(z), nil
}
