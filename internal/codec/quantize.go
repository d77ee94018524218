package codec

import (
	"github.com/nimbusdb/nimbus/internal/bitio"
	"github.com/nimbusdb/nimbus/internal/errors"
)

// Scaled-integer quantization for low-cardinality sensor columns. Wind
// direction packs into 9 bits (0-359, null sentinel 511) and humidity
// into 7 bits (0-100, sentinel 127). Weather readings of this sort repeat
// for long stretches, so the quantized stream is run-length encoded:
//
//	'0' + value            single literal
//	'1' + value + 16 bits  run of N identical values, 2 <= N <= 65535
const (
	// AngleBits is the quantized width for compass angles.
	AngleBits = 9
	// AngleNull is the reserved null sentinel for 9-bit angles.
	AngleNull = 511
	// PercentBits is the quantized width for percentages.
	PercentBits = 7
	// PercentNull is the reserved null sentinel for 7-bit percentages.
	PercentNull = 127

	runLengthBits = 16
	maxRunLength  = 1<<runLengthBits - 1
)

// EncodeQuantized encodes values of the given bit width with RLE.
func EncodeQuantized(values []uint64, width uint) []byte {
	w := bitio.NewWriter()
	if len(values) == 0 {
		return nil
	}

	for i := 0; i < len(values); {
		run := 1
		for i+run < len(values) && values[i+run] == values[i] && run < maxRunLength {
			run++
		}
		if run >= 2 {
			w.WriteBit(true)
			w.WriteBits(values[i], width)
			w.WriteBits(uint64(run), runLengthBits)
		} else {
			w.WriteBit(false)
			w.WriteBits(values[i], width)
		}
		i += run
	}

	w.AlignByte()
	return w.Bytes()
}

// DecodeQuantized decodes count quantized values.
func DecodeQuantized(buf []byte, width uint, count int) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	r := bitio.NewReader(buf, len(buf)*8)

	values := make([]uint64, 0, count)
	for len(values) < count {
		isRun, err := r.ReadBit()
		if err != nil {
			return nil, errors.Wrap(err, "quantized control bit")
		}
		v, err := r.ReadBits(width)
		if err != nil {
			return nil, errors.Wrap(err, "quantized value")
		}
		if !isRun {
			values = append(values, v)
			continue
		}
		n, err := r.ReadBits(runLengthBits)
		if err != nil {
			return nil, errors.Wrap(err, "quantized run length")
		}
		if n < 2 || len(values)+int(n) > count {
			return nil, errors.Wrap(errors.ErrShortStream, "quantized run overflows block")
		}
		for j := uint64(0); j < n; j++ {
			values = append(values, v)
		}
	}
	return values, nil
}

// EncodeRawI64 stores integers uncompressed, 64 bits each.
func EncodeRawI64(values []int64) []byte {
	w := bitio.NewWriter()
	for _, v := range values {
		w.WriteBits(uint64(v), 64)
	}
	return w.Bytes()
}

// DecodeRawI64 decodes count uncompressed integers.
func DecodeRawI64(buf []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}
	r := bitio.NewReader(buf, len(buf)*8)
	values := make([]int64, 0, count)
	for len(values) < count {
		v, err := r.ReadBits(64)
		if err != nil {
			return nil, errors.Wrap(err, "raw i64 value")
		}
		values = append(values, int64(v))
	}
	return values, nil
}
