package codec

import (
	"math"
	"math/bits"

	"github.com/nimbusdb/nimbus/internal/bitio"
	"github.com/nimbusdb/nimbus/internal/errors"
)

// Gorilla XOR compression for float64 columns, after the Facebook
// time-series paper. The first value is stored raw; each subsequent value
// is XORed against its predecessor:
//
//   - XOR == 0: a single '0' bit.
//   - XOR != 0, meaningful bits fit the previous window: '1' '0' then the
//     shifted XOR in the previous window's width.
//   - Otherwise: '1' '1', 5 bits of leading-zero count, 6 bits of
//     meaningful length (0 encodes 64), then the meaningful bits.
//
// NaN never reaches the encoder: the engine boundary rejects it so that
// XOR equality always implies value equality.

const (
	gorillaLeadingBits = 5
	gorillaLengthBits  = 6
	maxLeading         = 31 // leading-zero count is capped to fit 5 bits
)

// EncodeGorilla encodes a float block. Decoding requires the value count.
func EncodeGorilla(values []float64) []byte {
	w := bitio.NewWriter()
	if len(values) == 0 {
		return nil
	}

	prev := math.Float64bits(values[0])
	w.WriteBits(prev, 64)

	prevLeading, prevTrailing := -1, -1
	for _, v := range values[1:] {
		cur := math.Float64bits(v)
		xor := cur ^ prev
		prev = cur

		if xor == 0 {
			w.WriteBit(false)
			continue
		}
		w.WriteBit(true)

		leading := bits.LeadingZeros64(xor)
		if leading > maxLeading {
			leading = maxLeading
		}
		trailing := bits.TrailingZeros64(xor)

		if prevLeading >= 0 && leading >= prevLeading && trailing >= prevTrailing {
			// Fits the previous meaningful window.
			w.WriteBit(false)
			meaningful := 64 - prevLeading - prevTrailing
			w.WriteBits(xor>>uint(prevTrailing), uint(meaningful))
			continue
		}

		w.WriteBit(true)
		meaningful := 64 - leading - trailing
		w.WriteBits(uint64(leading), gorillaLeadingBits)
		w.WriteBits(uint64(meaningful&63), gorillaLengthBits) // 64 encodes as 0
		w.WriteBits(xor>>uint(trailing), uint(meaningful))
		prevLeading, prevTrailing = leading, trailing
	}

	w.AlignByte()
	return w.Bytes()
}

// DecodeGorilla decodes count values from a Gorilla stream.
func DecodeGorilla(buf []byte, count int) ([]float64, error) {
	if count == 0 {
		return nil, nil
	}
	r := bitio.NewReader(buf, len(buf)*8)

	first, err := r.ReadBits(64)
	if err != nil {
		return nil, errors.Wrap(err, "gorilla first value")
	}

	values := make([]float64, 0, count)
	values = append(values, math.Float64frombits(first))

	prev := first
	leading, trailing := 0, 0
	for len(values) < count {
		same, err := r.ReadBit()
		if err != nil {
			return nil, errors.Wrap(err, "gorilla control bit")
		}
		if !same {
			values = append(values, math.Float64frombits(prev))
			continue
		}

		newWindow, err := r.ReadBit()
		if err != nil {
			return nil, errors.Wrap(err, "gorilla window bit")
		}
		if newWindow {
			l, err := r.ReadBits(gorillaLeadingBits)
			if err != nil {
				return nil, errors.Wrap(err, "gorilla leading")
			}
			m, err := r.ReadBits(gorillaLengthBits)
			if err != nil {
				return nil, errors.Wrap(err, "gorilla length")
			}
			leading = int(l)
			meaningful := int(m)
			if meaningful == 0 {
				meaningful = 64
			}
			trailing = 64 - leading - meaningful
			if trailing < 0 {
				return nil, errors.Wrap(errors.ErrShortStream, "gorilla window out of range")
			}
		}

		meaningful := 64 - leading - trailing
		xor, err := r.ReadBits(uint(meaningful))
		if err != nil {
			return nil, errors.Wrap(err, "gorilla xor bits")
		}
		prev ^= xor << uint(trailing)
		values = append(values, math.Float64frombits(prev))
	}

	return values, nil
}
