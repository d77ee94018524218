package codec

import (
	"github.com/nimbusdb/nimbus/internal/errors"
)

// EncodePresence packs a presence vector into bytes, one bit per row,
// MSB-first. A set bit means the row carries a value.
func EncodePresence(present []bool) []byte {
	out := make([]byte, (len(present)+7)/8)
	for i, p := range present {
		if p {
			out[i>>3] |= 1 << (7 - uint(i&7))
		}
	}
	return out
}

// DecodePresence unpacks a presence vector of rowCount bits.
func DecodePresence(buf []byte, rowCount int) ([]bool, error) {
	if len(buf) < (rowCount+7)/8 {
		return nil, errors.Wrap(errors.ErrShortStream, "presence vector")
	}
	out := make([]bool, rowCount)
	for i := range out {
		out[i] = buf[i>>3]>>(7-uint(i&7))&1 == 1
	}
	return out, nil
}

// CountPresent returns the number of set bits in a presence vector.
func CountPresent(present []bool) int {
	n := 0
	for _, p := range present {
		if p {
			n++
		}
	}
	return n
}
