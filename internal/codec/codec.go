// Package codec implements the columnar compression codecs used by chunk
// files: Gorilla XOR for floats, delta-of-delta for timestamps, scaled
// quantization with run-length encoding for angles and percentages, and a
// general-purpose block compression wrapper.
//
// Codecs operate on blocks of present values only; a bit-packed presence
// vector stored alongside each block records which rows carry a value.
package codec

import (
	"github.com/nimbusdb/nimbus/internal/errors"
	"github.com/nimbusdb/nimbus/internal/schema"
)

// Codec identifies a column encoding. The value is stored in the chunk
// column descriptor and selects the decoder at read time.
type Codec uint8

const (
	// CodecRawI64 stores 64-bit integers uncompressed.
	CodecRawI64 Codec = iota
	// CodecGorillaF64 is XOR-based float compression.
	CodecGorillaF64
	// CodecDeltaDeltaI64 encodes second differences of a timestamp column.
	CodecDeltaDeltaI64
	// CodecU16Angle quantizes compass angles to 9 bits plus RLE.
	CodecU16Angle
	// CodecU8Percent quantizes percentages to 7 bits plus RLE.
	CodecU8Percent
)

// String returns the codec name as used in logs.
func (c Codec) String() string {
	switch c {
	case CodecRawI64:
		return "raw_i64"
	case CodecGorillaF64:
		return "gorilla_f64"
	case CodecDeltaDeltaI64:
		return "delta_delta_i64"
	case CodecU16Angle:
		return "u16_angle"
	case CodecU8Percent:
		return "u8_percent"
	default:
		return "unknown"
	}
}

// ForKind returns the codec used for a column of the given kind. The
// column type fixes the codec at build time; no dispatch happens on the
// hot encode path.
func ForKind(k schema.ValueKind) Codec {
	switch k {
	case schema.KindF64:
		return CodecGorillaF64
	case schema.KindI64:
		return CodecRawI64
	case schema.KindU16Angle:
		return CodecU16Angle
	case schema.KindU8Percent:
		return CodecU8Percent
	default:
		return CodecRawI64
	}
}

// Block holds the decoded values of one column block. Only the slice
// matching the column's kind is populated, and it contains present values
// only (nulls are recorded in the presence vector).
type Block struct {
	F64 []float64
	I64 []int64
	U16 []uint16
	U8  []uint8
}

// Len returns the number of present values in the block.
func (b Block) Len() int {
	switch {
	case b.F64 != nil:
		return len(b.F64)
	case b.I64 != nil:
		return len(b.I64)
	case b.U16 != nil:
		return len(b.U16)
	case b.U8 != nil:
		return len(b.U8)
	}
	return 0
}

// EncodeBlock encodes a block with the given codec.
func EncodeBlock(c Codec, b Block) ([]byte, error) {
	switch c {
	case CodecRawI64:
		return EncodeRawI64(b.I64), nil
	case CodecGorillaF64:
		return EncodeGorilla(b.F64), nil
	case CodecDeltaDeltaI64:
		return EncodeDeltaDelta(b.I64)
	case CodecU16Angle:
		return EncodeQuantized(widenU16(b.U16), AngleBits), nil
	case CodecU8Percent:
		return EncodeQuantized(widenU8(b.U8), PercentBits), nil
	default:
		return nil, errors.Wrapf(errors.ErrBadVersion, "codec %d", c)
	}
}

// DecodeBlock decodes count values previously produced by EncodeBlock.
func DecodeBlock(c Codec, buf []byte, count int) (Block, error) {
	switch c {
	case CodecRawI64:
		vs, err := DecodeRawI64(buf, count)
		return Block{I64: vs}, err
	case CodecGorillaF64:
		vs, err := DecodeGorilla(buf, count)
		return Block{F64: vs}, err
	case CodecDeltaDeltaI64:
		vs, err := DecodeDeltaDelta(buf, count)
		return Block{I64: vs}, err
	case CodecU16Angle:
		vs, err := DecodeQuantized(buf, AngleBits, count)
		if err != nil {
			return Block{}, err
		}
		return Block{U16: narrowU16(vs)}, nil
	case CodecU8Percent:
		vs, err := DecodeQuantized(buf, PercentBits, count)
		if err != nil {
			return Block{}, err
		}
		return Block{U8: narrowU8(vs)}, nil
	default:
		return Block{}, errors.Wrapf(errors.ErrBadVersion, "codec %d", c)
	}
}

func widenU16(vs []uint16) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

func widenU8(vs []uint8) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

func narrowU16(vs []uint64) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = uint16(v)
	}
	return out
}

func narrowU8(vs []uint64) []uint8 {
	out := make([]uint8, len(vs))
	for i, v := range vs {
		out[i] = uint8(v)
	}
	return out
}
