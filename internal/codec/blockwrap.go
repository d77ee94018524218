package codec

import (
	"encoding/binary"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/nimbusdb/nimbus/internal/errors"
)

// General-purpose block compression wrapper. Each encoded column block may
// be wrapped with a byte compressor when the entropy of the bit stream
// leaves at least 10% on the table. The wrapped layout is:
//
//	tag(1) | rawLen(u32 LE) | payload
//
// Tag values are part of the chunk format.
const (
	// WrapIdentity leaves the block uncompressed.
	WrapIdentity byte = 0
	// WrapZstd compresses with zstd.
	WrapZstd byte = 1
	// WrapLZ4 compresses with lz4 block format.
	WrapLZ4 byte = 2

	wrapHeaderSize = 5

	// wrapGainThreshold: a compressor is only kept when the output is at
	// most 90% of the input.
	wrapGainNum = 9
	wrapGainDen = 10
)

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func decoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// WrapBlock wraps an encoded block, choosing the compressor that clears
// the gain threshold. With enable=false the identity wrap is used.
func WrapBlock(raw []byte, enable bool) []byte {
	out := make([]byte, wrapHeaderSize, wrapHeaderSize+len(raw))
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(raw)))

	if enable && len(raw) > 0 {
		limit := len(raw) * wrapGainNum / wrapGainDen

		if z := encoder().EncodeAll(raw, nil); len(z) <= limit {
			out[0] = WrapZstd
			return append(out, z...)
		}

		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		if n, err := lz4.CompressBlock(raw, dst, nil); err == nil && n > 0 && n <= limit {
			out[0] = WrapLZ4
			return append(out, dst[:n]...)
		}
	}

	out[0] = WrapIdentity
	return append(out, raw...)
}

// UnwrapBlock reverses WrapBlock.
func UnwrapBlock(wrapped []byte) ([]byte, error) {
	if len(wrapped) < wrapHeaderSize {
		return nil, errors.Wrap(errors.ErrShortStream, "block wrap header")
	}
	tag := wrapped[0]
	rawLen := int(binary.LittleEndian.Uint32(wrapped[1:5]))
	payload := wrapped[wrapHeaderSize:]

	switch tag {
	case WrapIdentity:
		if len(payload) != rawLen {
			return nil, errors.Wrap(errors.ErrShortStream, "identity block length")
		}
		return payload, nil
	case WrapZstd:
		raw, err := decoder().DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.Wrap(errors.ErrShortStream, "zstd block")
		}
		if len(raw) != rawLen {
			return nil, errors.Wrap(errors.ErrShortStream, "zstd block length")
		}
		return raw, nil
	case WrapLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil || n != rawLen {
			return nil, errors.Wrap(errors.ErrShortStream, "lz4 block")
		}
		return raw, nil
	default:
		return nil, errors.Wrapf(errors.ErrBadVersion, "block wrap tag %d", tag)
	}
}
