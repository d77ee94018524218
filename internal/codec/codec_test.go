package codec

import (
	"math"
	"math/rand"
	"testing"
)

func TestGorillaRoundTrip(t *testing.T) {
	cases := map[string][]float64{
		"single":     {18.5},
		"constant":   {1013.25, 1013.25, 1013.25, 1013.25},
		"increasing": {0, 0.5, 1.0, 1.5, 2.0, 2.5},
		"mixed":      {288.15, 288.65, 287.9, 288.15, -3.5, 0, 1e-9, 1e12},
		"negatives":  {-40.0, -39.5, -41.2, -40.0},
	}

	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			enc := EncodeGorilla(values)
			dec, err := DecodeGorilla(enc, len(values))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(dec) != len(values) {
				t.Fatalf("expected %d values, got %d", len(values), len(dec))
			}
			for i := range values {
				if math.Float64bits(dec[i]) != math.Float64bits(values[i]) {
					t.Errorf("value %d: got %v, want %v", i, dec[i], values[i])
				}
			}
		})
	}
}

func TestGorillaRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 5000)
	for i := range values {
		values[i] = rng.NormFloat64() * 100
	}

	dec, err := DecodeGorilla(EncodeGorilla(values), len(values))
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if dec[i] != values[i] {
			t.Fatalf("value %d: got %v, want %v", i, dec[i], values[i])
		}
	}
}

// A synthetic station day: temperature oscillating +-0.5K around 288K,
// sampled per minute for 24h, must average at most 1.5 bits per value.
func TestGorillaCompressionBound(t *testing.T) {
	const samples = 24 * 60
	values := make([]float64, samples)
	for i := range values {
		v := 288.0 + 0.5*math.Sin(float64(i)*2*math.Pi/float64(samples))
		// Quarter-degree sensor resolution: consecutive readings repeat
		// for long stretches, which is what Gorilla exploits.
		values[i] = math.Round(v*4) / 4
	}

	enc := EncodeGorilla(values)
	bitsPerValue := float64(len(enc)*8) / float64(samples)
	if bitsPerValue > 1.5 {
		t.Errorf("gorilla produced %.2f bits/value, want <= 1.5", bitsPerValue)
	}

	dec, err := DecodeGorilla(enc, samples)
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if dec[i] != values[i] {
			t.Fatalf("value %d: got %v, want %v", i, dec[i], values[i])
		}
	}
}

func TestDeltaDeltaRoundTrip(t *testing.T) {
	base := int64(1735814400000000) // 2025-01-02T10:40:00Z in micros

	cases := map[string][]int64{
		"single":  {base},
		"pair":    {base, base + 60_000_000},
		"regular": {base, base + 60_000_000, base + 120_000_000, base + 180_000_000},
		"jitter":  {base, base + 60_000_001, base + 119_999_998, base + 180_000_030},
		"gap": {
			base,
			base + 60_000_000,
			base + 120_000_000,
			base + 7_200_000_000, // station back after 2h: dod past the 32-bit window
			base + 7_260_000_000,
		},
		"large_first_delta": {base, base + 43_200_000_000},
		"duplicates":        {base, base, base},
	}

	for name, ts := range cases {
		t.Run(name, func(t *testing.T) {
			enc, err := EncodeDeltaDelta(ts)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			dec, err := DecodeDeltaDelta(enc, len(ts))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(dec) != len(ts) {
				t.Fatalf("expected %d timestamps, got %d", len(ts), len(dec))
			}
			for i := range ts {
				if dec[i] != ts[i] {
					t.Errorf("ts %d: got %d, want %d", i, dec[i], ts[i])
				}
			}
		})
	}
}

func TestDeltaDeltaAllPrefixPaths(t *testing.T) {
	base := int64(1_000_000_000)
	deltas := []int64{
		1000, 1000, // dod 0
		1050, // dod 50: 7-bit path
		1300, // dod 250: 9-bit path
		3000, // dod 1700: 12-bit path
		1_000_000, // dod ~1M: 32-bit path
		5_000_000_000, // dod ~5e9: 64-bit escape
	}

	ts := []int64{base}
	for _, d := range deltas {
		ts = append(ts, ts[len(ts)-1]+d)
	}

	enc, err := EncodeDeltaDelta(ts)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeDeltaDelta(enc, len(ts))
	if err != nil {
		t.Fatal(err)
	}
	for i := range ts {
		if dec[i] != ts[i] {
			t.Fatalf("ts %d: got %d, want %d", i, dec[i], ts[i])
		}
	}
}

func TestDeltaDeltaRegularSequenceCompresses(t *testing.T) {
	ts := make([]int64, 1024)
	for i := range ts {
		ts[i] = int64(i) * 60_000_000
	}

	enc, err := EncodeDeltaDelta(ts)
	if err != nil {
		t.Fatal(err)
	}
	// Per-minute sampling: beyond the header, every dod is a single bit.
	if len(enc) > 16+len(ts)/8+1 {
		t.Errorf("regular sequence encoded to %d bytes", len(enc))
	}
}

func TestQuantizedRoundTrip(t *testing.T) {
	cases := map[string]struct {
		values []uint64
		width  uint
	}{
		"angles":        {[]uint64{0, 359, 180, 180, 180, 90}, AngleBits},
		"percent":       {[]uint64{0, 100, 72, 72, 72, 72, 72, 13}, PercentBits},
		"single":        {[]uint64{42}, AngleBits},
		"all_identical": {[]uint64{270, 270, 270, 270, 270, 270}, AngleBits},
		"sentinels":     {[]uint64{AngleNull, AngleNull, 10}, AngleBits},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			enc := EncodeQuantized(c.values, c.width)
			dec, err := DecodeQuantized(enc, c.width, len(c.values))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			for i := range c.values {
				if dec[i] != c.values[i] {
					t.Errorf("value %d: got %d, want %d", i, dec[i], c.values[i])
				}
			}
		})
	}
}

func TestQuantizedRunCompression(t *testing.T) {
	// A steady wind direction for a whole block should collapse to a
	// single run group.
	values := make([]uint64, 1024)
	for i := range values {
		values[i] = 225
	}

	enc := EncodeQuantized(values, AngleBits)
	if len(enc) > 8 {
		t.Errorf("1024 identical angles encoded to %d bytes", len(enc))
	}

	dec, err := DecodeQuantized(enc, AngleBits, len(values))
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if dec[i] != values[i] {
			t.Fatalf("value %d: got %d, want %d", i, dec[i], values[i])
		}
	}
}

func TestRawI64RoundTrip(t *testing.T) {
	values := []int64{0, -1, math.MaxInt64, math.MinInt64, 842}
	dec, err := DecodeRawI64(EncodeRawI64(values), len(values))
	if err != nil {
		t.Fatal(err)
	}
	for i := range values {
		if dec[i] != values[i] {
			t.Errorf("value %d: got %d, want %d", i, dec[i], values[i])
		}
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	present := make([]bool, 1027)
	for i := range present {
		present[i] = i%3 == 0
	}

	enc := EncodePresence(present)
	dec, err := DecodePresence(enc, len(present))
	if err != nil {
		t.Fatal(err)
	}
	for i := range present {
		if dec[i] != present[i] {
			t.Fatalf("row %d: got %v, want %v", i, dec[i], present[i])
		}
	}

	if got := CountPresent(present); got != 343 {
		t.Errorf("CountPresent = %d, want 343", got)
	}
}

func TestPresenceShortBuffer(t *testing.T) {
	if _, err := DecodePresence([]byte{0xFF}, 100); err == nil {
		t.Error("expected error for short presence buffer")
	}
}

func TestWrapBlockRoundTrip(t *testing.T) {
	compressible := make([]byte, 4096)
	for i := range compressible {
		compressible[i] = byte(i % 7)
	}

	rng := rand.New(rand.NewSource(3))
	incompressible := make([]byte, 4096)
	rng.Read(incompressible)

	cases := map[string]struct {
		data    []byte
		enable  bool
		wantTag byte
	}{
		"disabled":       {compressible, false, WrapIdentity},
		"compressible":   {compressible, true, WrapZstd},
		"incompressible": {incompressible, true, WrapIdentity},
		"empty":          {nil, true, WrapIdentity},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			wrapped := WrapBlock(c.data, c.enable)
			if wrapped[0] != c.wantTag {
				t.Errorf("tag = %d, want %d", wrapped[0], c.wantTag)
			}
			raw, err := UnwrapBlock(wrapped)
			if err != nil {
				t.Fatalf("unwrap: %v", err)
			}
			if len(raw) != len(c.data) {
				t.Fatalf("length = %d, want %d", len(raw), len(c.data))
			}
			for i := range c.data {
				if raw[i] != c.data[i] {
					t.Fatalf("byte %d differs", i)
				}
			}
		})
	}
}

func TestUnwrapBlockBadTag(t *testing.T) {
	wrapped := WrapBlock([]byte{1, 2, 3}, false)
	wrapped[0] = 99
	if _, err := UnwrapBlock(wrapped); err == nil {
		t.Error("expected error for unknown wrap tag")
	}
}

func TestEncodeDecodeBlockDispatch(t *testing.T) {
	f64 := Block{F64: []float64{1.5, 2.5, 2.5}}
	enc, err := EncodeBlock(CodecGorillaF64, f64)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeBlock(CodecGorillaF64, enc, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.F64) != 3 || dec.F64[2] != 2.5 {
		t.Errorf("gorilla dispatch: %v", dec.F64)
	}

	ang := Block{U16: []uint16{10, 10, 350}}
	enc, err = EncodeBlock(CodecU16Angle, ang)
	if err != nil {
		t.Fatal(err)
	}
	dec, err = DecodeBlock(CodecU16Angle, enc, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.U16) != 3 || dec.U16[2] != 350 {
		t.Errorf("angle dispatch: %v", dec.U16)
	}
}
