// Package fp8 converts between 8-bit floating point formats and float32.
//
// Two formats are supported: E4M3 (4 exponent bits, 3 mantissa bits, bias 7)
// and E5M2 (5 exponent bits, 2 mantissa bits, bias 15). E4M3 has no infinity
// encoding; the all-ones exponent with an all-ones mantissa is NaN. E5M2
// follows IEEE conventions with infinities and NaNs.
package fp8

import (
	"math"
	"sort"
)

var (
	e4m3Table [256]float32
	e5m2Table [256]float32

	// Finite values sorted ascending, used for round-to-nearest encoding.
	e4m3Sorted []tableEntry
	e5m2Sorted []tableEntry
)

type tableEntry struct {
	value float32
	bits  uint8
}

func init() {
	for i := 0; i < 256; i++ {
		e4m3Table[i] = decodeE4M3(uint8(i))
		e5m2Table[i] = decodeE5M2(uint8(i))
	}
	e4m3Sorted = sortedFinite(e4m3Table[:])
	e5m2Sorted = sortedFinite(e5m2Table[:])
}

func decodeE4M3(b uint8) float32 {
	sign := float64(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>3) & 0xF
	man := int(b) & 0x7

	switch {
	case exp == 0xF && man == 0x7:
		return float32(math.NaN())
	case exp == 0:
		// Subnormal: man/8 * 2^-6
		return float32(sign * float64(man) / 8 * math.Pow(2, -6))
	default:
		return float32(sign * (1 + float64(man)/8) * math.Pow(2, float64(exp-7)))
	}
}

func decodeE5M2(b uint8) float32 {
	sign := float64(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>2) & 0x1F
	man := int(b) & 0x3

	switch {
	case exp == 0x1F && man != 0:
		return float32(math.NaN())
	case exp == 0x1F:
		return float32(sign * math.Inf(1))
	case exp == 0:
		// Subnormal: man/4 * 2^-14
		return float32(sign * float64(man) / 4 * math.Pow(2, -14))
	default:
		return float32(sign * (1 + float64(man)/4) * math.Pow(2, float64(exp-15)))
	}
}

func sortedFinite(table []float32) []tableEntry {
	entries := make([]tableEntry, 0, len(table))
	for i, v := range table {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		entries = append(entries, tableEntry{value: v, bits: uint8(i)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].value < entries[j].value })
	return entries
}

// E4M3ToFloat32 converts a single E4M3 byte to float32.
func E4M3ToFloat32(b uint8) float32 { return e4m3Table[b] }

// E5M2ToFloat32 converts a single E5M2 byte to float32.
func E5M2ToFloat32(b uint8) float32 { return e5m2Table[b] }

// E4M3ToFloat32s converts a slice of E4M3 bytes to float32 values.
func E4M3ToFloat32s(bs []byte) []float32 {
	f32s := make([]float32, len(bs))
	for i, b := range bs {
		f32s[i] = e4m3Table[b]
	}
	return f32s
}

// E5M2ToFloat32s converts a slice of E5M2 bytes to float32 values.
func E5M2ToFloat32s(bs []byte) []float32 {
	f32s := make([]float32, len(bs))
	for i, b := range bs {
		f32s[i] = e5m2Table[b]
	}
	return f32s
}

// AppendE4M3ToFloat32s decodes bs into dst, which must have len(bs) capacity.
// Used by callers that reuse a scratch buffer across conversions.
func AppendE4M3ToFloat32s(dst []float32, bs []byte) []float32 {
	dst = dst[:0]
	for _, b := range bs {
		dst = append(dst, e4m3Table[b])
	}
	return dst
}

// FromFloat32E4M3 encodes f as the nearest representable E4M3 value.
// Values beyond the format's range saturate to the largest finite magnitude.
func FromFloat32E4M3(f float32) uint8 { return encodeNearest(e4m3Sorted, f, 0x7F) }

// FromFloat32E5M2 encodes f as the nearest representable E5M2 value.
// Values beyond the format's range saturate to the largest finite magnitude.
func FromFloat32E5M2(f float32) uint8 { return encodeNearest(e5m2Sorted, f, 0x7E) }

// FromFloat32sE4M3 encodes a slice of float32 values as E4M3 bytes.
func FromFloat32sE4M3(f32s []float32) []byte {
	bs := make([]byte, len(f32s))
	for i, f := range f32s {
		bs[i] = FromFloat32E4M3(f)
	}
	return bs
}

func encodeNearest(table []tableEntry, f float32, nan uint8) uint8 {
	if math.IsNaN(float64(f)) {
		return nan
	}

	i := sort.Search(len(table), func(i int) bool { return table[i].value >= f })
	switch {
	case i == 0:
		return table[0].bits
	case i == len(table):
		return table[len(table)-1].bits
	}

	lo, hi := table[i-1], table[i]
	if f-lo.value <= hi.value-f {
		return lo.bits
	}
	return hi.bits
}
