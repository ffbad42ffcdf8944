package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"imageflow/fp8"
)

// Dtype is a checkpoint tensor element format.
type Dtype int

const (
	DtypeInvalid Dtype = iota
	DtypeF32
	DtypeF16
	DtypeBF16
	DtypeFP8E4M3
	DtypeFP8E5M2
)

// ParseDtype maps a safetensors dtype tag to a Dtype.
func ParseDtype(s string) (Dtype, error) {
	switch s {
	case "F32", "FLOAT32":
		return DtypeF32, nil
	case "F16", "FLOAT16":
		return DtypeF16, nil
	case "BF16", "BFLOAT16":
		return DtypeBF16, nil
	case "F8_E4M3":
		return DtypeFP8E4M3, nil
	case "F8_E5M2":
		return DtypeFP8E5M2, nil
	default:
		return DtypeInvalid, fmt.Errorf("unknown data type: %s", s)
	}
}

func (d Dtype) String() string {
	switch d {
	case DtypeF32:
		return "F32"
	case DtypeF16:
		return "F16"
	case DtypeBF16:
		return "BF16"
	case DtypeFP8E4M3:
		return "F8_E4M3"
	case DtypeFP8E5M2:
		return "F8_E5M2"
	default:
		return "invalid"
	}
}

// Size returns the byte width of one element.
func (d Dtype) Size() int {
	switch d {
	case DtypeF32:
		return 4
	case DtypeF16, DtypeBF16:
		return 2
	case DtypeFP8E4M3, DtypeFP8E5M2:
		return 1
	default:
		return 0
	}
}

// IsFP8 reports whether d is an 8-bit floating point format.
func (d Dtype) IsFP8() bool {
	return d == DtypeFP8E4M3 || d == DtypeFP8E5M2
}

// FromBytes decodes a raw little-endian payload into a float32 tensor.
func FromBytes(raw []byte, dtype Dtype, shape []int32) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	if want := n * dtype.Size(); want != len(raw) {
		return nil, fmt.Errorf("payload is %d bytes, want %d for %v %s", len(raw), want, shape, dtype)
	}

	f32s, err := DecodeFloat32(raw, dtype)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(shape))
	copy(out, shape)
	return &Tensor{Data: f32s, Shape: out}, nil
}

// DecodeFloat32 converts a raw payload in the given element format to float32s.
func DecodeFloat32(raw []byte, dtype Dtype) ([]float32, error) {
	switch dtype {
	case DtypeF32:
		f32s := make([]float32, len(raw)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return f32s, nil
	case DtypeF16:
		f32s := make([]float32, len(raw)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return f32s, nil
	case DtypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	case DtypeFP8E4M3:
		return fp8.E4M3ToFloat32s(raw), nil
	case DtypeFP8E5M2:
		return fp8.E5M2ToFloat32s(raw), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

// EncodeFloat32 converts float32 values into a raw payload in the given
// element format. Used by tooling and tests to produce checkpoints.
func EncodeFloat32(f32s []float32, dtype Dtype) ([]byte, error) {
	switch dtype {
	case DtypeF32:
		raw := make([]byte, len(f32s)*4)
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
		}
		return raw, nil
	case DtypeF16:
		raw := make([]byte, len(f32s)*2)
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(f).Bits())
		}
		return raw, nil
	case DtypeBF16:
		return bfloat16.EncodeFloat32(f32s), nil
	case DtypeFP8E4M3:
		raw := make([]byte, len(f32s))
		for i, f := range f32s {
			raw[i] = fp8.FromFloat32E4M3(f)
		}
		return raw, nil
	case DtypeFP8E5M2:
		raw := make([]byte, len(f32s))
		for i, f := range f32s {
			raw[i] = fp8.FromFloat32E5M2(f)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}
