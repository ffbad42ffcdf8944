package nn

import (
	"fmt"

	"imageflow/fp8"
	"imageflow/tensor"
)

// ScaledFP8Linear is a linear layer whose weight is stored as an FP8 payload
// with a per-tensor scale. The payload is kept at one byte per element;
// dequantization into float32 happens inside Forward and the widened copy is
// discarded when the call returns.
type ScaledFP8Linear struct {
	in, out int32
	payload []byte
	format  tensor.Dtype
	scale   float32
	Bias    *tensor.Tensor

	scratch []float32
}

// NewScaledFP8Linear creates an empty scaled FP8 linear. The weight is
// installed with SetWeight.
func NewScaledFP8Linear(in, out int32) *ScaledFP8Linear {
	return &ScaledFP8Linear{in: in, out: out}
}

// SetWeight installs the compact payload and its scale. The payload is stored
// verbatim, without precision conversion. The element count must equal
// in*out or a ShapeMismatchError is returned.
func (l *ScaledFP8Linear) SetWeight(payload []byte, format tensor.Dtype, scale float32) error {
	if !format.IsFP8() {
		return fmt.Errorf("scaled linear requires an FP8 payload, got %s", format)
	}
	if int64(len(payload)) != int64(l.in)*int64(l.out) {
		return &ShapeMismatchError{
			Name: "fp8 weight",
			Want: []int32{l.out, l.in},
			Got:  []int32{int32(len(payload))},
		}
	}
	l.payload = payload
	l.format = format
	l.scale = scale
	return nil
}

// Forward dequantizes the weight into working precision, applies the linear
// transform and adds the bias if present.
func (l *ScaledFP8Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	w := l.dequantize()
	out := tensor.MatMulT(x, w)
	if l.Bias != nil {
		addBiasRows(out, l.Bias)
	}
	return out
}

func (l *ScaledFP8Linear) dequantize() *tensor.Tensor {
	if cap(l.scratch) < len(l.payload) {
		l.scratch = make([]float32, len(l.payload))
	}
	var f32s []float32
	switch l.format {
	case tensor.DtypeFP8E4M3:
		f32s = fp8.AppendE4M3ToFloat32s(l.scratch, l.payload)
	default:
		f32s = l.scratch[:0]
		for _, b := range l.payload {
			f32s = append(f32s, fp8.E5M2ToFloat32(b))
		}
	}
	for i := range f32s {
		f32s[i] *= l.scale
	}
	l.scratch = f32s
	return tensor.New(f32s, l.out, l.in)
}

// Scale returns the per-tensor dequantization scale.
func (l *ScaledFP8Linear) Scale() float32 { return l.scale }

func (l *ScaledFP8Linear) InFeatures() int32  { return l.in }
func (l *ScaledFP8Linear) OutFeatures() int32 { return l.out }

// FP8Linear is a linear layer whose weight is stored as an FP8 payload with
// no scale: dequantization is a direct format cast. Storage behaves like
// ScaledFP8Linear.
type FP8Linear struct {
	in, out int32
	payload []byte
	format  tensor.Dtype
	Bias    *tensor.Tensor

	scratch []float32
}

// NewFP8Linear creates an empty unscaled FP8 linear.
func NewFP8Linear(in, out int32) *FP8Linear {
	return &FP8Linear{in: in, out: out}
}

// SetWeight installs the compact payload. The element count must equal
// in*out or a ShapeMismatchError is returned.
func (l *FP8Linear) SetWeight(payload []byte, format tensor.Dtype) error {
	if !format.IsFP8() {
		return fmt.Errorf("fp8 linear requires an FP8 payload, got %s", format)
	}
	if int64(len(payload)) != int64(l.in)*int64(l.out) {
		return &ShapeMismatchError{
			Name: "fp8 weight",
			Want: []int32{l.out, l.in},
			Got:  []int32{int32(len(payload))},
		}
	}
	l.payload = payload
	l.format = format
	return nil
}

// Forward casts the weight to working precision, applies the linear
// transform and adds the bias if present.
func (l *FP8Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	if cap(l.scratch) < len(l.payload) {
		l.scratch = make([]float32, len(l.payload))
	}
	var f32s []float32
	switch l.format {
	case tensor.DtypeFP8E4M3:
		f32s = fp8.AppendE4M3ToFloat32s(l.scratch, l.payload)
	default:
		f32s = l.scratch[:0]
		for _, b := range l.payload {
			f32s = append(f32s, fp8.E5M2ToFloat32(b))
		}
	}
	l.scratch = f32s

	w := tensor.New(f32s, l.out, l.in)
	out := tensor.MatMulT(x, w)
	if l.Bias != nil {
		addBiasRows(out, l.Bias)
	}
	return out
}

func (l *FP8Linear) InFeatures() int32  { return l.in }
func (l *FP8Linear) OutFeatures() int32 { return l.out }
