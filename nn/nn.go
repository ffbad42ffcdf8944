// Package nn provides the neural network layers used by the diffusion
// transformer: dense and FP8-quantized linear transforms and RMS
// normalization. Quantized layers keep their weights in the compact 8-bit
// payload and dequantize transiently on each forward call.
package nn

import (
	"fmt"
	"math"

	"imageflow/tensor"
)

// ShapeMismatchError reports a tensor whose shape disagrees with what the
// model graph declared for it.
type ShapeMismatchError struct {
	Name string
	Want []int32
	Got  []int32
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: want %v, got %v", e.Name, e.Want, e.Got)
}

// LinearLayer is a linear transform y = W @ x + b. Implemented by Linear,
// ScaledFP8Linear and FP8Linear so model code is agnostic to storage.
type LinearLayer interface {
	// Forward applies the transform to x of shape [n, in] -> [n, out].
	Forward(x *tensor.Tensor) *tensor.Tensor
	// InFeatures returns the input dimension.
	InFeatures() int32
	// OutFeatures returns the output dimension.
	OutFeatures() int32
}

// Linear is a dense linear layer with weight stored as [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear creates a linear layer from a weight [out, in] and optional bias.
func NewLinear(weight, bias *tensor.Tensor) *Linear {
	return &Linear{Weight: weight, Bias: bias}
}

// Forward computes x @ W.T + b.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.MatMulT(x, l.Weight)
	if l.Bias != nil {
		addBiasRows(out, l.Bias)
	}
	return out
}

func (l *Linear) InFeatures() int32  { return l.Weight.Shape[1] }
func (l *Linear) OutFeatures() int32 { return l.Weight.Shape[0] }

// addBiasRows adds a [out] bias to every row of a [n, out] tensor in place.
func addBiasRows(x *tensor.Tensor, bias *tensor.Tensor) {
	cols := int(x.Shape[1])
	for r := 0; r < int(x.Shape[0]); r++ {
		row := x.Data[r*cols : (r+1)*cols]
		for i := range row {
			row[i] += bias.Data[i]
		}
	}
}

// RMSNorm is root-mean-square normalization with a learned scale.
type RMSNorm struct {
	Weight *tensor.Tensor
	Eps    float32
}

// NewRMSNorm creates an RMSNorm layer.
func NewRMSNorm(weight *tensor.Tensor, eps float32) *RMSNorm {
	return &RMSNorm{Weight: weight, Eps: eps}
}

// Forward normalizes the last axis of x. If eps is 0 the stored Eps is used.
func (n *RMSNorm) Forward(x *tensor.Tensor, eps float32) *tensor.Tensor {
	if eps == 0 {
		eps = n.Eps
	}
	dim := int(x.Dim(-1))
	out := tensor.Zeros(x.Shape...)
	for off := 0; off < len(x.Data); off += dim {
		row := x.Data[off : off+dim]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv := 1 / float32(math.Sqrt(ss/float64(dim)+float64(eps)))
		dst := out.Data[off : off+dim]
		for i, v := range row {
			dst[i] = v * inv * n.Weight.Data[i]
		}
	}
	return out
}
