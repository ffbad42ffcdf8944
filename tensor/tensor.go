// Package tensor provides a small dense tensor type in float32 working
// precision, with the operations the diffusion transformer needs. Matrix
// products are backed by gonum's BLAS implementation.
package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Data  []float32
	Shape []int32
}

// New creates a tensor from data with the given shape.
// The data length must match the shape's element count.
func New(data []float32, shape ...int32) *Tensor {
	t := &Tensor{Data: data, Shape: shape}
	if len(data) != t.Numel() {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return t
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape ...int32) *Tensor {
	t := &Tensor{Shape: shape}
	t.Data = make([]float32, t.Numel())
	return t
}

// Full creates a tensor filled with v.
func Full(v float32, shape ...int32) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Numel returns the number of elements implied by the shape.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Dim returns the size of axis i, supporting negative indices.
func (t *Tensor) Dim(i int) int32 {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Ndim returns the number of axes.
func (t *Tensor) Ndim() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int32, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{Data: data, Shape: shape}
}

// Reshape returns a view of t with a new shape of equal element count.
// The returned tensor shares t's backing data.
func (t *Tensor) Reshape(shape ...int32) *Tensor {
	out := &Tensor{Data: t.Data, Shape: shape}
	if out.Numel() != t.Numel() {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.Shape, shape))
	}
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MatMul computes a @ b for 2D tensors [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: matmul shape mismatch %v x %v", a.Shape, b.Shape))
	}

	out := Zeros(m, n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: int(m), Cols: int(k), Stride: int(k), Data: a.Data},
		blas32.General{Rows: int(k2), Cols: int(n), Stride: int(n), Data: b.Data},
		0,
		blas32.General{Rows: int(m), Cols: int(n), Stride: int(n), Data: out.Data})
	return out
}

// MatMulT computes a @ b.T for 2D tensors [m,k] x [n,k] -> [m,n].
// This is the linear-layer product with weights stored as [out,in].
func MatMulT(a, b *Tensor) *Tensor {
	m, k := a.Shape[0], a.Shape[1]
	n, k2 := b.Shape[0], b.Shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: matmulT shape mismatch %v x %v", a.Shape, b.Shape))
	}

	out := Zeros(m, n)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: int(m), Cols: int(k), Stride: int(k), Data: a.Data},
		blas32.General{Rows: int(n), Cols: int(k2), Stride: int(k2), Data: b.Data},
		0,
		blas32.General{Rows: int(m), Cols: int(n), Stride: int(n), Data: out.Data})
	return out
}

// Add returns a + b elementwise. Shapes must match.
func Add(a, b *Tensor) *Tensor {
	checkSameShape("add", a, b)
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Sub returns a - b elementwise. Shapes must match.
func Sub(a, b *Tensor) *Tensor {
	checkSameShape("sub", a, b)
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

// Mul returns a * b elementwise. Shapes must match.
func Mul(a, b *Tensor) *Tensor {
	checkSameShape("mul", a, b)
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// MulScalar returns t * s.
func MulScalar(t *Tensor, s float32) *Tensor {
	out := Zeros(t.Shape...)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * s
	}
	return out
}

// AddScalar returns t + s.
func AddScalar(t *Tensor, s float32) *Tensor {
	out := Zeros(t.Shape...)
	for i := range t.Data {
		out.Data[i] = t.Data[i] + s
	}
	return out
}

// SiLU applies x * sigmoid(x) elementwise.
func SiLU(t *Tensor) *Tensor {
	out := Zeros(t.Shape...)
	for i, x := range t.Data {
		out.Data[i] = x / (1 + float32(math.Exp(-float64(x))))
	}
	return out
}

// Tanh applies tanh elementwise.
func Tanh(t *Tensor) *Tensor {
	out := Zeros(t.Shape...)
	for i, x := range t.Data {
		out.Data[i] = float32(math.Tanh(float64(x)))
	}
	return out
}

// SoftmaxRows applies softmax along the last axis of a 2D tensor in place
// and returns t.
func SoftmaxRows(t *Tensor) *Tensor {
	rows, cols := int(t.Shape[0]), int(t.Shape[1])
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		maxv := row[0]
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	}
	return t
}

// Concat concatenates tensors along axis 0. All trailing dimensions must match.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: concat of nothing")
	}
	inner := ts[0].Numel() / int(ts[0].Shape[0])
	var rows int32
	for _, t := range ts {
		if t.Numel()/int(t.Shape[0]) != inner {
			panic(fmt.Sprintf("tensor: concat inner size mismatch %v vs %v", ts[0].Shape, t.Shape))
		}
		rows += t.Shape[0]
	}

	shape := make([]int32, len(ts[0].Shape))
	copy(shape, ts[0].Shape)
	shape[0] = rows

	out := Zeros(shape...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out
}

// Row returns row r of a 2D tensor as a view.
func (t *Tensor) Row(r int32) *Tensor {
	cols := t.Shape[1]
	return &Tensor{Data: t.Data[r*cols : (r+1)*cols], Shape: []int32{1, cols}}
}

// Batch returns batch b of a 3D tensor [B, L, D] as a 2D view [L, D].
func (t *Tensor) Batch(b int32) *Tensor {
	size := int(t.Shape[1]) * int(t.Shape[2])
	return &Tensor{
		Data:  t.Data[int(b)*size : (int(b)+1)*size],
		Shape: []int32{t.Shape[1], t.Shape[2]},
	}
}

// RandomNormal creates a tensor of standard normal samples from a seeded
// generator. The same seed always produces the same tensor.
func RandomNormal(seed int64, shape ...int32) *Tensor {
	out := Zeros(shape...)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9E3779B97F4A7C15))
	for i := range out.Data {
		out.Data[i] = float32(rng.NormFloat64())
	}
	return out
}

func checkSameShape(op string, a, b *Tensor) {
	if !SameShape(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.Shape, b.Shape))
	}
}
