// Package tensor provides the float32 N-dimensional tensor shared by the
// lip-sync pipeline components.
//
// Tensors are dense, contiguous, row-major float32 buffers with an explicit
// shape. The diffusion sampler, the latent codec, and the model backends all
// exchange data through this type, so the precision of every arithmetic
// helper here is what determines step-to-step consistency of the sampling
// loop.
//
// # Thread Safety
//
// A Tensor is not safe for concurrent mutation. Read-only sharing (e.g. the
// null audio embedding distributed to parallel windows) is safe.
package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	shape []int
	data  []float32
}

// New allocates a zero-filled tensor with the given shape.
// Every dimension must be positive.
func New(shape ...int) (*Tensor, error) {
	n, err := numElems(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: cloneShape(shape), data: make([]float32, n)}, nil
}

// FromData wraps an existing slice as a tensor. The slice is not copied;
// the caller must not alias it afterwards. The data length must match the
// shape's element count exactly.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := numElems(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elems)", len(data), shape, n)
	}
	return &Tensor{shape: cloneShape(shape), data: data}, nil
}

func numElems(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("tensor: empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("tensor: non-positive dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Shape returns the tensor dimensions. The returned slice must not be
// modified.
func (t *Tensor) Shape() []int { return t.shape }

// NumElems returns the total element count.
func (t *Tensor) NumElems() int { return len(t.data) }

// Data returns the backing slice in row-major order.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: cloneShape(t.shape), data: data}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i, d := range t.shape {
		if d != o.shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Scale multiplies every element by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	blas32.Scal(alpha, vec(t.data))
}

// AddScaled performs t += alpha*o in place. Shapes must match.
func (t *Tensor) AddScaled(alpha float32, o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: shape mismatch %v vs %v", t.shape, o.shape)
	}
	blas32.Axpy(alpha, vec(o.data), vec(t.data))
	return nil
}

// Lerp blends t towards o in place: t = (1-w)*t + w*o. Shapes must match.
func (t *Tensor) Lerp(o *Tensor, w float32) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: shape mismatch %v vs %v", t.shape, o.shape)
	}
	blas32.Scal(1-w, vec(t.data))
	blas32.Axpy(w, vec(o.data), vec(t.data))
	return nil
}

// Finite reports whether every element is finite (no NaN or Inf).
func (t *Tensor) Finite() bool {
	for _, v := range t.data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// FillNorm fills the tensor with standard-normal samples from rng.
func (t *Tensor) FillNorm(rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
}

// MeanAbsDiff returns the mean absolute difference between t and o.
// Shapes must match.
func (t *Tensor) MeanAbsDiff(o *Tensor) (float64, error) {
	if !t.SameShape(o) {
		return 0, fmt.Errorf("tensor: shape mismatch %v vs %v", t.shape, o.shape)
	}
	sum := 0.0
	for i, v := range t.data {
		sum += math.Abs(float64(v - o.data[i]))
	}
	return sum / float64(len(t.data)), nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}
