package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 6: Deep Feedforward Networks - backpropagation
//   Chapter 9: Convolutional Networks
//
// Numerical Computing:
// - "What Every Computer Scientist Should Know About Floating-Point Arithmetic"
//   by Goldberg (1991)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// A tensor produced by an operation that tracked gradients also remembers
// its parents and a closure that pushes its gradient back into them. Leaf
// tensors (inputs, parameters, buffers) have no closure.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, channels, length, etc.]
	grad  []float64 // Gradient, allocated on first use

	requiresGrad bool
	parents      []*Tensor
	backward     func()
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// This is idiomatic Go for ML code - shape errors are programmer bugs,
// not runtime conditions that should be handled gracefully.
func NewTensor(shape ...int) *Tensor {
	size := shapeSize(shape)

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The tensor takes
// ownership of the slice.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size := shapeSize(shape)
	if size != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{data: data, shape: shapeCopy}
}

// NewParameter creates a zero tensor that accumulates gradients.
func NewParameter(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.requiresGrad = true
	return t
}

// NewTensorRand creates a tensor with values drawn from N(0, std²).
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// fillUniform overwrites t with values drawn from U(-bound, bound).
func fillUniform(t *Tensor, rng *rand.Rand, bound float64) {
	for i := range t.data {
		t.data[i] = (2*rng.Float64() - 1) * bound
	}
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying storage. Writes through it are visible to
// every view of the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the accumulated gradient, or nil if none has flowed yet.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// RequiresGrad reports whether backward passes deliver gradients to t.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// gradSink returns the gradient buffer to accumulate into, allocating it on
// first use. It returns nil for tensors that do not require gradients so
// backward closures can skip them.
func (t *Tensor) gradSink() []float64 {
	if !t.requiresGrad {
		return nil
	}
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// ZeroGrad clears the gradient. Call before each backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a detached deep copy of the tensor's values.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Detach returns a view sharing t's storage with no autograd history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{data: t.data, shape: t.Shape()}
}

// Reshape returns a view of the tensor with a different shape.
// The total number of elements must remain the same.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	if shapeSize(newShape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}
	out := &Tensor{data: t.data, shape: append([]int(nil), newShape...)}
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		out.backward = func() {
			g := t.gradSink()
			for i, v := range out.grad {
				g[i] += v
			}
		}
	}
	return out
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(ex Exec, a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return ex.record(out, func() {
		for _, p := range [2]*Tensor{a, b} {
			if g := p.gradSink(); g != nil {
				for i, v := range out.grad {
					g[i] += v
				}
			}
		}
	}, a, b)
}

// Mul performs element-wise multiplication: out = a * b.
func Mul(ex Exec, a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: mul shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return ex.record(out, func() {
		if g := a.gradSink(); g != nil {
			for i, v := range out.grad {
				g[i] += v * b.data[i]
			}
		}
		if g := b.gradSink(); g != nil {
			for i, v := range out.grad {
				g[i] += v * a.data[i]
			}
		}
	}, a, b)
}

// Scale multiplies every element by a constant: out = a * scalar.
func Scale(ex Exec, a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i, v := range a.data {
		out.data[i] = v * scalar
	}
	return ex.record(out, func() {
		if g := a.gradSink(); g != nil {
			for i, v := range out.grad {
				g[i] += v * scalar
			}
		}
	}, a)
}

// Mean averages a stack of equally shaped tensors element-wise.
func Mean(ex Exec, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: mean of no tensors")
	}
	out := NewTensor(ts[0].shape...)
	inv := 1 / float64(len(ts))
	for _, t := range ts {
		if !shapeEqual(t.shape, out.shape) {
			panic(fmt.Sprintf("tensor: mean shape mismatch %v vs %v", t.shape, out.shape))
		}
		for i, v := range t.data {
			out.data[i] += v * inv
		}
	}
	return ex.record(out, func() {
		for _, t := range ts {
			if g := t.gradSink(); g != nil {
				for i, v := range out.grad {
					g[i] += v * inv
				}
			}
		}
	}, ts...)
}

// allFinite reports whether every value is neither NaN nor infinite.
func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func shapeEqual(a, b []int) bool {
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
