package main

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes y = x·Wᵀ + b for x of shape (batch, in).
//
// The tensors' storage is handed to gonum as Dense views, so no copies are
// made on the way in:
//
//   forward:  Y  = X · Wᵀ           (B×in)(in×out)
//   backward: dX = dY · W           (B×out)(out×in)
//             dW = dYᵀ · X          (out×B)(B×in)
//             db = Σ_b dY
type Linear struct {
	in, out int
	weight  *Tensor // (out, in)
	bias    *Tensor // (out) or nil
}

// NewLinear creates a layer initialized from U(-1/√in, 1/√in).
func NewLinear(rng *rand.Rand, in, out int, withBias bool) *Linear {
	l := &Linear{in: in, out: out, weight: NewParameter(out, in)}
	bound := 1 / math.Sqrt(float64(in))
	fillUniform(l.weight, rng, bound)
	if withBias {
		l.bias = NewParameter(out)
		fillUniform(l.bias, rng, bound)
	}
	return l
}

// Forward applies the layer to x of shape (batch, in).
func (l *Linear) Forward(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 2 || x.shape[1] != l.in {
		panic(fmt.Sprintf("linear: expected (B, %d) input, got %v", l.in, x.shape))
	}
	batch := x.shape[0]
	out := NewTensor(batch, l.out)

	xm := mat.NewDense(batch, l.in, x.data)
	wm := mat.NewDense(l.out, l.in, l.weight.data)
	ym := mat.NewDense(batch, l.out, out.data)
	ym.Mul(xm, wm.T())
	if l.bias != nil {
		for b := 0; b < batch; b++ {
			floats.Add(out.data[b*l.out:(b+1)*l.out], l.bias.data)
		}
	}

	return ex.record(out, func() {
		gy := mat.NewDense(batch, l.out, out.grad)
		if g := x.gradSink(); g != nil {
			var dx mat.Dense
			dx.Mul(gy, wm)
			floats.Add(g, dx.RawMatrix().Data)
		}
		if g := l.weight.gradSink(); g != nil {
			var dw mat.Dense
			dw.Mul(gy.T(), xm)
			floats.Add(g, dw.RawMatrix().Data)
		}
		if l.bias != nil {
			if g := l.bias.gradSink(); g != nil {
				for b := 0; b < batch; b++ {
					floats.Add(g, out.grad[b*l.out:(b+1)*l.out])
				}
			}
		}
	}, x, l.weight, l.bias)
}

// Parameters returns the weight and, if present, the bias.
func (l *Linear) Parameters() []*Tensor {
	if l.bias == nil {
		return []*Tensor{l.weight}
	}
	return []*Tensor{l.weight, l.bias}
}

// Buffers returns nil.
func (l *Linear) Buffers() []*Tensor { return nil }
