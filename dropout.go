package main

import "fmt"

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). It is the identity unless ex is training or has Monte-Carlo
// dropout forced on.
type Dropout struct {
	p float64
}

// NewDropout creates a dropout layer. Panics unless 0 <= p <= 1.
func NewDropout(p float64) *Dropout {
	if p < 0 || p > 1 {
		panic(fmt.Sprintf("dropout: probability must be in [0,1], got %v", p))
	}
	return &Dropout{p: p}
}

// Forward applies dropout to x.
func (d *Dropout) Forward(ex Exec, x *Tensor) *Tensor {
	if d.p == 0 || !ex.dropoutActive() {
		return x
	}
	mask := dropoutMask(ex, d.p, len(x.data))
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = v * mask[i]
	}
	return ex.record(out, func() {
		if gx := x.gradSink(); gx != nil {
			for i, g := range out.grad {
				gx[i] += g * mask[i]
			}
		}
	}, x)
}

// dropoutMask draws n independent keep factors: 0 with probability p,
// otherwise 1/(1-p).
func dropoutMask(ex Exec, p float64, n int) []float64 {
	mask := make([]float64, n)
	if p >= 1 {
		return mask
	}
	keep := 1 / (1 - p)
	rng := ex.random()
	for i := range mask {
		if rng.Float64() >= p {
			mask[i] = keep
		}
	}
	return mask
}

// Parameters returns nil.
func (d *Dropout) Parameters() []*Tensor { return nil }

// Buffers returns nil.
func (d *Dropout) Buffers() []*Tensor { return nil }
