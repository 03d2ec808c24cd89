package main

import (
	"math"

	"github.com/pkg/errors"
)

// Activation is an element-wise nonlinearity. It satisfies Module so it can
// sit inside a Sequential.
type Activation func(ex Exec, x *Tensor) *Tensor

// Forward applies the activation.
func (a Activation) Forward(ex Exec, x *Tensor) *Tensor { return a(ex, x) }

// Parameters returns nil.
func (a Activation) Parameters() []*Tensor { return nil }

// Buffers returns nil.
func (a Activation) Buffers() []*Tensor { return nil }

var activations = map[string]Activation{
	"silu":    SiLU,
	"relu":    ReLU,
	"elu":     ELU,
	"mish":    Mish,
	"sigmoid": Sigmoid,
}

// ActivationByName looks up an activation for configuration files.
func ActivationByName(name string) (Activation, error) {
	act, ok := activations[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown activation %q", name)
	}
	return act, nil
}

// unary applies f element-wise. df receives the input and the output and
// returns the local derivative.
func unary(ex Exec, x *Tensor, f func(float64) float64, df func(x, y float64) float64) *Tensor {
	out := NewTensor(x.shape...)
	parallelFor(ex.compute, len(x.data), len(x.data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.data[i] = f(x.data[i])
		}
	})
	return ex.record(out, func() {
		if gx := x.gradSink(); gx != nil {
			for i, g := range out.grad {
				gx[i] += g * df(x.data[i], out.data[i])
			}
		}
	}, x)
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// softplus computes log(1+e^v) without overflow.
func softplus(v float64) float64 {
	if v > 20 {
		return v
	}
	return math.Log1p(math.Exp(v))
}

// SiLU computes x·σ(x).
func SiLU(ex Exec, x *Tensor) *Tensor {
	return unary(ex, x,
		func(v float64) float64 { return v * sigmoid(v) },
		func(v, _ float64) float64 {
			s := sigmoid(v)
			return s * (1 + v*(1-s))
		})
}

// ReLU computes max(0, x).
func ReLU(ex Exec, x *Tensor) *Tensor {
	return unary(ex, x,
		func(v float64) float64 { return math.Max(0, v) },
		func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		})
}

// ELU computes x for x > 0 and e^x - 1 otherwise.
func ELU(ex Exec, x *Tensor) *Tensor {
	return unary(ex, x,
		func(v float64) float64 {
			if v > 0 {
				return v
			}
			return math.Expm1(v)
		},
		func(v, y float64) float64 {
			if v > 0 {
				return 1
			}
			return y + 1
		})
}

// Mish computes x·tanh(softplus(x)).
func Mish(ex Exec, x *Tensor) *Tensor {
	return unary(ex, x,
		func(v float64) float64 { return v * math.Tanh(softplus(v)) },
		func(v, _ float64) float64 {
			tsp := math.Tanh(softplus(v))
			return tsp + v*sigmoid(v)*(1-tsp*tsp)
		})
}

// Sigmoid computes 1/(1+e^-x).
func Sigmoid(ex Exec, x *Tensor) *Tensor {
	return unary(ex, x, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}
