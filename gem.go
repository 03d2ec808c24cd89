package main

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Generalized-mean (GeM) pooling: a learnable interpolation between average
// pooling (p = 1) and max pooling (p → ∞).
//
//   y = ( 1/k · Σ_{i in window} clamp(x_i, eps)^p )^(1/p)
//
// Windows do not overlap (stride = kernel) and trailing samples that do not
// fill a window are dropped, so the output length is floor(L / k).
//
// PRECISION:
// clamp(x, 1e-6)^3 = 1e-18 is far below the float16 normal range. The whole
// computation therefore runs in ex.FullPrecision() even when the caller is
// in half precision.
//
// GRADIENTS (per window, m = mean of z^p, z = clamp(x, eps)):
//   ∂y/∂x_i = m^(1/p - 1) · z_i^(p-1) / k          (0 where x_i < eps)
//   ∂y/∂p   = y · ( -ln m / p² + Σ z^p ln z / (k·m·p) )
//
// ===========================================================================

// GeM is generalized-mean pooling with a learnable exponent.
type GeM struct {
	kernel int
	eps    float64
	p      *Tensor // shape (1)
}

// NewGeM creates a GeM pool with the given window size and initial
// exponent. eps is 1e-6.
func NewGeM(kernel int, p float64) (*GeM, error) {
	if kernel < 1 {
		return nil, errors.Errorf("gem: kernel size must be positive, got %d", kernel)
	}
	if !(p > 0) {
		return nil, errors.Errorf("gem: exponent must be positive, got %v", p)
	}
	g := &GeM{kernel: kernel, eps: 1e-6, p: NewParameter(1)}
	g.p.data[0] = p
	return g, nil
}

// mustGeM is NewGeM for architecture code whose arguments are constants.
func mustGeM(kernel int) *GeM {
	g, err := NewGeM(kernel, 3)
	if err != nil {
		panic(err)
	}
	return g
}

// Forward pools x of shape (batch, channels, length).
func (g *GeM) Forward(ex Exec, x *Tensor) *Tensor {
	ex = ex.FullPrecision()
	p := g.p.data[0]
	if !(p > 0) || math.IsInf(p, 0) {
		panic(fmt.Sprintf("gem: exponent must be positive and finite, got %v", p))
	}
	if x.Dims() != 3 {
		panic(fmt.Sprintf("gem: expected (B, C, L) input, got %v", x.shape))
	}
	rows, n := x.shape[0]*x.shape[1], x.shape[2]
	outLen := n / g.kernel
	if outLen < 1 {
		panic(fmt.Sprintf("gem: input length %d shorter than kernel %d", n, g.kernel))
	}

	out := NewTensor(x.shape[0], x.shape[1], outLen)
	means := make([]float64, rows*outLen)
	k := float64(g.kernel)
	for r := 0; r < rows; r++ {
		src := x.data[r*n:]
		for j := 0; j < outLen; j++ {
			sum := 0.0
			for _, v := range src[j*g.kernel : (j+1)*g.kernel] {
				sum += math.Pow(math.Max(v, g.eps), p)
			}
			m := sum / k
			means[r*outLen+j] = m
			out.data[r*outLen+j] = math.Pow(m, 1/p)
		}
	}

	return ex.record(out, func() {
		gx := x.gradSink()
		gp := g.p.gradSink()
		for r := 0; r < rows; r++ {
			src := x.data[r*n:]
			for j := 0; j < outLen; j++ {
				idx := r*outLen + j
				gy := out.grad[idx]
				if gy == 0 {
					continue
				}
				m, y := means[idx], out.data[idx]
				window := src[j*g.kernel : (j+1)*g.kernel]
				if gx != nil {
					coef := math.Pow(m, 1/p-1) / k
					row := gx[r*n+j*g.kernel:]
					for i, v := range window {
						if v < g.eps {
							continue
						}
						row[i] += gy * coef * math.Pow(v, p-1)
					}
				}
				if gp != nil {
					zlog := 0.0
					for _, v := range window {
						z := math.Max(v, g.eps)
						zlog += math.Pow(z, p) * math.Log(z)
					}
					gp[0] += gy * y * (-math.Log(m)/(p*p) + zlog/(k*m*p))
				}
			}
		}
	}, x, g.p)
}

// Parameters returns the exponent.
func (g *GeM) Parameters() []*Tensor { return []*Tensor{g.p} }

// Buffers returns nil.
func (g *GeM) Buffers() []*Tensor { return nil }
