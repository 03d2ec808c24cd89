package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// 1-D convolution over (batch, channels, length) tensors.
//
//   out[b, o, t] = bias[o] + Σ_ci Σ_k w[o, ci, k] · x[b, g·inPerGroup+ci, t·stride - pad + k]
//
// where g = o / outPerGroup is the group of output channel o. Positions
// that fall into the zero padding are skipped rather than materialized.
//
// Backward:
//   ∂L/∂w[o,ci,k] = Σ_b Σ_t gy[b,o,t] · x[b,c,t·s-p+k]
//   ∂L/∂x[b,c,i]  = Σ_{o in group} Σ_k gy[b,o,t] · w[o,ci,k]   with i = t·s-p+k
//
// Forward rows are (b, o) pairs, weight-gradient rows are output channels,
// input-gradient rows are (b, c) pairs. Each is a disjoint write set, so all
// three loops fan out through parallelFor.
//
// ===========================================================================

// Conv1d is a grouped 1-D convolution with optional bias.
type Conv1d struct {
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int
	groups      int

	weight *Tensor // (out, in/groups, kernel)
	bias   *Tensor // (out) or nil
}

// ConvOption configures a Conv1d.
type ConvOption func(*Conv1d)

// WithPadding sets symmetric zero padding.
func WithPadding(padding int) ConvOption {
	return func(c *Conv1d) { c.padding = padding }
}

// WithStride sets the convolution stride.
func WithStride(stride int) ConvOption {
	return func(c *Conv1d) { c.stride = stride }
}

// WithGroups splits input and output channels into independent groups.
func WithGroups(groups int) ConvOption {
	return func(c *Conv1d) { c.groups = groups }
}

// WithoutBias drops the additive bias.
func WithoutBias() ConvOption {
	return func(c *Conv1d) { c.bias = nil }
}

// NewConv1d creates a convolution with weights and bias drawn from
// U(-1/√fanIn, 1/√fanIn), fanIn = in/groups · kernel.
func NewConv1d(rng *rand.Rand, in, out, kernel int, opts ...ConvOption) *Conv1d {
	c := &Conv1d{
		inChannels:  in,
		outChannels: out,
		kernel:      kernel,
		stride:      1,
		groups:      1,
		bias:        NewParameter(out),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.groups < 1 || in%c.groups != 0 || out%c.groups != 0 {
		panic(fmt.Sprintf("conv1d: channels %d->%d not divisible by %d groups", in, out, c.groups))
	}
	if kernel < 1 || c.stride < 1 || c.padding < 0 {
		panic(fmt.Sprintf("conv1d: invalid kernel=%d stride=%d padding=%d", kernel, c.stride, c.padding))
	}

	c.weight = NewParameter(out, in/c.groups, kernel)
	bound := 1 / math.Sqrt(float64(in/c.groups*kernel))
	fillUniform(c.weight, rng, bound)
	if c.bias != nil {
		fillUniform(c.bias, rng, bound)
	}
	return c
}

// OutputLength returns the output length for an input of length n.
func (c *Conv1d) OutputLength(n int) int {
	return (n+2*c.padding-c.kernel)/c.stride + 1
}

// taps returns the output positions [lo, hi) whose tap k lands inside an
// input of length n.
func (c *Conv1d) taps(k, n, outLen int) (lo, hi int) {
	if first := c.padding - k; first > 0 {
		lo = (first + c.stride - 1) / c.stride
	}
	last := n - 1 + c.padding - k
	if last < 0 {
		return 0, 0
	}
	hi = last/c.stride + 1
	if hi > outLen {
		hi = outLen
	}
	return lo, hi
}

// Forward applies the convolution to x of shape (batch, in, length).
func (c *Conv1d) Forward(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 3 || x.shape[1] != c.inChannels {
		panic(fmt.Sprintf("conv1d: expected (B, %d, L) input, got %v", c.inChannels, x.shape))
	}
	batch, n := x.shape[0], x.shape[2]
	outLen := c.OutputLength(n)
	if outLen < 1 {
		panic(fmt.Sprintf("conv1d: input length %d too short for kernel %d", n, c.kernel))
	}

	inPerG := c.inChannels / c.groups
	outPerG := c.outChannels / c.groups
	k, s, p := c.kernel, c.stride, c.padding
	out := NewTensor(batch, c.outChannels, outLen)
	work := batch * c.outChannels * outLen * inPerG * k

	parallelFor(ex.compute, batch*c.outChannels, work, func(lo, hi int) {
		for row := lo; row < hi; row++ {
			b, o := row/c.outChannels, row%c.outChannels
			g := o / outPerG
			dst := out.data[row*outLen : (row+1)*outLen]
			if c.bias != nil {
				for t := range dst {
					dst[t] = c.bias.data[o]
				}
			}
			for ci := 0; ci < inPerG; ci++ {
				src := x.data[(b*c.inChannels+g*inPerG+ci)*n:][:n]
				w := c.weight.data[(o*inPerG+ci)*k:][:k]
				for kk, wv := range w {
					tLo, tHi := c.taps(kk, n, outLen)
					for t := tLo; t < tHi; t++ {
						dst[t] += wv * src[t*s-p+kk]
					}
				}
			}
		}
	})

	return ex.record(out, func() {
		gy := out.grad

		if gw := c.weight.gradSink(); gw != nil {
			parallelFor(ex.compute, c.outChannels, work, func(lo, hi int) {
				for o := lo; o < hi; o++ {
					g := o / outPerG
					for b := 0; b < batch; b++ {
						gyRow := gy[(b*c.outChannels+o)*outLen:][:outLen]
						for ci := 0; ci < inPerG; ci++ {
							src := x.data[(b*c.inChannels+g*inPerG+ci)*n:][:n]
							gwRow := gw[(o*inPerG+ci)*k:][:k]
							for kk := range gwRow {
								tLo, tHi := c.taps(kk, n, outLen)
								acc := 0.0
								for t := tLo; t < tHi; t++ {
									acc += gyRow[t] * src[t*s-p+kk]
								}
								gwRow[kk] += acc
							}
						}
					}
				}
			})
		}

		if c.bias != nil {
			if gb := c.bias.gradSink(); gb != nil {
				for b := 0; b < batch; b++ {
					for o := 0; o < c.outChannels; o++ {
						for _, v := range gy[(b*c.outChannels+o)*outLen:][:outLen] {
							gb[o] += v
						}
					}
				}
			}
		}

		if gx := x.gradSink(); gx != nil {
			parallelFor(ex.compute, batch*c.inChannels, work, func(lo, hi int) {
				for row := lo; row < hi; row++ {
					b, ch := row/c.inChannels, row%c.inChannels
					g, ci := ch/inPerG, ch%inPerG
					gxRow := gx[row*n : (row+1)*n]
					for o := g * outPerG; o < (g+1)*outPerG; o++ {
						gyRow := gy[(b*c.outChannels+o)*outLen:][:outLen]
						w := c.weight.data[(o*inPerG+ci)*k:][:k]
						for kk, wv := range w {
							tLo, tHi := c.taps(kk, n, outLen)
							for t := tLo; t < tHi; t++ {
								gxRow[t*s-p+kk] += gyRow[t] * wv
							}
						}
					}
				}
			})
		}
	}, x, c.weight, c.bias)
}

// Parameters returns the weight and, if present, the bias.
func (c *Conv1d) Parameters() []*Tensor {
	if c.bias == nil {
		return []*Tensor{c.weight}
	}
	return []*Tensor{c.weight, c.bias}
}

// Buffers returns nil; convolutions hold no fixed state.
func (c *Conv1d) Buffers() []*Tensor { return nil }
