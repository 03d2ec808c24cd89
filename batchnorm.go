package main

import (
	"fmt"
	"math"
)

// BatchNorm1d normalizes each channel of a (batch, channels) or
// (batch, channels, length) tensor.
//
// Training: statistics over batch and length, biased variance for the
// normalization, unbiased variance folded into the running estimate with
// the given momentum. Inference: running statistics only.
type BatchNorm1d struct {
	channels int
	eps      float64
	momentum float64

	gamma *Tensor
	beta  *Tensor

	runningMean *Tensor
	runningVar  *Tensor
}

// BatchNormOption configures a BatchNorm1d.
type BatchNormOption func(*BatchNorm1d)

// WithMomentum sets the running-statistics momentum (default 0.1).
func WithMomentum(m float64) BatchNormOption {
	return func(bn *BatchNorm1d) { bn.momentum = m }
}

// NewBatchNorm1d creates a batch norm with unit scale and zero shift.
func NewBatchNorm1d(channels int, opts ...BatchNormOption) *BatchNorm1d {
	bn := &BatchNorm1d{
		channels:    channels,
		eps:         1e-5,
		momentum:    0.1,
		gamma:       NewParameter(channels),
		beta:        NewParameter(channels),
		runningMean: NewTensor(channels),
		runningVar:  NewTensor(channels),
	}
	for _, opt := range opts {
		opt(bn)
	}
	for i := 0; i < channels; i++ {
		bn.gamma.data[i] = 1
		bn.runningVar.data[i] = 1
	}
	return bn
}

// Forward normalizes x. Panics when training with a single value per
// channel, where the batch variance is undefined.
func (bn *BatchNorm1d) Forward(ex Exec, x *Tensor) *Tensor {
	var batch, length int
	switch {
	case x.Dims() == 2 && x.shape[1] == bn.channels:
		batch, length = x.shape[0], 1
	case x.Dims() == 3 && x.shape[1] == bn.channels:
		batch, length = x.shape[0], x.shape[2]
	default:
		panic(fmt.Sprintf("batchnorm: expected (B, %d[, L]) input, got %v", bn.channels, x.shape))
	}

	count := batch * length
	mean := make([]float64, bn.channels)
	invStd := make([]float64, bn.channels)
	at := func(b, c int) []float64 {
		return x.data[(b*bn.channels+c)*length:][:length]
	}

	if ex.training {
		if count < 2 {
			panic(fmt.Sprintf("batchnorm: expected more than 1 value per channel when training, got input %v", x.shape))
		}
		for c := 0; c < bn.channels; c++ {
			sum := 0.0
			for b := 0; b < batch; b++ {
				for _, v := range at(b, c) {
					sum += v
				}
			}
			m := sum / float64(count)
			sq := 0.0
			for b := 0; b < batch; b++ {
				for _, v := range at(b, c) {
					sq += (v - m) * (v - m)
				}
			}
			variance := sq / float64(count)
			mean[c] = m
			invStd[c] = 1 / math.Sqrt(variance+bn.eps)

			unbiased := sq / float64(count-1)
			bn.runningMean.data[c] = (1-bn.momentum)*bn.runningMean.data[c] + bn.momentum*m
			bn.runningVar.data[c] = (1-bn.momentum)*bn.runningVar.data[c] + bn.momentum*unbiased
		}
	} else {
		for c := 0; c < bn.channels; c++ {
			mean[c] = bn.runningMean.data[c]
			invStd[c] = 1 / math.Sqrt(bn.runningVar.data[c]+bn.eps)
		}
	}

	out := NewTensor(x.shape...)
	xhat := make([]float64, len(x.data))
	for b := 0; b < batch; b++ {
		for c := 0; c < bn.channels; c++ {
			off := (b*bn.channels + c) * length
			for i, v := range at(b, c) {
				h := (v - mean[c]) * invStd[c]
				xhat[off+i] = h
				out.data[off+i] = bn.gamma.data[c]*h + bn.beta.data[c]
			}
		}
	}

	training := ex.training
	return ex.record(out, func() {
		gy := out.grad
		sumGy := make([]float64, bn.channels)
		sumGyH := make([]float64, bn.channels)
		for b := 0; b < batch; b++ {
			for c := 0; c < bn.channels; c++ {
				off := (b*bn.channels + c) * length
				for i := 0; i < length; i++ {
					sumGy[c] += gy[off+i]
					sumGyH[c] += gy[off+i] * xhat[off+i]
				}
			}
		}
		if g := bn.gamma.gradSink(); g != nil {
			for c := range g {
				g[c] += sumGyH[c]
			}
		}
		if g := bn.beta.gradSink(); g != nil {
			for c := range g {
				g[c] += sumGy[c]
			}
		}
		gx := x.gradSink()
		if gx == nil {
			return
		}
		n := float64(count)
		for b := 0; b < batch; b++ {
			for c := 0; c < bn.channels; c++ {
				off := (b*bn.channels + c) * length
				scale := bn.gamma.data[c] * invStd[c]
				for i := 0; i < length; i++ {
					if training {
						gx[off+i] += scale / n * (n*gy[off+i] - sumGy[c] - xhat[off+i]*sumGyH[c])
					} else {
						gx[off+i] += scale * gy[off+i]
					}
				}
			}
		}
	}, x, bn.gamma, bn.beta)
}

// Parameters returns the scale and shift.
func (bn *BatchNorm1d) Parameters() []*Tensor {
	return []*Tensor{bn.gamma, bn.beta}
}

// Buffers returns the running mean and variance.
func (bn *BatchNorm1d) Buffers() []*Tensor {
	return []*Tensor{bn.runningMean, bn.runningVar}
}
