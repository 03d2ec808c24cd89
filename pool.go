package main

import (
	"fmt"
	"math"
)

// AdaptiveConcatPool1d reduces (B, C, L) to (B, 2C): per channel the
// maximum followed by the mean over the whole length. The output is
// already flat and feeds the head's first Linear directly.
type AdaptiveConcatPool1d struct{}

// Forward pools x.
func (AdaptiveConcatPool1d) Forward(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 3 {
		panic(fmt.Sprintf("concatpool: expected (B, C, L) input, got %v", x.shape))
	}
	batch, ch, n := x.shape[0], x.shape[1], x.shape[2]
	out := NewTensor(batch, 2*ch)
	argmax := make([]int, batch*ch)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			row := x.data[(b*ch+c)*n:][:n]
			best, sum := 0, 0.0
			for i, v := range row {
				if v > row[best] {
					best = i
				}
				sum += v
			}
			argmax[b*ch+c] = best
			out.data[b*2*ch+c] = row[best]
			out.data[b*2*ch+ch+c] = sum / float64(n)
		}
	}

	return ex.record(out, func() {
		gx := x.gradSink()
		if gx == nil {
			return
		}
		for b := 0; b < batch; b++ {
			for c := 0; c < ch; c++ {
				off := (b*ch + c) * n
				gx[off+argmax[b*ch+c]] += out.grad[b*2*ch+c]
				avg := out.grad[b*2*ch+ch+c] / float64(n)
				for i := 0; i < n; i++ {
					gx[off+i] += avg
				}
			}
		}
	}, x)
}

// Parameters returns nil.
func (AdaptiveConcatPool1d) Parameters() []*Tensor { return nil }

// Buffers returns nil.
func (AdaptiveConcatPool1d) Buffers() []*Tensor { return nil }

// GlobalAvgPool reduces (B, C, L) to (B, C, 1).
func GlobalAvgPool(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 3 {
		panic(fmt.Sprintf("avgpool: expected (B, C, L) input, got %v", x.shape))
	}
	rows, n := x.shape[0]*x.shape[1], x.shape[2]
	out := NewTensor(x.shape[0], x.shape[1], 1)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for _, v := range x.data[r*n:][:n] {
			sum += v
		}
		out.data[r] = sum / float64(n)
	}
	return ex.record(out, func() {
		if gx := x.gradSink(); gx != nil {
			for r := 0; r < rows; r++ {
				g := out.grad[r] / float64(n)
				for i := 0; i < n; i++ {
					gx[r*n+i] += g
				}
			}
		}
	}, x)
}

// ChannelPool reduces (B, C, L) to (B, 2, L): the maximum across channels
// followed by the mean across channels at every position.
func ChannelPool(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 3 {
		panic(fmt.Sprintf("channelpool: expected (B, C, L) input, got %v", x.shape))
	}
	batch, ch, n := x.shape[0], x.shape[1], x.shape[2]
	out := NewTensor(batch, 2, n)
	argmax := make([]int, batch*n)

	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			best, bestV, sum := 0, math.Inf(-1), 0.0
			for c := 0; c < ch; c++ {
				v := x.data[(b*ch+c)*n+i]
				if v > bestV {
					best, bestV = c, v
				}
				sum += v
			}
			argmax[b*n+i] = best
			out.data[(b*2)*n+i] = bestV
			out.data[(b*2+1)*n+i] = sum / float64(ch)
		}
	}

	return ex.record(out, func() {
		gx := x.gradSink()
		if gx == nil {
			return
		}
		for b := 0; b < batch; b++ {
			for i := 0; i < n; i++ {
				gx[(b*ch+argmax[b*n+i])*n+i] += out.grad[(b*2)*n+i]
				avg := out.grad[(b*2+1)*n+i] / float64(ch)
				for c := 0; c < ch; c++ {
					gx[(b*ch+c)*n+i] += avg
				}
			}
		}
	}, x)
}

// Flatten reshapes (B, ...) to (B, rest).
func Flatten(x *Tensor) *Tensor {
	return x.Reshape(x.shape[0], x.Size()/x.shape[0])
}
