package main

import "fmt"

// Channel-axis plumbing for (batch, channels, length) tensors: routing the
// detector channels into branches, concatenating branch outputs, and the
// broadcast multiplies used by the attention gates.

// ConcatChannels concatenates tensors of shape (B, Ci, L) along channels.
func ConcatChannels(ex Exec, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("concat: no tensors")
	}
	batch, n := ts[0].shape[0], ts[0].shape[2]
	total := 0
	for _, t := range ts {
		if t.Dims() != 3 || t.shape[0] != batch || t.shape[2] != n {
			panic(fmt.Sprintf("concat: shape %v incompatible with (%d, *, %d)", t.shape, batch, n))
		}
		total += t.shape[1]
	}

	out := NewTensor(batch, total, n)
	for b := 0; b < batch; b++ {
		off := 0
		for _, t := range ts {
			ch := t.shape[1]
			copy(out.data[(b*total+off)*n:], t.data[b*ch*n:(b+1)*ch*n])
			off += ch
		}
	}

	return ex.record(out, func() {
		for b := 0; b < batch; b++ {
			off := 0
			for _, t := range ts {
				ch := t.shape[1]
				if g := t.gradSink(); g != nil {
					src := out.grad[(b*total+off)*n:][:ch*n]
					dst := g[b*ch*n:][:ch*n]
					for i, v := range src {
						dst[i] += v
					}
				}
				off += ch
			}
		}
	}, ts...)
}

// SelectChannels returns channels [from, to) of x as a (B, to-from, L) tensor.
func SelectChannels(ex Exec, x *Tensor, from, to int) *Tensor {
	if x.Dims() != 3 || from < 0 || to > x.shape[1] || from >= to {
		panic(fmt.Sprintf("select: channels [%d,%d) out of range for %v", from, to, x.shape))
	}
	batch, ch, n := x.shape[0], x.shape[1], x.shape[2]
	width := to - from
	out := NewTensor(batch, width, n)
	for b := 0; b < batch; b++ {
		copy(out.data[b*width*n:], x.data[(b*ch+from)*n:(b*ch+to)*n])
	}
	return ex.record(out, func() {
		if g := x.gradSink(); g != nil {
			for b := 0; b < batch; b++ {
				dst := g[(b*ch+from)*n:][:width*n]
				for i, v := range out.grad[b*width*n:][:width*n] {
					dst[i] += v
				}
			}
		}
	}, x)
}

// ScaleChannels multiplies x (B, C, L) by a per-channel gate s of shape
// (B, C, 1) or (B, C).
func ScaleChannels(ex Exec, x, s *Tensor) *Tensor {
	batch, ch, n := x.shape[0], x.shape[1], x.shape[2]
	if s.Size() != batch*ch || s.shape[0] != batch || s.shape[1] != ch {
		panic(fmt.Sprintf("scalechannels: gate %v does not match input %v", s.shape, x.shape))
	}
	out := NewTensor(x.shape...)
	for r := 0; r < batch*ch; r++ {
		for i := 0; i < n; i++ {
			out.data[r*n+i] = x.data[r*n+i] * s.data[r]
		}
	}
	return ex.record(out, func() {
		gx, gs := x.gradSink(), s.gradSink()
		for r := 0; r < batch*ch; r++ {
			for i := 0; i < n; i++ {
				g := out.grad[r*n+i]
				if gx != nil {
					gx[r*n+i] += g * s.data[r]
				}
				if gs != nil {
					gs[r] += g * x.data[r*n+i]
				}
			}
		}
	}, x, s)
}

// ScalePositions multiplies x (B, C, L) by a per-position gate s of shape
// (B, 1, L).
func ScalePositions(ex Exec, x, s *Tensor) *Tensor {
	batch, ch, n := x.shape[0], x.shape[1], x.shape[2]
	if s.Dims() != 3 || s.shape[0] != batch || s.shape[1] != 1 || s.shape[2] != n {
		panic(fmt.Sprintf("scalepositions: gate %v does not match input %v", s.shape, x.shape))
	}
	out := NewTensor(x.shape...)
	for b := 0; b < batch; b++ {
		gate := s.data[b*n:][:n]
		for c := 0; c < ch; c++ {
			off := (b*ch + c) * n
			for i, v := range gate {
				out.data[off+i] = x.data[off+i] * v
			}
		}
	}
	return ex.record(out, func() {
		gx, gs := x.gradSink(), s.gradSink()
		for b := 0; b < batch; b++ {
			for c := 0; c < ch; c++ {
				off := (b*ch + c) * n
				for i := 0; i < n; i++ {
					g := out.grad[off+i]
					if gx != nil {
						gx[off+i] += g * s.data[b*n+i]
					}
					if gs != nil {
						gs[b*n+i] += g * x.data[off+i]
					}
				}
			}
		}
	}, x, s)
}
