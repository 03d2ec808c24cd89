package main

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Spectral whitening of raw strain before the learned layers. Detector
// noise is strongly colored; dividing each sample's spectrum by the average
// noise amplitude spectrum flattens it so a chirp is not drowned by the
// low-frequency wall.
//
// Per (sample, channel) row of length L:
//
//   1. Pad with `pad` samples on each side by point reflection about the
//      end values (2·x[0] - x[pad-i] on the left, 2·x[L-1] - x[L-2-i] on
//      the right). Plain mirroring would leave a kink at the boundary;
//      point reflection keeps the signal and its slope continuous.
//   2. Multiply by a Tukey window (alpha 0.5) spanning L + 2·pad.
//   3. FFT, multiply by 1/spectrum. The spectrum is either one row shared
//      by all channels or one row per detector. In training the reciprocal
//      can pass through inverted dropout (SpecDropout) as a regularizer.
//   4. Inverse FFT, keep the real part, crop the padding.
//
// The transform has no parameters. It runs with gradient tracking off and
// in full precision whatever the caller's Exec says.
//
// ===========================================================================

var (
	// ErrSpectrumShape is returned when the reference spectrum does not
	// match the padded sample length.
	ErrSpectrumShape = errors.New("whiten: reference spectrum has the wrong length")

	// ErrInvalidSpectrum is returned when the reference spectrum has
	// non-positive or non-finite entries.
	ErrInvalidSpectrum = errors.New("whiten: reference spectrum must be positive and finite")
)

// WhitenConfig configures the whitening transform.
type WhitenConfig struct {
	Pad         int     `json:"pad"`          // reflected samples on each side
	Alpha       float64 `json:"alpha"`        // Tukey taper fraction
	SpecDropout float64 `json:"spec_dropout"` // training-only dropout on 1/spectrum
}

// DefaultWhitenConfig returns pad 2048, alpha 0.5, no spectral dropout.
func DefaultWhitenConfig() WhitenConfig {
	return WhitenConfig{Pad: 2048, Alpha: 0.5}
}

// PaddedLength returns the window length for raw samples of length n.
func (c WhitenConfig) PaddedLength(n int) int {
	return n + 2*c.Pad
}

// Whitener applies spectral whitening to (batch, channels, length) input.
type Whitener struct {
	length int
	cfg    WhitenConfig

	window   *Tensor // (length + 2·pad)
	spectrum *Tensor // (rows, length + 2·pad); one row shared or one per channel
}

// NewWhitener validates spectrum against the padded length and builds the
// window. spectrum has either a single row shared by every channel or one
// row per detector channel.
func NewWhitener(length int, spectrum mat.Matrix, cfg WhitenConfig) (*Whitener, error) {
	if cfg.Pad < 1 || length <= cfg.Pad {
		return nil, errors.Wrapf(ErrInvalidConfig, "whiten: length %d must exceed pad %d", length, cfg.Pad)
	}
	if cfg.SpecDropout < 0 || cfg.SpecDropout >= 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "whiten: spectral dropout %v outside [0,1)", cfg.SpecDropout)
	}
	if spectrum == nil {
		return nil, errors.Wrap(ErrSpectrumShape, "no reference spectrum")
	}
	n := cfg.PaddedLength(length)
	rows, cols := spectrum.Dims()
	if cols != n {
		return nil, errors.Wrapf(ErrSpectrumShape, "got %d frequencies, want %d", cols, n)
	}

	spec := NewTensor(rows, n)
	for r := 0; r < rows; r++ {
		for i := 0; i < n; i++ {
			v := spectrum.At(r, i)
			if !(v > 0) || math.IsInf(v, 0) {
				return nil, errors.Wrapf(ErrInvalidSpectrum, "row %d entry %d is %v", r, i, v)
			}
			spec.data[r*n+i] = v
		}
	}
	return &Whitener{
		length:   length,
		cfg:      cfg,
		window:   NewTensorFrom(TukeyWindow(n, cfg.Alpha), n),
		spectrum: spec,
	}, nil
}

// Forward whitens x. The output never carries gradient history.
func (w *Whitener) Forward(ex Exec, x *Tensor) *Tensor {
	ex = ex.NoGrad().FullPrecision()
	if x.Dims() != 3 || x.shape[2] != w.length {
		panic(fmt.Sprintf("whiten: expected (B, C, %d) input, got %v", w.length, x.shape))
	}
	channels := x.shape[1]
	specRows := w.spectrum.shape[0]
	if specRows != 1 && specRows != channels {
		panic(fmt.Sprintf("whiten: %d spectrum rows for %d channels", specRows, channels))
	}
	rows := x.shape[0] * channels
	n := len(w.window.data)

	reciprocal := make([][]float64, specRows)
	for s := range reciprocal {
		reciprocal[s] = make([]float64, n)
		for i, v := range w.spectrum.data[s*n : (s+1)*n] {
			reciprocal[s][i] = 1 / v
		}
	}

	// Masks are drawn up front so the random stream does not depend on
	// how rows are scheduled.
	factors := make([][]float64, rows)
	for r := range factors {
		base := reciprocal[(r%channels)%specRows]
		if !ex.training || w.cfg.SpecDropout == 0 {
			factors[r] = base
			continue
		}
		mask := dropoutMask(ex, w.cfg.SpecDropout, n)
		for i := range mask {
			mask[i] *= base[i]
		}
		factors[r] = mask
	}

	out := NewTensor(x.shape...)
	parallelFor(ex.compute, rows, rows*n*int(math.Log2(float64(n))+1), func(lo, hi int) {
		ws := globalFFTPool.Get(n)
		defer globalFFTPool.Put(ws)
		for r := lo; r < hi; r++ {
			padReflect(ws.padded, x.data[r*w.length:(r+1)*w.length], w.cfg.Pad)
			for i, v := range ws.padded {
				ws.buf[i] = complex(v*w.window.data[i], 0)
			}
			ws.fft.Coefficients(ws.coeff, ws.buf)
			for i, f := range factors[r] {
				ws.coeff[i] *= complex(f, 0)
			}
			ws.fft.Sequence(ws.buf, ws.coeff)
			dst := out.data[r*w.length : (r+1)*w.length]
			for i := range dst {
				dst[i] = real(ws.buf[w.cfg.Pad+i]) / float64(n)
			}
		}
	})
	return ex.record(out, nil)
}

// Parameters returns nil; the transform is not learned.
func (w *Whitener) Parameters() []*Tensor { return nil }

// Buffers returns the window and the reference spectrum.
func (w *Whitener) Buffers() []*Tensor { return []*Tensor{w.window, w.spectrum} }

// padReflect writes row with pad point-reflected samples on each side into
// dst, which must have length len(row) + 2·pad.
func padReflect(dst, row []float64, pad int) {
	n := len(row)
	first, last := row[0], row[n-1]
	for i := 0; i < pad; i++ {
		dst[i] = 2*first - row[pad-i]
		dst[pad+n+i] = 2*last - row[n-2-i]
	}
	copy(dst[pad:], row)
}

// TukeyWindow returns the symmetric tapered-cosine window of length m.
// alpha is the tapered fraction: 0 is rectangular, 1 is a Hann window.
func TukeyWindow(m int, alpha float64) []float64 {
	w := make([]float64, m)
	for i := range w {
		w[i] = 1
	}
	if m == 1 || alpha <= 0 {
		return w
	}
	if alpha > 1 {
		alpha = 1
	}

	denom := alpha * float64(m-1)
	width := int(math.Floor(denom / 2))
	for i := 0; i <= width; i++ {
		w[i] = 0.5 * (1 + math.Cos(math.Pi*(-1+2*float64(i)/denom)))
	}
	for i := m - width - 1; i < m; i++ {
		w[i] = 0.5 * (1 + math.Cos(math.Pi*(-2/alpha+1+2*float64(i)/denom)))
	}
	return w
}
