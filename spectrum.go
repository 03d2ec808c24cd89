package main

import (
	"bufio"
	"math"
	"math/cmplx"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SpectrumEstimator accumulates the average amplitude spectrum of padded,
// windowed noise rows, per detector channel. Feed it batches of
// signal-free samples and call Result.
type SpectrumEstimator struct {
	length int
	cfg    WhitenConfig
	window []float64

	sums  [][]float64 // per channel
	count int
}

// NewSpectrumEstimator creates an estimator for samples of the given length.
func NewSpectrumEstimator(length int, cfg WhitenConfig) (*SpectrumEstimator, error) {
	if cfg.Pad < 1 || length <= cfg.Pad {
		return nil, errors.Wrapf(ErrInvalidConfig, "spectrum: length %d must exceed pad %d", length, cfg.Pad)
	}
	n := cfg.PaddedLength(length)
	return &SpectrumEstimator{
		length: length,
		cfg:    cfg,
		window: TukeyWindow(n, cfg.Alpha),
	}, nil
}

// Add accumulates every sample of x, shaped (B, C, length).
func (e *SpectrumEstimator) Add(x *Tensor) error {
	if x.Dims() != 3 || x.shape[2] != e.length {
		return errors.Wrapf(ErrShapeMismatch, "spectrum: expected (B, C, %d) batch, got %v", e.length, x.shape)
	}
	channels := x.shape[1]
	if e.sums == nil {
		e.sums = make([][]float64, channels)
	} else if len(e.sums) != channels {
		return errors.Wrapf(ErrShapeMismatch, "spectrum: batch has %d channels, earlier batches had %d", channels, len(e.sums))
	}

	n := len(e.window)
	ws := globalFFTPool.Get(n)
	defer globalFFTPool.Put(ws)
	for b := 0; b < x.shape[0]; b++ {
		for c := 0; c < channels; c++ {
			row := x.data[(b*channels+c)*e.length : (b*channels+c+1)*e.length]
			padReflect(ws.padded, row, e.cfg.Pad)
			for i, v := range ws.padded {
				ws.buf[i] = complex(v*e.window[i], 0)
			}
			ws.fft.Coefficients(ws.coeff, ws.buf)
			if e.sums[c] == nil {
				e.sums[c] = make([]float64, n)
			}
			for i, z := range ws.coeff {
				e.sums[c][i] += cmplx.Abs(z)
			}
		}
	}
	e.count += x.shape[0]
	return nil
}

// Count returns the number of samples accumulated so far.
func (e *SpectrumEstimator) Count() int { return e.count }

// Result returns the mean amplitude spectrum as a (channels, L+2·pad)
// matrix. Zero bins are lifted to the smallest positive bin of their row
// so the whitener never divides by zero.
func (e *SpectrumEstimator) Result() (*mat.Dense, error) {
	if e.count == 0 {
		return nil, errors.New("spectrum: no samples accumulated")
	}
	n := len(e.window)
	out := mat.NewDense(len(e.sums), n, nil)
	for c, sum := range e.sums {
		row := make([]float64, n)
		floats.ScaleTo(row, 1/float64(e.count), sum)
		floor := math.Inf(1)
		for _, v := range row {
			if v > 0 && v < floor {
				floor = v
			}
		}
		if math.IsInf(floor, 1) {
			return nil, errors.Errorf("spectrum: channel %d is identically zero", c)
		}
		for i, v := range row {
			if v <= 0 {
				row[i] = floor
			}
		}
		out.SetRow(c, row)
	}
	return out, nil
}

// SaveReferenceSpectrum writes spec in gonum's binary matrix format.
func SaveReferenceSpectrum(path string, spec *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create spectrum file")
	}
	w := bufio.NewWriter(f)
	if _, err := spec.MarshalBinaryTo(w); err != nil {
		f.Close()
		return errors.Wrapf(err, "write spectrum %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "flush spectrum %s", path)
	}
	return errors.Wrap(f.Close(), "close spectrum file")
}

// LoadReferenceSpectrum reads a spectrum written by SaveReferenceSpectrum.
func LoadReferenceSpectrum(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open spectrum file")
	}
	defer f.Close()

	var spec mat.Dense
	if _, err := spec.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrapf(err, "read spectrum %s", path)
	}
	return &spec, nil
}
