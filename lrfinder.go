package main

import (
	"context"
	"log"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Learning-rate range test. Train for a few hundred steps while the rate
// grows exponentially from the optimizer's base rate to endLR:
//
//   lr_i = base · (endLR / base)^(i / numIter)
//
// and record an exponentially smoothed loss
//
//   s_i = smoothF · loss_i + (1 - smoothF) · s_{i-1}
//
// The test stops once s_i > divergeTh · min(s). A good base rate sits on
// the steepest downward slope of the curve, well before the minimum.
//
// The weights are snapshotted before the sweep and put back afterwards, so
// the model is unchanged by the test.
//
// ===========================================================================

// ExponentialLR grows the rate geometrically from base to end over numIter
// steps.
type ExponentialLR struct {
	base, end float64
	numIter   int
	step      int
}

// NewExponentialLR creates the range-test schedule.
func NewExponentialLR(base, end float64, numIter int) *ExponentialLR {
	return &ExponentialLR{base: base, end: end, numIter: numIter}
}

// GetLR returns the rate for the current step and advances.
func (s *ExponentialLR) GetLR() float64 {
	r := float64(s.step) / float64(s.numIter)
	s.step++
	return s.base * math.Pow(s.end/s.base, r)
}

// RangeTestConfig holds the sweep settings.
type RangeTestConfig struct {
	StartLR   float64
	EndLR     float64
	NumIter   int
	SmoothF   float64
	DivergeTh float64
}

// DefaultRangeTestConfig sweeps 1e-7 to 10 over 100 steps.
func DefaultRangeTestConfig() RangeTestConfig {
	return RangeTestConfig{StartLR: 1e-7, EndLR: 10, NumIter: 100, SmoothF: 0.05, DivergeTh: 5}
}

// RangeTestResult pairs each tried rate with its smoothed loss.
type RangeTestResult struct {
	LRs    []float64
	Losses []float64
}

// Suggestion returns the rate at the steepest descent of the smoothed
// loss, ignoring skipStart points at the beginning and skipEnd at the end.
func (r RangeTestResult) Suggestion(skipStart, skipEnd int) (float64, error) {
	lrs, losses := trimRange(r.LRs, skipStart, skipEnd), trimRange(r.Losses, skipStart, skipEnd)
	if len(lrs) < 2 {
		return 0, errors.New("lrfinder: too few points for a suggestion")
	}
	best, bestSlope := 0, math.Inf(1)
	for i := 1; i < len(lrs); i++ {
		slope := (losses[i] - losses[i-1]) / (math.Log(lrs[i]) - math.Log(lrs[i-1]))
		if slope < bestSlope {
			best, bestSlope = i, slope
		}
	}
	return lrs[best], nil
}

func trimRange(xs []float64, skipStart, skipEnd int) []float64 {
	if skipStart+skipEnd >= len(xs) {
		return nil
	}
	return xs[skipStart : len(xs)-skipEnd]
}

// LRFinder runs range tests on a model.
type LRFinder struct {
	model  Model
	source BatchSource
	cfg    TrainingConfig
	rng    *rand.Rand
	logger *log.Logger
}

// NewLRFinder prepares a range test using cfg's optimizer settings.
func NewLRFinder(model Model, source BatchSource, cfg TrainingConfig, rng *rand.Rand, logger *log.Logger) *LRFinder {
	return &LRFinder{model: model, source: source, cfg: cfg, rng: rng, logger: logger}
}

// RangeTest sweeps the learning rate over batches of ids, cycling through
// them if the sweep is longer than one pass.
func (f *LRFinder) RangeTest(ctx context.Context, ids []string, rc RangeTestConfig) (RangeTestResult, error) {
	var res RangeTestResult
	switch {
	case !(rc.StartLR > 0) || !(rc.EndLR > rc.StartLR):
		return res, errors.Wrapf(ErrInvalidConfig, "lrfinder: range %v..%v", rc.StartLR, rc.EndLR)
	case rc.NumIter < 1:
		return res, errors.Wrapf(ErrInvalidConfig, "lrfinder: %d iterations", rc.NumIter)
	case rc.SmoothF < 0 || rc.SmoothF >= 1:
		return res, errors.Wrapf(ErrInvalidConfig, "lrfinder: smoothing %v", rc.SmoothF)
	case len(ids) < 2 || f.cfg.BatchSize < 2:
		return res, errors.New("lrfinder: need at least one batch of two samples")
	}

	opt, err := NewOptimizer(f.cfg, f.model.Parameters())
	if err != nil {
		return res, err
	}
	s := &stepper{
		model:     f.model,
		optimizer: opt,
		scaler:    NewMixedPrecisionConfig(f.cfg.MixedPrecision),
		clip:      f.cfg.GradientClipValue,
		compute:   f.cfg.Compute,
		rng:       f.rng,
	}

	snapshot := snapshotState(f.model)
	defer restoreState(f.model, snapshot)

	sched := NewExponentialLR(rc.StartLR, rc.EndLR, rc.NumIter)
	best := math.Inf(1)
	batches := batchIDs(ids, f.cfg.BatchSize)
	for step := 0; step < rc.NumIter; step++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "lrfinder")
		}
		b, err := f.source.Batch(ctx, batches[step%len(batches)])
		if err != nil {
			return res, errors.Wrapf(err, "lrfinder step %d", step)
		}
		lr := sched.GetLR()
		loss, _ := s.step(b, lr)
		if step > 0 {
			loss = rc.SmoothF*loss + (1-rc.SmoothF)*res.Losses[len(res.Losses)-1]
		}
		if loss < best {
			best = loss
		}
		res.LRs = append(res.LRs, lr)
		res.Losses = append(res.Losses, loss)
		if loss > rc.DivergeTh*best || math.IsNaN(loss) {
			f.logger.Printf("Stopping early at LR %.3g, the loss has diverged", lr)
			break
		}
	}
	return res, nil
}

// batchIDs splits ids into batches of size n, dropping a trailing batch of
// fewer than two samples.
func batchIDs(ids []string, n int) [][]string {
	var out [][]string
	for i := 0; i < len(ids); i += n {
		end := i + n
		if end > len(ids) {
			end = len(ids)
		}
		if end-i >= 2 {
			out = append(out, ids[i:end])
		}
	}
	return out
}

// snapshotState copies every parameter and buffer of model.
func snapshotState(model Model) [][]float64 {
	tensors := append(model.Parameters(), model.Buffers()...)
	snap := make([][]float64, len(tensors))
	for i, t := range tensors {
		snap[i] = append([]float64(nil), t.data...)
	}
	return snap
}

// restoreState writes a snapshot back and drops stale gradients.
func restoreState(model Model, snap [][]float64) {
	tensors := append(model.Parameters(), model.Buffers()...)
	for i, t := range tensors {
		copy(t.data, snap[i])
	}
	ZeroGrads(model.Parameters())
}
