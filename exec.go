package main

import "math/rand"

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Exec is the execution mode of a forward pass. It is passed by value into
// every Forward call instead of living on the layers as mutable state, so
// the output of a network is a pure function of
//
//     (input, parameters, Exec, random source)
//
// Layers consult it for four decisions:
//   - training vs inference (stochastic depth, batch-norm statistics)
//   - whether to record the autograd graph
//   - numeric precision of the stored activations
//   - whether dropout is forced on for Monte-Carlo sampling
//
// Narrowing the mode for a sub-computation is done by deriving a copy:
//
//     ex.NoGrad().FullPrecision()   // whitening
//     ex.FullPrecision()            // GeM power means
//     ex.WithMCDropout()            // head sampling
//
// The caller's Exec is never modified, so nothing "stays" in a mode after
// the scoped region returns.
//
// ===========================================================================

// Precision selects how activations are stored between operations.
type Precision int

const (
	// PrecisionFull keeps float64 activations.
	PrecisionFull Precision = iota
	// PrecisionHalf rounds every activation through IEEE half precision.
	PrecisionHalf
)

func (p Precision) String() string {
	if p == PrecisionHalf {
		return "half"
	}
	return "full"
}

// Exec carries the execution mode of a forward pass.
type Exec struct {
	training  bool
	grad      bool
	precision Precision
	mcDropout bool
	rng       *rand.Rand
	compute   ComputeConfig
}

// TrainingExec returns a training-mode context that records gradients.
func TrainingExec(rng *rand.Rand) Exec {
	return Exec{training: true, grad: true, rng: rng, compute: DefaultComputeConfig()}
}

// InferenceExec returns an inference-mode context without gradients.
// rng is only consulted for Monte-Carlo dropout and may be nil otherwise.
func InferenceExec(rng *rand.Rand) Exec {
	return Exec{rng: rng, compute: DefaultComputeConfig()}
}

// Training reports whether stochastic training behavior is enabled.
func (ex Exec) Training() bool { return ex.training }

// TracksGrad reports whether operations record the autograd graph.
func (ex Exec) TracksGrad() bool { return ex.grad }

// Precision returns the activation precision.
func (ex Exec) Precision() Precision { return ex.precision }

// NoGrad returns a copy that does not record the autograd graph.
func (ex Exec) NoGrad() Exec {
	ex.grad = false
	return ex
}

// FullPrecision returns a copy that keeps full-precision activations.
func (ex Exec) FullPrecision() Exec {
	ex.precision = PrecisionFull
	return ex
}

// WithPrecision returns a copy using precision p.
func (ex Exec) WithPrecision(p Precision) Exec {
	ex.precision = p
	return ex
}

// WithGrad returns a copy that records the autograd graph.
func (ex Exec) WithGrad() Exec {
	ex.grad = true
	return ex
}

// WithMCDropout returns a copy in which dropout layers sample masks even
// when not training. Batch norm and stochastic depth are unaffected.
func (ex Exec) WithMCDropout() Exec {
	ex.mcDropout = true
	return ex
}

// WithCompute returns a copy using cfg for the numeric kernels.
func (ex Exec) WithCompute(cfg ComputeConfig) Exec {
	ex.compute = cfg
	return ex
}

// dropoutActive reports whether dropout masks should be sampled.
func (ex Exec) dropoutActive() bool {
	return ex.training || ex.mcDropout
}

func (ex Exec) random() *rand.Rand {
	if ex.rng == nil {
		panic("exec: a random source is required in this mode")
	}
	return ex.rng
}

// bernoulli draws a single trial with success probability p.
func (ex Exec) bernoulli(p float64) bool {
	if p >= 1 {
		return true
	}
	if p <= 0 {
		return false
	}
	return ex.random().Float64() < p
}

// record finishes an operation: it rounds the stored activations when
// running in half precision and, if gradients are tracked and any parent
// needs them, attaches back to out.
func (ex Exec) record(out *Tensor, back func(), parents ...*Tensor) *Tensor {
	if ex.precision == PrecisionHalf {
		roundHalf(out.data)
	}
	if !ex.grad {
		return out
	}
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			out.requiresGrad = true
			out.parents = parents
			out.backward = back
			break
		}
	}
	return out
}
