package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One residual block type serves every network in this package:
//
//   out = act( main(x) + shortcut(x) )
//
// The main branch is built by a BranchStrategy (plain convolutions,
// split-attention convolutions, or plain convolutions followed by CBAM
// gates). The shortcut is the identity when the block keeps both channel
// count and length, otherwise a projection conv → BN → GeM that lands on
// exactly the main branch's output shape.
//
// STOCHASTIC DEPTH:
// A stochastic block with survival probability p behaves differently per
// mode:
//
//   training:  one Bernoulli(p) draw per forward call, shared by the whole
//              batch. Keep → act(main + shortcut). Drop → act(shortcut) and
//              main is never evaluated, so it gets no gradient.
//   inference: act(p · main + shortcut), the expectation of the above.
//
// Non-stochastic blocks always run act(main + shortcut).
//
// ===========================================================================

// BlockSpec describes the geometry of a residual block.
type BlockSpec struct {
	In         int
	Out        int
	Kernel     int
	Downsample int // GeM window at the end of both branches; 1 keeps length

	// Survival is the keep probability used when Stochastic is set.
	Survival   float64
	Stochastic bool
}

// projects reports whether the shortcut needs a projection.
func (s BlockSpec) projects() bool {
	return s.Downsample != 1 || s.In != s.Out
}

func (s BlockSpec) validate() error {
	if s.In < 1 || s.Out < 1 || s.Kernel < 1 || s.Downsample < 1 {
		return errors.Wrapf(ErrInvalidConfig, "residual block %+v", s)
	}
	// Survival 0 is the degenerate block that always skips its main branch.
	if s.Stochastic && (s.Survival < 0 || s.Survival > 1) {
		return errors.Wrapf(ErrInvalidConfig, "survival probability %v outside [0,1]", s.Survival)
	}
	return nil
}

// BranchStrategy builds the main branch of a residual block.
type BranchStrategy interface {
	MainBranch(rng *rand.Rand, spec BlockSpec, act Activation) (Module, error)
}

// PlainBranch is conv → BN → act → conv → BN [→ GeM].
type PlainBranch struct{}

// MainBranch implements BranchStrategy.
func (PlainBranch) MainBranch(rng *rand.Rand, spec BlockSpec, act Activation) (Module, error) {
	return withDownsample(convPair(rng, spec, act), spec), nil
}

// convPair is the conv → BN → act → conv → BN body shared by the plain and
// CBAM branches.
func convPair(rng *rand.Rand, spec BlockSpec, act Activation) *Sequential {
	return NewSequential(
		NewConv1d(rng, spec.In, spec.Out, spec.Kernel, WithPadding(spec.Kernel/2), WithoutBias()),
		NewBatchNorm1d(spec.Out),
		act,
		NewConv1d(rng, spec.Out, spec.Out, spec.Kernel, WithPadding(spec.Kernel/2), WithoutBias()),
		NewBatchNorm1d(spec.Out),
	)
}

// withDownsample appends the GeM stage that matches the shortcut.
func withDownsample(main *Sequential, spec BlockSpec) *Sequential {
	if spec.projects() {
		main.Add(mustGeM(spec.Downsample))
	}
	return main
}

// ResidualBlock is act(main(x) + shortcut(x)) with optional stochastic depth.
type ResidualBlock struct {
	spec     BlockSpec
	main     Module
	shortcut Module // nil is the identity
	act      Activation
}

// NewResidualBlock builds a block whose main branch comes from strategy.
func NewResidualBlock(rng *rand.Rand, spec BlockSpec, strategy BranchStrategy, act Activation) (*ResidualBlock, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	main, err := strategy.MainBranch(rng, spec, act)
	if err != nil {
		return nil, errors.Wrapf(err, "main branch %d->%d", spec.In, spec.Out)
	}

	b := &ResidualBlock{spec: spec, main: main, act: act}
	if spec.projects() {
		b.shortcut = NewSequential(
			NewConv1d(rng, spec.In, spec.Out, spec.Kernel, WithPadding(spec.Kernel/2), WithoutBias()),
			NewBatchNorm1d(spec.Out),
			mustGeM(spec.Downsample),
		)
	}
	return b, nil
}

// Spec returns the block geometry.
func (b *ResidualBlock) Spec() BlockSpec { return b.spec }

// Forward applies the block.
func (b *ResidualBlock) Forward(ex Exec, x *Tensor) *Tensor {
	sc := x
	if b.shortcut != nil {
		sc = b.shortcut.Forward(ex, x)
	}

	if !b.spec.Stochastic {
		return b.act(ex, residualSum(ex, b.main.Forward(ex, x), sc))
	}
	if ex.training {
		if !ex.bernoulli(b.spec.Survival) {
			return b.act(ex, sc)
		}
		return b.act(ex, residualSum(ex, b.main.Forward(ex, x), sc))
	}
	main := Scale(ex, b.main.Forward(ex, x), b.spec.Survival)
	return b.act(ex, residualSum(ex, main, sc))
}

// residualSum adds the branches, failing loudly when their shapes differ.
func residualSum(ex Exec, main, shortcut *Tensor) *Tensor {
	if !shapeEqual(main.shape, shortcut.shape) {
		panic(fmt.Sprintf("residual: main branch shape %v does not match shortcut %v", main.shape, shortcut.shape))
	}
	return Add(ex, main, shortcut)
}

// Parameters returns main-branch then shortcut parameters.
func (b *ResidualBlock) Parameters() []*Tensor {
	if b.shortcut == nil {
		return b.main.Parameters()
	}
	return collectParameters(b.main, b.shortcut)
}

// Buffers returns main-branch then shortcut buffers.
func (b *ResidualBlock) Buffers() []*Tensor {
	if b.shortcut == nil {
		return b.main.Buffers()
	}
	return collectBuffers(b.main, b.shortcut)
}

// NewExtractor builds the first feature stage of a detector channel:
// conv → BN → act → conv → GeM(pool). Both convolutions carry a bias and
// keep the length; there is no shortcut.
func NewExtractor(rng *rand.Rand, in, out, kernel, pool int, act Activation) (*Sequential, error) {
	if in < 1 || out < 1 || kernel < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "extractor %d->%d kernel %d", in, out, kernel)
	}
	gem, err := NewGeM(pool, 3)
	if err != nil {
		return nil, errors.Wrap(err, "extractor")
	}
	return NewSequential(
		NewConv1d(rng, in, out, kernel, WithPadding(kernel/2)),
		NewBatchNorm1d(out),
		act,
		NewConv1d(rng, out, out, kernel, WithPadding(kernel/2)),
		gem,
	), nil
}
