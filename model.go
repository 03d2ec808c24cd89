package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The multi-branch network. Input is (B, 3, L): the two LIGO detectors on
// channels 0 and 1, Virgo on channel 2.
//
//   x ──whiten──┬─ ch0 ─ stem[0] ─┬───────────── conv1[0] ──┐
//               ├─ ch1 ─ stem[0] ─┼───────────── conv1[0] ──┤
//               └─ ch2 ─ stem[1] ─┼───────────── conv1[1] ──┤ concat
//                                 └─ concat ──── conv1[2] ──┘ (6n)
//                                                            │
//                       tail: 6n→4n ↓4, 4n→4n, 4n→8n ↓4, 8n→8n
//                                                            │
//                       head: [max ‖ avg] → MLP → 1 logit
//
// stem[0] and conv1[0] are single instances invoked on both LIGO channels,
// so the two detectors see identical weights and both invocations
// accumulate gradient into the same parameters.
//
// Lengths for L = 4096: stem 4096 → 2048 (extractor GeM 2) → 512 (block
// ↓4), conv1 → 128, tail → 32 → 8.
//
// The ten trunk blocks outside the stems use the linear survival schedule
// p_i = 1 - i·(1 - pFinal)/10. Variants differ only in the residual
// branch strategy, stochastic depth, whitening and the last tail kernel:
//
//   V2StochasticDepth   plain         stochastic   whitening   k7
//   V2SplitAttention    split-attn    no           whitening   k3
//   V2SDCBAM            plain + CBAM  stochastic   none        k7
//
// MONTE-CARLO INFERENCE:
// The trunk and the concat pooling run once. The MLP head then runs Folds
// times under ex.WithMCDropout(), which samples dropout masks while batch
// norm stays in inference mode, and the logits are averaged. Nothing is
// switched on the layers themselves, so a later plain call is unaffected.
//
// ===========================================================================

// ErrUnknownModel is returned by NewModel for unregistered names.
var ErrUnknownModel = errors.New("unknown model")

// ForwardOptions alter how the classification head executes.
type ForwardOptions struct {
	MonteCarlo bool
	Folds      int // head samples in Monte-Carlo mode; 0 means 64
}

func (o ForwardOptions) folds() int {
	if o.Folds <= 0 {
		return 64
	}
	return o.Folds
}

// Model is a gravitational-wave classifier mapping (B, 3, L) strain to
// (B, 1) logits.
type Model interface {
	Forward(ex Exec, x *Tensor, opts ForwardOptions) *Tensor
	Parameters() []*Tensor
	Buffers() []*Tensor
	Config() ModelConfig
}

// ModelOption customizes model construction.
type ModelOption func(*modelBuild)

type modelBuild struct {
	spectrum mat.Matrix
}

// WithReferenceSpectrum supplies the whitening spectrum directly instead
// of loading ModelConfig.SpectrumPath.
func WithReferenceSpectrum(spec mat.Matrix) ModelOption {
	return func(b *modelBuild) { b.spectrum = spec }
}

type modelConstructor func(rng *rand.Rand, cfg ModelConfig, b modelBuild) (Model, error)

var modelRegistry = map[string]modelConstructor{
	ModelV2StochasticDepth: func(rng *rand.Rand, cfg ModelConfig, b modelBuild) (Model, error) {
		return newMultiBranchNet(rng, cfg, b, trunkVariant{
			body:       PlainBranch{},
			stochastic: true,
			whiten:     true,
			lastKernel: 7,
		})
	},
	ModelV2SplitAttention: func(rng *rand.Rand, cfg ModelConfig, b modelBuild) (Model, error) {
		splat := SplitAttentionBranch{Config: cfg.SplitAttention}
		return newMultiBranchNet(rng, cfg, b, trunkVariant{
			stem:       splat,
			body:       splat,
			whiten:     true,
			lastKernel: 3,
		})
	},
	ModelV2SDCBAM: func(rng *rand.Rand, cfg ModelConfig, b modelBuild) (Model, error) {
		return newMultiBranchNet(rng, cfg, b, trunkVariant{
			body:       CBAMBranch{Reduction: cfg.Reduction, SpatialKernel: cfg.SpatialKernel},
			stochastic: true,
			lastKernel: 7,
		})
	},
	Model1DCNNGEMName: func(rng *rand.Rand, cfg ModelConfig, _ modelBuild) (Model, error) {
		return NewCNN1DGeM(rng, cfg)
	},
}

// modelAliases maps the names used by older run configurations.
var modelAliases = map[string]string{
	"ModelIafossV2S": ModelV2SplitAttention,
	"V2":             ModelV2StochasticDepth,
}

// ModelNames lists the registered model names.
func ModelNames() []string {
	return []string{ModelV2StochasticDepth, ModelV2SplitAttention, ModelV2SDCBAM, Model1DCNNGEMName}
}

// NewModel builds the model named by cfg.Name.
func NewModel(rng *rand.Rand, cfg ModelConfig, opts ...ModelOption) (Model, error) {
	name := cfg.Name
	if alias, ok := modelAliases[name]; ok {
		name = alias
	}
	ctor, ok := modelRegistry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Name = name

	var b modelBuild
	for _, opt := range opts {
		opt(&b)
	}
	return ctor(rng, cfg, b)
}

// SurvivalSchedule returns the ten survival probabilities
// 1 - i·(1-pFinal)/10, i = 1..10, decreasing linearly to pFinal.
func SurvivalSchedule(pFinal float64) []float64 {
	const blocks = 10
	step := (1 - pFinal) / blocks
	ps := make([]float64, blocks)
	for i := range ps {
		ps[i] = 1 - float64(i+1)*step
	}
	return ps
}

// trunkVariant selects the residual branches of a multi-branch network.
type trunkVariant struct {
	stem       BranchStrategy // residual pair after each extractor; nil is PlainBranch
	body       BranchStrategy
	stochastic bool
	whiten     bool
	lastKernel int
}

// minTrunkLength is the shortest input that survives the five ÷4/÷2
// downsampling steps with one position left.
const minTrunkLength = 2 * 4 * 4 * 4 * 4

// MultiBranchNet is the three-detector residual network shared by the V2
// family.
type MultiBranchNet struct {
	cfg      ModelConfig
	whitener *Whitener // nil when whitening is off

	stem  [2]*Sequential // stem[0] serves channels 0 and 1
	conv1 [3]*Sequential // conv1[0] serves channels 0 and 1
	tail  *Sequential
	head  *Head
}

func newMultiBranchNet(rng *rand.Rand, cfg ModelConfig, b modelBuild, v trunkVariant) (*MultiBranchNet, error) {
	if cfg.SampleLength < minTrunkLength {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s needs at least %d samples, got %d",
			cfg.Name, minTrunkLength, cfg.SampleLength)
	}
	act, err := ActivationByName(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if v.stem == nil {
		v.stem = PlainBranch{}
	}

	net := &MultiBranchNet{cfg: cfg}
	if v.whiten && cfg.UseRawWave {
		spec := b.spectrum
		if spec == nil {
			loaded, err := LoadReferenceSpectrum(cfg.SpectrumPath)
			if err != nil {
				return nil, errors.Wrap(err, "whitening")
			}
			spec = loaded
		}
		if net.whitener, err = NewWhitener(cfg.SampleLength, spec, cfg.Whitening); err != nil {
			return nil, err
		}
	}

	n := cfg.N
	for i := range net.stem {
		if net.stem[i], err = newStem(rng, n, v.stem, act); err != nil {
			return nil, errors.Wrapf(err, "stem %d", i)
		}
	}

	survival := SurvivalSchedule(cfg.SurvivalFinal)
	block := func(in, out, k, ds, idx int) BlockSpec {
		return BlockSpec{In: in, Out: out, Kernel: k, Downsample: ds, Survival: survival[idx], Stochastic: v.stochastic}
	}
	stages := [][]BlockSpec{
		{block(n, n, 31, 4, 0), block(n, n, 31, 1, 1)},
		{block(n, n, 31, 4, 2), block(n, n, 31, 1, 3)},
		{block(3*n, 3*n, 31, 4, 4), block(3*n, 3*n, 31, 1, 5)},
	}
	for i, specs := range stages {
		if net.conv1[i], err = newResidualStack(rng, specs, v.body, act); err != nil {
			return nil, errors.Wrapf(err, "conv1[%d]", i)
		}
	}
	net.tail, err = newResidualStack(rng, []BlockSpec{
		block(6*n, 4*n, 15, 4, 6),
		block(4*n, 4*n, 15, 1, 7),
		block(4*n, 8*n, 7, 4, 8),
		block(8*n, 8*n, v.lastKernel, 1, 9),
	}, v.body, act)
	if err != nil {
		return nil, errors.Wrap(err, "tail")
	}

	if net.head, err = NewHead(rng, 8*n, cfg.NH, cfg.Dropout, act); err != nil {
		return nil, err
	}
	return net, nil
}

// newStem builds extractor → residual(↓4) → residual. The stem blocks
// never drop their main branch.
func newStem(rng *rand.Rand, n int, strategy BranchStrategy, act Activation) (*Sequential, error) {
	ext, err := NewExtractor(rng, 1, n, 127, 2, act)
	if err != nil {
		return nil, err
	}
	stack, err := newResidualStack(rng, []BlockSpec{
		{In: n, Out: n, Kernel: 31, Downsample: 4},
		{In: n, Out: n, Kernel: 31, Downsample: 1},
	}, strategy, act)
	if err != nil {
		return nil, err
	}
	return NewSequential(append([]Module{ext}, stack.Modules()...)...), nil
}

func newResidualStack(rng *rand.Rand, specs []BlockSpec, strategy BranchStrategy, act Activation) (*Sequential, error) {
	seq := NewSequential()
	var prev *ResidualBlock
	for _, spec := range specs {
		if prev != nil && prev.Spec().Out != spec.In {
			return nil, errors.Wrapf(ErrInvalidConfig, "block %d->%d follows a block with %d outputs",
				spec.In, spec.Out, prev.Spec().Out)
		}
		blk, err := NewResidualBlock(rng, spec, strategy, act)
		if err != nil {
			return nil, err
		}
		seq.Add(blk)
		prev = blk
	}
	return seq, nil
}

// Config returns the construction settings.
func (m *MultiBranchNet) Config() ModelConfig { return m.cfg }

// Features runs whitening and the trunk, returning (B, 8n, L/512).
func (m *MultiBranchNet) Features(ex Exec, x *Tensor) *Tensor {
	return m.tail.Forward(ex, m.branches(ex, x))
}

// branches returns the (B, 6n, L/32) concatenation of the two shared LIGO
// branches, the Virgo branch and the joint branch, in that order.
func (m *MultiBranchNet) branches(ex Exec, x *Tensor) *Tensor {
	if x.Dims() != 3 || x.shape[1] != 3 {
		panic(fmt.Sprintf("model: expected (B, 3, L) input, got %v", x.shape))
	}
	if m.whitener != nil {
		x = m.whitener.Forward(ex, x)
	}

	x0 := []*Tensor{
		m.stem[0].Forward(ex, SelectChannels(ex, x, 0, 1)),
		m.stem[0].Forward(ex, SelectChannels(ex, x, 1, 2)),
		m.stem[1].Forward(ex, SelectChannels(ex, x, 2, 3)),
	}
	return ConcatChannels(ex,
		m.conv1[0].Forward(ex, x0[0]),
		m.conv1[0].Forward(ex, x0[1]),
		m.conv1[1].Forward(ex, x0[2]),
		m.conv1[2].Forward(ex, ConcatChannels(ex, x0...)),
	)
}

// Forward returns (B, 1) logits.
func (m *MultiBranchNet) Forward(ex Exec, x *Tensor, opts ForwardOptions) *Tensor {
	return m.head.Predict(ex, m.Features(ex, x), opts)
}

// Parameters returns every learned tensor, each shared tensor once.
func (m *MultiBranchNet) Parameters() []*Tensor {
	return collectParameters(m.stem[0], m.stem[1], m.conv1[0], m.conv1[1], m.conv1[2], m.tail, m.head)
}

// Buffers returns the batch-norm statistics and the whitening buffers.
func (m *MultiBranchNet) Buffers() []*Tensor {
	bufs := collectBuffers(m.stem[0], m.stem[1], m.conv1[0], m.conv1[1], m.conv1[2], m.tail, m.head)
	if m.whitener != nil {
		bufs = append(bufs, m.whitener.Buffers()...)
	}
	return bufs
}

// Head is concat pooling followed by a two-block MLP:
// [Linear → BN → Dropout → act] × 2 → Linear(·, 1).
type Head struct {
	pool AdaptiveConcatPool1d
	mlp  *Sequential
}

// NewHead creates a head over channels input channels.
func NewHead(rng *rand.Rand, channels, hidden int, dropout float64, act Activation) (*Head, error) {
	if channels < 1 || hidden < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "head %d->%d", channels, hidden)
	}
	return &Head{mlp: newMLP(rng, 2*channels, hidden, dropout, act)}, nil
}

// newMLP is the dense classifier shared by the head and the plain CNN.
func newMLP(rng *rand.Rand, in, hidden int, dropout float64, act Activation) *Sequential {
	return NewSequential(
		NewLinear(rng, in, hidden, true), NewBatchNorm1d(hidden), NewDropout(dropout), act,
		NewLinear(rng, hidden, hidden, true), NewBatchNorm1d(hidden), NewDropout(dropout), act,
		NewLinear(rng, hidden, 1, true),
	)
}

// Forward pools and classifies (B, C, L) features in a single pass.
func (h *Head) Forward(ex Exec, x *Tensor) *Tensor {
	return h.mlp.Forward(ex, Flatten(h.pool.Forward(ex, x)))
}

// Predict classifies x, averaging Folds dropout samples in Monte-Carlo
// mode.
func (h *Head) Predict(ex Exec, x *Tensor, opts ForwardOptions) *Tensor {
	if !opts.MonteCarlo {
		return h.Forward(ex, x)
	}
	return monteCarlo(ex, Flatten(h.pool.Forward(ex, x)), opts, h.mlp.Forward)
}

// Parameters returns the MLP parameters.
func (h *Head) Parameters() []*Tensor { return h.mlp.Parameters() }

// Buffers returns the MLP batch-norm statistics.
func (h *Head) Buffers() []*Tensor { return h.mlp.Buffers() }

// monteCarlo runs classify once, or opts.Folds times with dropout forced
// on and returns the mean.
func monteCarlo(ex Exec, features *Tensor, opts ForwardOptions, classify func(Exec, *Tensor) *Tensor) *Tensor {
	if !opts.MonteCarlo {
		return classify(ex, features)
	}
	mc := ex.WithMCDropout()
	samples := make([]*Tensor, opts.folds())
	for i := range samples {
		samples[i] = classify(mc, features)
	}
	return Mean(ex, samples...)
}

// CNN1DGeM is a plain six-stage convolutional classifier without residual
// connections or whitening. Convolutions are unpadded, so the flattened
// width depends on the sample length.
//
//	conv64 → BN → ELU
//	conv32 → GeM8 → BN → ELU
//	conv32 (2n) → BN → ELU
//	conv16 → GeM6 → BN → ELU
//	conv16 (4n) → BN → ELU
//	conv16 → GeM4 → BN → ELU
//	flatten → [Linear 64 → BN → Dropout 0.5 → ELU] × 2 → Linear 1
type CNN1DGeM struct {
	cfg      ModelConfig
	features *Sequential
	mlp      *Sequential
	flat     int
}

// NewCNN1DGeM builds the plain classifier with initial width cfg.N.
func NewCNN1DGeM(rng *rand.Rand, cfg ModelConfig) (*CNN1DGeM, error) {
	n := cfg.N
	stage := func(in, out, k, pool int) []Module {
		mods := []Module{NewConv1d(rng, in, out, k)}
		if pool > 1 {
			mods = append(mods, mustGeM(pool))
		}
		return append(mods, NewBatchNorm1d(out), Activation(ELU))
	}
	stages := []struct{ in, out, k, pool int }{
		{3, n, 64, 1},
		{n, n, 32, 8},
		{n, 2 * n, 32, 1},
		{2 * n, 2 * n, 16, 6},
		{2 * n, 4 * n, 16, 1},
		{4 * n, 4 * n, 16, 4},
	}

	length := cfg.SampleLength
	features := NewSequential()
	for _, s := range stages {
		length = length - s.k + 1
		if s.pool > 1 {
			length /= s.pool
		}
		if length < 1 {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s: sample length %d too short", Model1DCNNGEMName, cfg.SampleLength)
		}
		for _, m := range stage(s.in, s.out, s.k, s.pool) {
			features.Add(m)
		}
	}

	flat := 4 * n * length
	mlp := NewSequential(
		NewLinear(rng, flat, 64, true), NewBatchNorm1d(64), NewDropout(0.5), Activation(ELU),
		NewLinear(rng, 64, 64, true), NewBatchNorm1d(64), NewDropout(0.5), Activation(ELU),
		NewLinear(rng, 64, 1, true),
	)
	return &CNN1DGeM{cfg: cfg, features: features, mlp: mlp, flat: flat}, nil
}

// FlatWidth returns the size of the flattened feature vector.
func (m *CNN1DGeM) FlatWidth() int { return m.flat }

// Forward returns (B, 1) logits.
func (m *CNN1DGeM) Forward(ex Exec, x *Tensor, opts ForwardOptions) *Tensor {
	if x.Dims() != 3 || x.shape[1] != 3 || x.shape[2] != m.cfg.SampleLength {
		panic(fmt.Sprintf("model: expected (B, 3, %d) input, got %v", m.cfg.SampleLength, x.shape))
	}
	return monteCarlo(ex, Flatten(m.features.Forward(ex, x)), opts, m.mlp.Forward)
}

// Parameters returns every learned tensor.
func (m *CNN1DGeM) Parameters() []*Tensor { return collectParameters(m.features, m.mlp) }

// Buffers returns the batch-norm statistics.
func (m *CNN1DGeM) Buffers() []*Tensor { return collectBuffers(m.features, m.mlp) }

// Config returns the construction settings.
func (m *CNN1DGeM) Config() ModelConfig { return m.cfg }
