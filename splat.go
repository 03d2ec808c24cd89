package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Split-attention convolution (ResNeSt style) in one dimension.
//
//   u = ReLU([BN] conv(x))                 C·R channels, groups = K·R
//   s_r = u[r·C : (r+1)·C]                 R splits of C channels
//   g = avgpool(Σ_r s_r)                   (B, C, 1)
//   a = fc2(ReLU([BN] fc1(g)))             (B, C·R, 1), 1x1 grouped convs
//   w = rSoftMax(a)                        softmax over r per cardinal group
//   out = Σ_r w_r ⊙ s_r
//
// With R = 1 there is a single split, rSoftMax is a sigmoid and the block
// collapses to sigmoid-gated channel scaling of u.
//
// rSoftMax layout: fc2's output channels are grouped as (K, R, C/K); the
// attention for split r, channel c·(C/K)+j is the softmax over r' of
// a[c·R·(C/K) + r'·(C/K) + j].
//
// ===========================================================================

var (
	// ErrRectifiedConvUnavailable is returned when a rectified (padding
	// aware) split-attention convolution is requested.
	ErrRectifiedConvUnavailable = errors.New("splat: rectified convolution is not available")

	// ErrDropBlockUnavailable is returned when DropBlock regularization is
	// requested inside a split-attention convolution.
	ErrDropBlockUnavailable = errors.New("splat: dropblock is not available")
)

// SplitAttentionConfig holds the split-attention hyperparameters.
type SplitAttentionConfig struct {
	Radix           int     `json:"radix"`
	Cardinality     int     `json:"cardinality"`
	ReductionFactor int     `json:"reduction_factor"`
	Normalize       bool    `json:"normalize"` // batch norm after conv and fc1
	Rectify         bool    `json:"rectify"`
	DropBlockProb   float64 `json:"dropblock_prob"`
}

// DefaultSplitAttentionConfig returns radix 2, cardinality 1, reduction 4,
// no normalization.
func DefaultSplitAttentionConfig() SplitAttentionConfig {
	return SplitAttentionConfig{Radix: 2, Cardinality: 1, ReductionFactor: 4}
}

// SplitAttentionConv1d is a radix-split convolution with learned soft
// attention across the splits.
type SplitAttentionConv1d struct {
	channels    int
	radix       int
	cardinality int

	conv *Conv1d
	bn0  *BatchNorm1d
	fc1  *Conv1d
	bn1  *BatchNorm1d
	fc2  *Conv1d
}

// NewSplitAttentionConv1d creates a split-attention convolution mapping in
// channels to channels outputs.
func NewSplitAttentionConv1d(rng *rand.Rand, in, channels, kernel, padding int, withBias bool, cfg SplitAttentionConfig) (*SplitAttentionConv1d, error) {
	if cfg.Rectify {
		return nil, ErrRectifiedConvUnavailable
	}
	if cfg.DropBlockProb > 0 {
		return nil, ErrDropBlockUnavailable
	}
	if cfg.Radix < 1 || cfg.Cardinality < 1 || cfg.ReductionFactor < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "splat: radix=%d cardinality=%d reduction=%d",
			cfg.Radix, cfg.Cardinality, cfg.ReductionFactor)
	}
	groups := cfg.Cardinality * cfg.Radix
	inter := in * cfg.Radix / cfg.ReductionFactor
	if inter < 32 {
		inter = 32
	}
	if in%groups != 0 || channels%cfg.Cardinality != 0 || inter%cfg.Cardinality != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "splat: %d->%d channels do not split into %d groups",
			in, channels, groups)
	}

	convOpts := []ConvOption{WithPadding(padding), WithGroups(groups)}
	if !withBias {
		convOpts = append(convOpts, WithoutBias())
	}
	s := &SplitAttentionConv1d{
		channels:    channels,
		radix:       cfg.Radix,
		cardinality: cfg.Cardinality,
		conv:        NewConv1d(rng, in, channels*cfg.Radix, kernel, convOpts...),
		fc1:         NewConv1d(rng, channels, inter, 1, WithGroups(cfg.Cardinality)),
		fc2:         NewConv1d(rng, inter, channels*cfg.Radix, 1, WithGroups(cfg.Cardinality)),
	}
	if cfg.Normalize {
		s.bn0 = NewBatchNorm1d(channels * cfg.Radix)
		s.bn1 = NewBatchNorm1d(inter)
	}
	return s, nil
}

// Forward applies the split-attention convolution to (B, in, L).
func (s *SplitAttentionConv1d) Forward(ex Exec, x *Tensor) *Tensor {
	u := s.conv.Forward(ex, x)
	if s.bn0 != nil {
		u = s.bn0.Forward(ex, u)
	}
	u = ReLU(ex, u)

	var splits []*Tensor
	gap := u
	if s.radix > 1 {
		splits = make([]*Tensor, s.radix)
		for r := range splits {
			splits[r] = SelectChannels(ex, u, r*s.channels, (r+1)*s.channels)
		}
		gap = splits[0]
		for _, sp := range splits[1:] {
			gap = Add(ex, gap, sp)
		}
	}

	g := s.fc1.Forward(ex, GlobalAvgPool(ex, gap))
	if s.bn1 != nil {
		g = s.bn1.Forward(ex, g)
	}
	g = ReLU(ex, g)
	att := radixSoftmax(ex, s.fc2.Forward(ex, g), s.radix, s.cardinality)

	if s.radix == 1 {
		return ScaleChannels(ex, u, att)
	}
	var out *Tensor
	for r, sp := range splits {
		term := ScaleChannels(ex, sp, SelectChannels(ex, att, r*s.channels, (r+1)*s.channels))
		if out == nil {
			out = term
		} else {
			out = Add(ex, out, term)
		}
	}
	return out
}

// Parameters returns all convolution and normalization parameters.
func (s *SplitAttentionConv1d) Parameters() []*Tensor {
	mods := []Module{s.conv}
	if s.bn0 != nil {
		mods = append(mods, s.bn0)
	}
	mods = append(mods, s.fc1)
	if s.bn1 != nil {
		mods = append(mods, s.bn1)
	}
	return collectParameters(append(mods, s.fc2)...)
}

// Buffers returns the batch-norm running statistics, if any.
func (s *SplitAttentionConv1d) Buffers() []*Tensor {
	if s.bn0 == nil {
		return nil
	}
	return collectBuffers(s.bn0, s.bn1)
}

// radixSoftmax maps fc2's (B, K·R·rest, 1) output to (B, R·K·rest, 1)
// attention weights: a softmax across the R splits for radix > 1, an
// element-wise sigmoid otherwise.
func radixSoftmax(ex Exec, x *Tensor, radix, cardinality int) *Tensor {
	if radix == 1 {
		return Sigmoid(ex, x)
	}
	batch, width := x.shape[0], x.Size()/x.shape[0]
	if width%(radix*cardinality) != 0 {
		panic(fmt.Sprintf("rsoftmax: width %d not divisible by radix %d × cardinality %d", width, radix, cardinality))
	}
	rest := width / (radix * cardinality)
	in := func(b, c, r, j int) int { return b*width + (c*radix+r)*rest + j }
	outIdx := func(b, c, r, j int) int { return b*width + (r*cardinality+c)*rest + j }

	out := NewTensor(x.shape...)
	for b := 0; b < batch; b++ {
		for c := 0; c < cardinality; c++ {
			for j := 0; j < rest; j++ {
				maxV := math.Inf(-1)
				for r := 0; r < radix; r++ {
					maxV = math.Max(maxV, x.data[in(b, c, r, j)])
				}
				sum := 0.0
				for r := 0; r < radix; r++ {
					e := math.Exp(x.data[in(b, c, r, j)] - maxV)
					out.data[outIdx(b, c, r, j)] = e
					sum += e
				}
				for r := 0; r < radix; r++ {
					out.data[outIdx(b, c, r, j)] /= sum
				}
			}
		}
	}

	return ex.record(out, func() {
		gx := x.gradSink()
		if gx == nil {
			return
		}
		for b := 0; b < batch; b++ {
			for c := 0; c < cardinality; c++ {
				for j := 0; j < rest; j++ {
					dot := 0.0
					for r := 0; r < radix; r++ {
						o := outIdx(b, c, r, j)
						dot += out.grad[o] * out.data[o]
					}
					for r := 0; r < radix; r++ {
						o := outIdx(b, c, r, j)
						gx[in(b, c, r, j)] += out.data[o] * (out.grad[o] - dot)
					}
				}
			}
		}
	}, x)
}

// SplitAttentionBranch replaces both plain convolutions of the main branch
// with split-attention convolutions.
type SplitAttentionBranch struct {
	Config SplitAttentionConfig
}

// MainBranch implements BranchStrategy.
func (s SplitAttentionBranch) MainBranch(rng *rand.Rand, spec BlockSpec, act Activation) (Module, error) {
	first, err := NewSplitAttentionConv1d(rng, spec.In, spec.Out, spec.Kernel, spec.Kernel/2, false, s.Config)
	if err != nil {
		return nil, err
	}
	second, err := NewSplitAttentionConv1d(rng, spec.Out, spec.Out, spec.Kernel, spec.Kernel/2, false, s.Config)
	if err != nil {
		return nil, err
	}
	main := NewSequential(first, NewBatchNorm1d(spec.Out), act, second, NewBatchNorm1d(spec.Out))
	return withDownsample(main, spec), nil
}
