package main

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Convolutional block attention: a squeeze-excite channel gate followed by
// a spatial gate, appended to a plain main branch before its downsampling.

// ChannelGate rescales channels by sigmoid(fc2(SiLU(fc1(avgpool(x))))).
type ChannelGate struct {
	fc1 *Linear
	fc2 *Linear
}

// NewChannelGate creates a channel gate whose bottleneck has
// floor(channels/reduction) units.
func NewChannelGate(rng *rand.Rand, channels int, reduction float64) (*ChannelGate, error) {
	if !(reduction > 0) {
		return nil, errors.Wrapf(ErrInvalidConfig, "channel gate reduction %v", reduction)
	}
	hidden := int(float64(channels) / reduction)
	if hidden < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "channel gate: %d channels reduced by %v leaves no units", channels, reduction)
	}
	return &ChannelGate{
		fc1: NewLinear(rng, channels, hidden, false),
		fc2: NewLinear(rng, hidden, channels, false),
	}, nil
}

// Forward gates x of shape (B, C, L).
func (g *ChannelGate) Forward(ex Exec, x *Tensor) *Tensor {
	y := Flatten(GlobalAvgPool(ex, x))
	y = Sigmoid(ex, g.fc2.Forward(ex, SiLU(ex, g.fc1.Forward(ex, y))))
	return ScaleChannels(ex, x, y)
}

// Parameters returns both bottleneck weights.
func (g *ChannelGate) Parameters() []*Tensor { return collectParameters(g.fc1, g.fc2) }

// Buffers returns nil.
func (g *ChannelGate) Buffers() []*Tensor { return nil }

// SpatialGate rescales positions by
// sigmoid(SiLU(BN(conv([max_c x, mean_c x])))).
type SpatialGate struct {
	conv *Conv1d
	bn   *BatchNorm1d
}

// NewSpatialGate creates a spatial gate. kernel must be odd so the gate
// keeps the input length.
func NewSpatialGate(rng *rand.Rand, kernel int) (*SpatialGate, error) {
	if kernel < 1 || kernel%2 == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "spatial gate kernel must be odd, got %d", kernel)
	}
	return &SpatialGate{
		conv: NewConv1d(rng, 2, 1, kernel, WithPadding((kernel-1)/2)),
		bn:   NewBatchNorm1d(1, WithMomentum(0.01)),
	}, nil
}

// Forward gates x of shape (B, C, L).
func (g *SpatialGate) Forward(ex Exec, x *Tensor) *Tensor {
	s := SiLU(ex, g.bn.Forward(ex, g.conv.Forward(ex, ChannelPool(ex, x))))
	return ScalePositions(ex, x, Sigmoid(ex, s))
}

// Parameters returns the convolution and normalization parameters.
func (g *SpatialGate) Parameters() []*Tensor { return collectParameters(g.conv, g.bn) }

// Buffers returns the normalization running statistics.
func (g *SpatialGate) Buffers() []*Tensor { return g.bn.Buffers() }

// CBAMBranch is the plain main branch with a channel gate and a spatial
// gate inserted before the downsampling GeM.
type CBAMBranch struct {
	Reduction     float64
	SpatialKernel int
}

// MainBranch implements BranchStrategy.
func (c CBAMBranch) MainBranch(rng *rand.Rand, spec BlockSpec, act Activation) (Module, error) {
	cg, err := NewChannelGate(rng, spec.Out, c.Reduction)
	if err != nil {
		return nil, err
	}
	sg, err := NewSpatialGate(rng, c.SpatialKernel)
	if err != nil {
		return nil, err
	}
	main := convPair(rng, spec, act)
	main.Add(cg)
	main.Add(sg)
	return withDownsample(main, spec), nil
}
