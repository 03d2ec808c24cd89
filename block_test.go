package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

func TestResidualBlockShapes(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tests := []struct {
		name     string
		spec     BlockSpec
		strategy BranchStrategy
		wantC    int
		wantL    int
	}{
		{"identity", BlockSpec{In: 4, Out: 4, Kernel: 5, Downsample: 1}, PlainBranch{}, 4, 32},
		{"downsample", BlockSpec{In: 4, Out: 4, Kernel: 5, Downsample: 4}, PlainBranch{}, 4, 8},
		{"widen", BlockSpec{In: 4, Out: 8, Kernel: 3, Downsample: 4}, PlainBranch{}, 8, 8},
		{"splat", BlockSpec{In: 4, Out: 6, Kernel: 3, Downsample: 4}, SplitAttentionBranch{Config: DefaultSplitAttentionConfig()}, 6, 8},
		{"cbam", BlockSpec{In: 4, Out: 8, Kernel: 3, Downsample: 2}, CBAMBranch{Reduction: 1, SpatialKernel: 7}, 8, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewResidualBlock(r, tt.spec, tt.strategy, SiLU)
			if err != nil {
				t.Fatal(err)
			}
			if got := b.shortcut != nil; got != tt.spec.projects() {
				t.Errorf("shortcut projection = %v, want %v", got, tt.spec.projects())
			}
			y := b.Forward(newTestExec(2), NewTensorRand(r, 1, 2, 4, 32))
			if y.shape[0] != 2 || y.shape[1] != tt.wantC || y.shape[2] != tt.wantL {
				t.Errorf("output shape %v, want [2 %d %d]", y.shape, tt.wantC, tt.wantL)
			}
		})
	}
}

func TestResidualBlockRejectsBadSpec(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	specs := []BlockSpec{
		{In: 0, Out: 4, Kernel: 3, Downsample: 1},
		{In: 4, Out: 4, Kernel: 3, Downsample: 0},
		{In: 4, Out: 4, Kernel: 3, Downsample: 1, Stochastic: true, Survival: 1.5},
	}
	for _, spec := range specs {
		if _, err := NewResidualBlock(r, spec, PlainBranch{}, SiLU); errors.Cause(err) != ErrInvalidConfig {
			t.Errorf("spec %+v: err = %v, want ErrInvalidConfig", spec, err)
		}
	}
}

func TestStochasticDepthTraining(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	spec := BlockSpec{In: 3, Out: 3, Kernel: 3, Downsample: 1, Stochastic: true}
	x := newInput(4, 2, 3, 8)

	t.Run("dropped", func(t *testing.T) {
		spec.Survival = 0
		b, _ := NewResidualBlock(r, spec, PlainBranch{}, ReLU)
		y := b.Forward(newTestExec(0), x)
		for i, v := range y.data {
			if v != math.Max(x.data[i], 0) {
				t.Fatalf("y[%d] = %v, want relu(x) = %v", i, v, math.Max(x.data[i], 0))
			}
		}

		ZeroGrads(b.Parameters())
		Backward(Mean(newTestExec(0), y))
		for i, p := range b.Parameters() {
			if p.grad != nil {
				t.Errorf("parameter %d of a dropped branch received gradient", i)
			}
		}
	})

	t.Run("kept", func(t *testing.T) {
		spec.Survival = 1
		b, _ := NewResidualBlock(r, spec, PlainBranch{}, ReLU)
		ZeroGrads(b.Parameters())
		Backward(Mean(newTestExec(0), b.Forward(newTestExec(0), x)))
		if b.Parameters()[0].grad == nil {
			t.Error("a surviving branch should receive gradient")
		}
	})

	t.Run("frequency", func(t *testing.T) {
		spec.Survival = 0.7
		b, _ := NewResidualBlock(r, spec, PlainBranch{}, ReLU)
		ex := newTestExec(5).NoGrad()
		relu := ReLU(ex, x)
		kept := 0
		for i := 0; i < 400; i++ {
			y := b.Forward(ex, x)
			for j, v := range y.data {
				if v != relu.data[j] {
					kept++
					break
				}
			}
		}
		if kept < 240 || kept > 320 {
			t.Errorf("branch kept %d of 400 times, want about 280", kept)
		}
	})
}

func TestStochasticDepthInferenceScalesBranch(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	spec := BlockSpec{In: 2, Out: 2, Kernel: 3, Downsample: 1, Stochastic: true, Survival: 0.25}
	b, _ := NewResidualBlock(r, spec, PlainBranch{}, Activation(func(_ Exec, x *Tensor) *Tensor { return x }))
	x := NewTensorRand(r, 1, 2, 2, 6)

	ex := InferenceExec(nil)
	main := b.main.Forward(ex, x)
	y := b.Forward(ex, x)
	for i := range y.data {
		want := 0.25*main.data[i] + x.data[i]
		if math.Abs(y.data[i]-want) > 1e-12 {
			t.Fatalf("y[%d] = %v, want %v", i, y.data[i], want)
		}
	}

	// Repeated inference calls agree exactly.
	again := b.Forward(ex, x)
	for i := range y.data {
		if y.data[i] != again.data[i] {
			t.Fatal("inference is not deterministic")
		}
	}
}

func TestResidualBlockGradients(t *testing.T) {
	spec := BlockSpec{In: 2, Out: 3, Kernel: 3, Downsample: 2}
	b, err := NewResidualBlock(rand.New(rand.NewSource(7)), spec, PlainBranch{}, SiLU)
	if err != nil {
		t.Fatal(err)
	}
	x := newInput(8, 3, 2, 8)
	inputs := append([]*Tensor{x}, b.Parameters()...)
	checkGradients(t, inputs, func(ex Exec) *Tensor { return b.Forward(ex, x) }, 1e-4)
}

func TestExtractor(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	ext, err := NewExtractor(r, 1, 4, 15, 2, SiLU)
	if err != nil {
		t.Fatal(err)
	}
	y := ext.Forward(newTestExec(0), NewTensorRand(r, 1, 2, 1, 64))
	if y.shape[1] != 4 || y.shape[2] != 32 {
		t.Errorf("extractor output %v, want [2 4 32]", y.shape)
	}
	if _, err := NewExtractor(r, 1, 4, 15, 0, SiLU); err == nil {
		t.Error("expected error for zero pool")
	}
}

func TestSplitAttentionConv(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	tests := []struct {
		name string
		cfg  SplitAttentionConfig
	}{
		{"radix2", DefaultSplitAttentionConfig()},
		{"radix1", SplitAttentionConfig{Radix: 1, Cardinality: 1, ReductionFactor: 4}},
		{"cardinality2", SplitAttentionConfig{Radix: 2, Cardinality: 2, ReductionFactor: 4, Normalize: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSplitAttentionConv1d(r, 4, 4, 3, 1, false, tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			x := newInput(11, 3, 4, 6)
			y := s.Forward(newTestExec(0), x)
			if y.shape[1] != 4 || y.shape[2] != 6 {
				t.Fatalf("output %v, want [3 4 6]", y.shape)
			}
			inputs := append([]*Tensor{x}, s.Parameters()...)
			checkGradients(t, inputs, func(ex Exec) *Tensor { return s.Forward(ex, x) }, 1e-4)
		})
	}
}

func TestSplitAttentionRadixOneIsSigmoidGate(t *testing.T) {
	s, err := NewSplitAttentionConv1d(rand.New(rand.NewSource(13)), 4, 4, 3, 1, false,
		SplitAttentionConfig{Radix: 1, Cardinality: 1, ReductionFactor: 4})
	if err != nil {
		t.Fatal(err)
	}
	ex := InferenceExec(nil).WithCompute(SingleThreadedConfig())
	x := newInput(14, 2, 4, 9)

	got := s.Forward(ex, x)
	u := ReLU(ex, s.conv.Forward(ex, x))
	gate := Sigmoid(ex, s.fc2.Forward(ex, ReLU(ex, s.fc1.Forward(ex, GlobalAvgPool(ex, u)))))
	want := ScaleChannels(ex, u, gate)
	if !shapeEqual(got.shape, want.shape) {
		t.Fatalf("output %v, want %v", got.shape, want.shape)
	}
	for i := range want.data {
		if math.Abs(got.data[i]-want.data[i]) > 1e-12 {
			t.Fatalf("element %d: %v, want %v", i, got.data[i], want.data[i])
		}
	}
}

func TestSplitAttentionUnsupportedOptions(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	cfg := DefaultSplitAttentionConfig()
	cfg.Rectify = true
	for _, padding := range []int{0, 1} {
		if _, err := NewSplitAttentionConv1d(r, 4, 4, 3, padding, false, cfg); err != ErrRectifiedConvUnavailable {
			t.Errorf("rectify with padding %d: err = %v", padding, err)
		}
	}
	cfg = DefaultSplitAttentionConfig()
	cfg.DropBlockProb = 0.1
	if _, err := NewSplitAttentionConv1d(r, 4, 4, 3, 1, false, cfg); err != ErrDropBlockUnavailable {
		t.Errorf("dropblock: err = %v", err)
	}
	if _, err := NewSplitAttentionConv1d(r, 3, 4, 3, 1, false, DefaultSplitAttentionConfig()); err == nil {
		t.Error("expected error when input channels do not split into groups")
	}
}

func TestRadixSoftmaxSumsToOne(t *testing.T) {
	const radix, card, rest = 3, 2, 2
	x := newInput(13, 2, radix*card*rest, 1)
	y := radixSoftmax(InferenceExec(nil), x, radix, card)

	for b := 0; b < 2; b++ {
		for c := 0; c < card; c++ {
			for j := 0; j < rest; j++ {
				sum := 0.0
				for r := 0; r < radix; r++ {
					sum += y.data[b*radix*card*rest+(r*card+c)*rest+j]
				}
				if math.Abs(sum-1) > 1e-12 {
					t.Errorf("b=%d c=%d j=%d: weights sum to %v", b, c, j, sum)
				}
			}
		}
	}
	checkGradients(t, []*Tensor{x}, func(ex Exec) *Tensor { return radixSoftmax(ex, x, radix, card) }, 1e-6)
}

func TestCBAMGates(t *testing.T) {
	r := rand.New(rand.NewSource(14))
	cg, err := NewChannelGate(r, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	sg, err := NewSpatialGate(r, 7)
	if err != nil {
		t.Fatal(err)
	}
	x := newInput(15, 3, 4, 10)

	y := sg.Forward(newTestExec(0), cg.Forward(newTestExec(0), x))
	if !shapeEqual(y.shape, x.shape) {
		t.Fatalf("gated shape %v, want %v", y.shape, x.shape)
	}

	inputs := append([]*Tensor{x}, cg.Parameters()...)
	inputs = append(inputs, sg.Parameters()...)
	checkGradients(t, inputs, func(ex Exec) *Tensor {
		return sg.Forward(ex, cg.Forward(ex, x))
	}, 1e-4)

	if _, err := NewSpatialGate(r, 4); err == nil {
		t.Error("expected error for even spatial kernel")
	}
	if _, err := NewChannelGate(r, 4, 8); err == nil {
		t.Error("expected error when reduction leaves no units")
	}
}
