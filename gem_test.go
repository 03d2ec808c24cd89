package main

import (
	"math"
	"testing"
)

func TestGeMExponentOneIsAveragePool(t *testing.T) {
	g, err := NewGeM(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	y := g.Forward(InferenceExec(nil), NewTensorFrom([]float64{1, 3, 2, 6, 5}, 1, 1, 5))

	// The trailing sample does not fill a window and is dropped.
	want := []float64{2, 4}
	if y.shape[2] != 2 {
		t.Fatalf("output length %d, want 2", y.shape[2])
	}
	for i, w := range want {
		if math.Abs(y.data[i]-w) > 1e-12 {
			t.Errorf("y[%d] = %v, want %v", i, y.data[i], w)
		}
	}
}

func TestGeMLargeExponentApproachesMax(t *testing.T) {
	g, _ := NewGeM(4, 60)
	y := g.Forward(InferenceExec(nil), NewTensorFrom([]float64{0.5, 1, 2, 1.5}, 1, 1, 4))
	if math.Abs(y.data[0]-2) > 0.1 {
		t.Errorf("GeM p=60 = %v, want close to max 2", y.data[0])
	}
}

func TestGeMClampsNonPositive(t *testing.T) {
	g, _ := NewGeM(2, 3)
	y := g.Forward(InferenceExec(nil), NewTensorFrom([]float64{-5, -1}, 1, 1, 2))
	if math.Abs(y.data[0]-1e-6) > 1e-12 {
		t.Errorf("GeM of negative window = %v, want eps", y.data[0])
	}
}

func TestGeMRunsInFullPrecision(t *testing.T) {
	g, _ := NewGeM(2, 3)
	ex := InferenceExec(nil).WithPrecision(PrecisionHalf)
	y := g.Forward(ex, NewTensorFrom([]float64{1e-3, 1e-3}, 1, 1, 2))
	if math.Abs(y.data[0]-1e-3) > 1e-12 {
		t.Errorf("y = %v, want 1e-3 without half-precision rounding", y.data[0])
	}
}

func TestNewGeMRejectsBadArguments(t *testing.T) {
	if _, err := NewGeM(0, 3); err == nil {
		t.Error("expected error for zero kernel")
	}
	if _, err := NewGeM(2, 0); err == nil {
		t.Error("expected error for zero exponent")
	}
}

func TestGeMGradients(t *testing.T) {
	g, _ := NewGeM(3, 2.5)
	x := newInput(11, 2, 2, 9)
	// Keep every value above eps so the clamp has no kink nearby.
	for i, v := range x.data {
		x.data[i] = math.Abs(v) + 0.1
	}
	checkGradients(t, []*Tensor{x, g.p}, func(ex Exec) *Tensor { return g.Forward(ex, x) }, 1e-5)
}

func TestAdaptiveConcatPool(t *testing.T) {
	x := NewTensorFrom([]float64{
		1, 5, 3, // b0 c0
		-2, -4, 0, // b0 c1
	}, 1, 2, 3)
	y := AdaptiveConcatPool1d{}.Forward(InferenceExec(nil), x)

	want := []float64{5, 0, 3, -2}
	if y.Dims() != 2 || y.shape[1] != 4 {
		t.Fatalf("shape %v, want [1 4]", y.shape)
	}
	for i, w := range want {
		if math.Abs(y.data[i]-w) > 1e-12 {
			t.Errorf("y[%d] = %v, want %v", i, y.data[i], w)
		}
	}
}

func TestPoolGradients(t *testing.T) {
	x := newInput(12, 2, 3, 5)
	t.Run("concat", func(t *testing.T) {
		checkGradients(t, []*Tensor{x}, func(ex Exec) *Tensor { return AdaptiveConcatPool1d{}.Forward(ex, x) }, 1e-6)
	})
	t.Run("avg", func(t *testing.T) {
		checkGradients(t, []*Tensor{x}, func(ex Exec) *Tensor { return GlobalAvgPool(ex, x) }, 1e-6)
	})
	t.Run("channel", func(t *testing.T) {
		checkGradients(t, []*Tensor{x}, func(ex Exec) *Tensor { return ChannelPool(ex, x) }, 1e-6)
	})
}

func TestChannelOps(t *testing.T) {
	a := newInput(13, 2, 1, 4)
	b := newInput(14, 2, 2, 4)

	ex := InferenceExec(nil)
	cat := ConcatChannels(ex, a, b)
	if cat.shape[1] != 3 {
		t.Fatalf("concat shape %v, want 3 channels", cat.shape)
	}
	back := SelectChannels(ex, cat, 1, 3)
	for i, v := range back.data {
		if v != b.data[i] {
			t.Fatalf("select after concat differs at %d", i)
		}
	}

	checkGradients(t, []*Tensor{a, b}, func(ex Exec) *Tensor {
		return SelectChannels(ex, ConcatChannels(ex, b, a, b), 1, 4)
	}, 1e-6)

	chGate := newInput(15, 2, 2, 1)
	posGate := newInput(16, 2, 1, 4)
	checkGradients(t, []*Tensor{b, chGate, posGate}, func(ex Exec) *Tensor {
		return ScalePositions(ex, ScaleChannels(ex, b, chGate), posGate)
	}, 1e-6)
}
