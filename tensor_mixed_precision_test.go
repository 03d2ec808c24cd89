package main

import (
	"math"
	"testing"
)

// ===========================================================================
// MIXED PRECISION TESTS
// ===========================================================================
//
// Test coverage:
// 1. Float32 ↔ Float16 conversion accuracy and rounding
// 2. Special value handling (infinity, NaN, underflow)
// 3. Loss scaling, unscaling and dynamic scale adjustment
// 4. Half-precision execution context rounds activations
//
// ===========================================================================

// TestFloat16Conversion tests basic float32 to float16 conversion.
func TestFloat16Conversion(t *testing.T) {
	testCases := []struct {
		name      string
		input     float32
		expected  float32 // Expected after round-trip conversion
		tolerance float32
	}{
		{"Zero", 0.0, 0.0, 0.0},
		{"One", 1.0, 1.0, 0.0},
		{"MinusOne", -1.0, -1.0, 0.0},
		{"Small", 0.0001, 0.0001, 0.00001},
		{"Large", 1000.0, 1000.0, 0.1},
		{"MaxFloat16", 65504.0, 65504.0, 1.0},
		{"Pi", 3.14159, 3.14159, 0.001},
		{"E", 2.71828, 2.71828, 0.002},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := Float16ToFloat32(Float32ToFloat16(tc.input))
			diff := math.Abs(float64(result - tc.expected))
			if diff > float64(tc.tolerance) {
				t.Errorf("expected %v, got %v (diff: %v, tolerance: %v)",
					tc.expected, result, diff, tc.tolerance)
			}
		})
	}
}

// TestFloat16RoundsToNearest checks that dropped mantissa bits round rather
// than truncate. 1 + 2^-11 + 2^-12 lies above the midpoint between 1 and
// the next float16 (1 + 2^-10).
func TestFloat16RoundsToNearest(t *testing.T) {
	in := float32(1 + math.Pow(2, -11) + math.Pow(2, -12))
	got := Float16ToFloat32(Float32ToFloat16(in))
	want := float32(1 + math.Pow(2, -10))
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFloat16SpecialValues(t *testing.T) {
	testCases := []struct {
		name  string
		input float32
		check func(float32) bool
	}{
		{"PositiveInfinity", float32(math.Inf(1)), func(f float32) bool { return math.IsInf(float64(f), 1) }},
		{"NegativeInfinity", float32(math.Inf(-1)), func(f float32) bool { return math.IsInf(float64(f), -1) }},
		{"NaN", float32(math.NaN()), func(f float32) bool { return math.IsNaN(float64(f)) }},
		{"Overflow", 70000, func(f float32) bool { return math.IsInf(float64(f), 1) }},
		{"Underflow", 1e-6, func(f float32) bool { return f == 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := Float16ToFloat32(Float32ToFloat16(tc.input))
			if !tc.check(result) {
				t.Errorf("check failed for input %v -> %v", tc.input, result)
			}
		})
	}
}

func TestHalfPrecisionExecRoundsActivations(t *testing.T) {
	ex := newTestExec(0).WithPrecision(PrecisionHalf)
	x := NewTensorFrom([]float64{1.0001, 3.14159265}, 2)

	y := Scale(ex, x, 1)
	for i, v := range y.data {
		if v == x.data[i] {
			t.Errorf("value %d not rounded: %v", i, v)
		}
		if math.Abs(v-x.data[i]) > 2e-3 {
			t.Errorf("value %d rounded too far: %v vs %v", i, v, x.data[i])
		}
	}

	z := Scale(ex.FullPrecision(), x, 1)
	if z.data[1] != x.data[1] {
		t.Error("full precision region rounded its output")
	}
}

func TestLossScaling(t *testing.T) {
	cfg := NewMixedPrecisionConfig(true)
	ex := newTestExec(0)

	w := NewParameter(2)
	copy(w.data, []float64{1, 2})
	loss := Mul(ex, w, w)

	Backward(cfg.ScaleLoss(ex, loss))
	if w.grad[0] != 2*cfg.LossScale {
		t.Fatalf("scaled grad = %v, want %v", w.grad[0], 2*cfg.LossScale)
	}

	cfg.UnscaleGradients([]*Tensor{w})
	if w.grad[0] != 2 || w.grad[1] != 4 {
		t.Errorf("unscaled grads = %v, want [2 4]", w.grad)
	}
}

func TestDynamicLossScale(t *testing.T) {
	cfg := NewMixedPrecisionConfig(true)
	cfg.GrowthInterval = 2

	p := NewParameter(1)
	p.grad = []float64{math.Inf(1)}
	if !cfg.CheckOverflow([]*Tensor{p}) {
		t.Fatal("overflow not detected")
	}

	cfg.Update(true)
	if cfg.LossScale != 512 {
		t.Errorf("scale after overflow = %v, want 512", cfg.LossScale)
	}
	cfg.Update(false)
	cfg.Update(false)
	if cfg.LossScale != 1024 {
		t.Errorf("scale after growth = %v, want 1024", cfg.LossScale)
	}
}

func TestMixedPrecisionDisabled(t *testing.T) {
	cfg := NewMixedPrecisionConfig(false)
	if cfg.Precision() != PrecisionFull {
		t.Error("disabled config should run in full precision")
	}
	loss := NewTensorFrom([]float64{3}, 1)
	if cfg.ScaleLoss(newTestExec(0), loss) != loss {
		t.Error("disabled config should not scale the loss")
	}
}
