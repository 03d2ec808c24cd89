package main

import (
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Mixed Precision Training
// ===========================================================================
//
// Reduced precision forward passes with full precision master weights.
//
// THE PATTERN:
//
// 1. FORWARD PASS: every activation is rounded through float16 when the
//    Exec runs in PrecisionHalf. Parameters stay float64 (master copy).
//
// 2. LOSS SCALING: small gradients (< 2^-14) underflow in float16, so the
//    loss is multiplied by LossScale before Backward().
//
// 3. UNSCALE + CHECK: gradients are divided by the same factor. If any of
//    them is inf/NaN the step is skipped and the scale is halved.
//
// 4. GROWTH: after GrowthInterval clean steps the scale doubles again.
//
// FULL PRECISION ISLANDS:
// Two computations refuse to run in float16:
//   - GeM pooling: clamp(x, 1e-6)^p is below the float16 normal range
//     and the 1/p root amplifies the rounding error
//   - spectral whitening: dividing by a reference spectrum spanning many
//     orders of magnitude
// Both derive ex.FullPrecision() for their own scope only.
//
// NUMERICAL CONSIDERATIONS:
//
// Float16 range: ±65,504 (overflows easily!)
// Float16 precision: ~3-4 decimal digits
// Float16 minimum normal: 2^-14 ≈ 0.000061 (underflows easily!)
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Mixed Precision Training" by Micikevicius et al. (2018)
//   https://arxiv.org/abs/1710.03740
//
// ===========================================================================

// Float16 represents a 16-bit IEEE 754 half-precision floating point number.
// Go doesn't have native float16, so we store it as uint16 with manual conversion.
//
// Format: 1 sign bit, 5 exponent bits, 10 mantissa bits
// Range: ±65,504 (overflows at 65,520)
// Smallest normal: 2^-14 ≈ 0.000061
type Float16 uint16

// Float32ToFloat16 converts a float32 to float16, rounding to nearest even.
// Overflow becomes ±Inf and values below the smallest normal flush to zero.
func Float32ToFloat16(f float32) Float16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}

	bits := math.Float32bits(f)
	sign := (bits >> 16) & 0x8000
	bits &= 0x7FFFFFFF

	if bits >= 0x7F800000 { // ±Inf
		return Float16(sign | 0x7C00)
	}

	// Round the 13 mantissa bits we are about to drop. A carry out of the
	// mantissa correctly bumps the exponent.
	bits += 0x0FFF + ((bits >> 13) & 1)

	if bits >= 0x47800000 { // >= 65520 after rounding
		return Float16(sign | 0x7C00)
	}
	if bits < 0x38800000 { // < 2^-14
		return Float16(sign)
	}

	exp := (bits >> 23) - 127 + 15
	mantissa := (bits >> 13) & 0x3FF
	return Float16(sign | (exp << 10) | mantissa)
}

// Float16ToFloat32 converts a float16 to float32.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F {
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	}

	// Denormals are never produced by Float32ToFloat16.
	if exp == 0 {
		return math.Float32frombits(sign)
	}

	exp32 := (exp - 15 + 127) << 23
	return math.Float32frombits(sign | exp32 | mantissa<<13)
}

// roundHalf rounds xs in place to the nearest float16 value.
func roundHalf(xs []float64) {
	for i, v := range xs {
		xs[i] = float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
	}
}

// MixedPrecisionConfig controls mixed precision training behavior.
type MixedPrecisionConfig struct {
	// Enabled runs forward passes in PrecisionHalf with loss scaling.
	Enabled bool

	// LossScale is the factor to multiply loss by before backward pass.
	// Typical values: 128, 256, 512, 1024, 2048
	LossScale float64

	// DynamicScaling halves LossScale on overflow and doubles it after
	// GrowthInterval consecutive clean steps.
	DynamicScaling bool
	GrowthInterval int

	cleanSteps int
}

// NewMixedPrecisionConfig creates a default mixed precision configuration.
func NewMixedPrecisionConfig(enabled bool) *MixedPrecisionConfig {
	return &MixedPrecisionConfig{
		Enabled:        enabled,
		LossScale:      1024.0, // 2^10
		DynamicScaling: true,
		GrowthInterval: 2000,
	}
}

// Precision returns the activation precision forward passes should use.
func (cfg *MixedPrecisionConfig) Precision() Precision {
	if cfg.Enabled {
		return PrecisionHalf
	}
	return PrecisionFull
}

// ScaleLoss multiplies the loss by LossScale before backward pass.
func (cfg *MixedPrecisionConfig) ScaleLoss(ex Exec, loss *Tensor) *Tensor {
	if !cfg.Enabled {
		return loss
	}
	return Scale(ex.FullPrecision(), loss, cfg.LossScale)
}

// UnscaleGradients divides all gradients by LossScale after backward pass.
// This must be called before the optimizer step.
func (cfg *MixedPrecisionConfig) UnscaleGradients(params []*Tensor) {
	if !cfg.Enabled {
		return
	}
	inv := 1.0 / cfg.LossScale
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] *= inv
		}
	}
}

// CheckOverflow reports whether any gradient contains inf or NaN.
func (cfg *MixedPrecisionConfig) CheckOverflow(params []*Tensor) bool {
	for _, p := range params {
		if !allFinite(p.grad) {
			return true
		}
	}
	return false
}

// Update adjusts the loss scale after a step. overflow is the result of
// CheckOverflow; the caller skips the optimizer step when it is true.
func (cfg *MixedPrecisionConfig) Update(overflow bool) {
	if !cfg.Enabled || !cfg.DynamicScaling {
		return
	}
	if overflow {
		cfg.LossScale = math.Max(cfg.LossScale/2, 1)
		cfg.cleanSteps = 0
		return
	}
	cfg.cleanSteps++
	if cfg.GrowthInterval > 0 && cfg.cleanSteps >= cfg.GrowthInterval {
		cfg.LossScale *= 2
		cfg.cleanSteps = 0
	}
}
