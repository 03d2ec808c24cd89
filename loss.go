package main

import (
	"fmt"
	"math"
)

// BCEWithLogits returns the mean binary cross-entropy between sigmoid(logits)
// and targets as a one-element tensor. logits may be (B) or (B, 1).
//
// Computed as max(z, 0) - z·y + log(1 + e^{-|z|}), which never overflows.
// The gradient with respect to z is (sigmoid(z) - y) / B.
func BCEWithLogits(ex Exec, logits *Tensor, targets []float64) *Tensor {
	ex = ex.FullPrecision()
	n := logits.Size()
	if n != len(targets) || (logits.Dims() == 2 && logits.shape[1] != 1) || logits.Dims() > 2 {
		panic(fmt.Sprintf("bce: logits %v do not match %d targets", logits.shape, len(targets)))
	}

	total := 0.0
	for i, z := range logits.data {
		y := targets[i]
		total += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
	}
	out := NewTensorFrom([]float64{total / float64(n)}, 1)

	return ex.record(out, func() {
		gz := logits.gradSink()
		if gz == nil {
			return
		}
		g := out.grad[0] / float64(n)
		for i, z := range logits.data {
			gz[i] += g * (sigmoid(z) - targets[i])
		}
	}, logits)
}

// Probabilities applies the logistic function to every logit.
func Probabilities(logits *Tensor) []float64 {
	probs := make([]float64, logits.Size())
	for i, z := range logits.data {
		probs[i] = sigmoid(z)
	}
	return probs
}
