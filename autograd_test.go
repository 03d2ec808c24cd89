package main

import (
	"math"
	"math/rand"
	"testing"
)

// newTestExec returns a deterministic single-threaded training context.
func newTestExec(seed int64) Exec {
	return TrainingExec(rand.New(rand.NewSource(seed))).WithCompute(SingleThreadedConfig())
}

// checkGradients compares the analytic gradient of a weighted sum of f's
// output against central finite differences for every tensor in inputs.
// f receives a freshly seeded Exec on every call so stochastic layers draw
// the same masks each time.
func checkGradients(t *testing.T, inputs []*Tensor, f func(ex Exec) *Tensor, tol float64) {
	t.Helper()

	out := f(newTestExec(1))
	weights := make([]float64, out.Size())
	r := rand.New(rand.NewSource(7))
	for i := range weights {
		weights[i] = r.Float64() - 0.5
	}
	objective := func() float64 {
		o := f(newTestExec(1).NoGrad())
		s := 0.0
		for i, v := range o.data {
			s += v * weights[i]
		}
		return s
	}

	for _, in := range inputs {
		in.ZeroGrad()
	}
	backwardFrom(out, weights)

	const h = 1e-5
	for n, in := range inputs {
		analytic := make([]float64, in.Size())
		copy(analytic, in.grad)

		step := 1
		if in.Size() > 48 {
			step = in.Size() / 48
		}
		for i := 0; i < in.Size(); i += step {
			orig := in.data[i]
			in.data[i] = orig + h
			plus := objective()
			in.data[i] = orig - h
			minus := objective()
			in.data[i] = orig

			numeric := (plus - minus) / (2 * h)
			if diff := math.Abs(numeric - analytic[i]); diff > tol*(1+math.Abs(numeric)) {
				t.Errorf("input %d element %d: analytic %.8f, numeric %.8f", n, i, analytic[i], numeric)
			}
		}
	}
}

func TestBackwardAccumulatesSharedUse(t *testing.T) {
	ex := newTestExec(0)
	w := NewParameter(3)
	copy(w.data, []float64{1, 2, 3})

	// y = w*w + w, so dy/dw = 2w + 1 with both uses landing on w.
	y := Add(ex, Mul(ex, w, w), w)
	Backward(y)

	want := []float64{3, 5, 7}
	for i, g := range w.grad {
		if g != want[i] {
			t.Errorf("grad[%d] = %v, want %v", i, g, want[i])
		}
	}
}

func TestBackwardSkipsUntrackedInputs(t *testing.T) {
	ex := newTestExec(0)
	x := NewTensorFrom([]float64{1, 2}, 2)
	w := NewParameter(2)

	y := Mul(ex, x, w)
	Backward(y)

	if x.grad != nil {
		t.Error("input without requiresGrad received a gradient")
	}
	if w.grad[0] != 1 || w.grad[1] != 2 {
		t.Errorf("unexpected parameter gradient %v", w.grad)
	}
}

func TestNoGradDoesNotRecord(t *testing.T) {
	ex := newTestExec(0).NoGrad()
	w := NewParameter(2)
	y := Scale(ex, w, 2)
	if y.requiresGrad || y.backward != nil {
		t.Error("NoGrad context recorded a graph node")
	}
}

func TestBackwardReleasesGraph(t *testing.T) {
	ex := newTestExec(0)
	w := NewParameter(2)
	y := Scale(ex, Scale(ex, w, 2), 3)
	Backward(y)
	if y.backward != nil || y.parents != nil {
		t.Error("graph edges kept after backward")
	}
	if w.grad[0] != 6 {
		t.Errorf("grad = %v, want 6", w.grad[0])
	}
}

func TestElementwiseGradients(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	a := NewTensorRand(r, 1, 2, 3)
	b := NewTensorRand(r, 1, 2, 3)
	a.requiresGrad = true
	b.requiresGrad = true

	checkGradients(t, []*Tensor{a, b}, func(ex Exec) *Tensor {
		return Scale(ex, Add(ex, Mul(ex, a, b), a), 0.5)
	}, 1e-6)
}

// newInput returns a (shape) tensor of N(0, 1) values that tracks gradients.
func newInput(seed int64, shape ...int) *Tensor {
	x := NewTensorRand(rand.New(rand.NewSource(seed)), 1, shape...)
	x.requiresGrad = true
	return x
}
