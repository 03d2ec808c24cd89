package main

import (
	"math"
	"math/rand"
	"testing"
)

func TestConv1dOutputLength(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tests := []struct {
		name                    string
		kernel, stride, padding int
		in, want                int
	}{
		{"same", 31, 1, 15, 512, 512},
		{"valid", 64, 1, 0, 4096, 4033},
		{"strided", 3, 2, 1, 9, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConv1d(r, 1, 1, tt.kernel, WithStride(tt.stride), WithPadding(tt.padding))
			if got := c.OutputLength(tt.in); got != tt.want {
				t.Errorf("OutputLength(%d) = %d, want %d", tt.in, got, tt.want)
			}
			y := c.Forward(InferenceExec(nil), NewTensor(2, 1, tt.in))
			if y.shape[2] != tt.want {
				t.Errorf("forward length %d, want %d", y.shape[2], tt.want)
			}
		})
	}
}

func TestConv1dMatchesDirectSum(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	c := NewConv1d(r, 2, 3, 3, WithPadding(1))
	x := NewTensorRand(r, 1, 1, 2, 5)
	y := c.Forward(InferenceExec(nil), x)

	for o := 0; o < 3; o++ {
		for t0 := 0; t0 < 5; t0++ {
			want := c.bias.data[o]
			for ci := 0; ci < 2; ci++ {
				for k := 0; k < 3; k++ {
					if pos := t0 - 1 + k; pos >= 0 && pos < 5 {
						want += c.weight.At(o, ci, k) * x.At(0, ci, pos)
					}
				}
			}
			if got := y.At(0, o, t0); math.Abs(got-want) > 1e-12 {
				t.Errorf("y[%d,%d] = %v, want %v", o, t0, got, want)
			}
		}
	}
}

func TestConv1dGradients(t *testing.T) {
	tests := []struct {
		name string
		opts []ConvOption
		in   int
		out  int
	}{
		{"padded", []ConvOption{WithPadding(2)}, 2, 3},
		{"strided", []ConvOption{WithStride(2), WithPadding(1)}, 2, 2},
		{"grouped", []ConvOption{WithGroups(2), WithoutBias()}, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConv1d(rand.New(rand.NewSource(3)), tt.in, tt.out, 5, tt.opts...)
			x := newInput(4, 2, tt.in, 11)
			inputs := append([]*Tensor{x}, c.Parameters()...)
			checkGradients(t, inputs, func(ex Exec) *Tensor { return c.Forward(ex, x) }, 1e-6)
		})
	}
}

func TestConv1dParallelMatchesSerial(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	c := NewConv1d(r, 4, 8, 7, WithPadding(3))
	x := NewTensorRand(r, 1, 4, 4, 64)

	serial := c.Forward(InferenceExec(nil).WithCompute(SingleThreadedConfig()), x)
	cfg := DefaultComputeConfig()
	cfg.NumWorkers, cfg.MinSizeForParallel = 4, 1
	parallel := c.Forward(InferenceExec(nil).WithCompute(cfg), x)

	for i := range serial.data {
		if serial.data[i] != parallel.data[i] {
			t.Fatalf("element %d: serial %v, parallel %v", i, serial.data[i], parallel.data[i])
		}
	}
}

func TestBatchNormTrainingNormalizes(t *testing.T) {
	bn := NewBatchNorm1d(2)
	x := NewTensorRand(rand.New(rand.NewSource(6)), 3, 4, 2, 8)
	y := bn.Forward(newTestExec(0), x)

	for c := 0; c < 2; c++ {
		sum, sq := 0.0, 0.0
		for b := 0; b < 4; b++ {
			for i := 0; i < 8; i++ {
				v := y.At(b, c, i)
				sum += v
				sq += v * v
			}
		}
		mean, variance := sum/32, sq/32-(sum/32)*(sum/32)
		if math.Abs(mean) > 1e-9 || math.Abs(variance-1) > 1e-3 {
			t.Errorf("channel %d: mean %v, variance %v", c, mean, variance)
		}
	}
	if bn.runningMean.data[0] == 0 || bn.runningVar.data[0] == 1 {
		t.Error("running statistics were not updated")
	}
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	bn := NewBatchNorm1d(1)
	bn.runningMean.data[0], bn.runningVar.data[0] = 2, 4
	y := bn.Forward(InferenceExec(nil), NewTensorFrom([]float64{2, 4}, 2, 1))

	want := []float64{0, 2 / math.Sqrt(4+1e-5)}
	for i, w := range want {
		if math.Abs(y.data[i]-w) > 1e-12 {
			t.Errorf("y[%d] = %v, want %v", i, y.data[i], w)
		}
	}
}

func TestBatchNormSingleValuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for one value per channel")
		}
	}()
	NewBatchNorm1d(3).Forward(newTestExec(0), NewTensor(1, 3))
}

func TestBatchNormGradients(t *testing.T) {
	for _, shape := range [][]int{{4, 3}, {3, 2, 5}} {
		bn := NewBatchNorm1d(shape[1])
		copy(bn.gamma.data, []float64{0.5, 1.5, 2}[:shape[1]])
		x := newInput(7, shape...)
		inputs := append([]*Tensor{x}, bn.Parameters()...)
		checkGradients(t, inputs, func(ex Exec) *Tensor { return bn.Forward(ex, x) }, 1e-5)
	}
}

func TestLinearGradients(t *testing.T) {
	l := NewLinear(rand.New(rand.NewSource(8)), 5, 3, true)
	x := newInput(9, 4, 5)
	inputs := append([]*Tensor{x}, l.Parameters()...)
	checkGradients(t, inputs, func(ex Exec) *Tensor { return l.Forward(ex, x) }, 1e-6)
}

func TestActivations(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		want float64
	}{
		{"silu", 1, 1 / (1 + math.Exp(-1))},
		{"relu", -2, 0},
		{"elu", -1, math.Exp(-1) - 1},
		{"mish", 1, math.Tanh(math.Log1p(math.E))},
		{"sigmoid", 0, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act, err := ActivationByName(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			y := act(InferenceExec(nil), NewTensorFrom([]float64{tt.x}, 1))
			if math.Abs(y.data[0]-tt.want) > 1e-12 {
				t.Errorf("%s(%v) = %v, want %v", tt.name, tt.x, y.data[0], tt.want)
			}

			x := newInput(10, 2, 6)
			checkGradients(t, []*Tensor{x}, func(ex Exec) *Tensor { return act(ex, x) }, 1e-5)
		})
	}

	if _, err := ActivationByName("gelu"); err == nil {
		t.Error("expected error for unknown activation")
	}
}

func TestDropout(t *testing.T) {
	d := NewDropout(0.5)
	x := NewTensor(1000)
	for i := range x.data {
		x.data[i] = 1
	}

	if y := d.Forward(InferenceExec(nil), x); y != x {
		t.Error("inference dropout should be the identity")
	}

	y := d.Forward(newTestExec(1), x)
	zeros := 0
	for _, v := range y.data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected value %v, want 0 or 2", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("%d of 1000 dropped, want about 500", zeros)
	}

	mc := d.Forward(InferenceExec(rand.New(rand.NewSource(2))).WithMCDropout(), x)
	if mc == x {
		t.Error("Monte-Carlo dropout should sample a mask in inference")
	}
}
