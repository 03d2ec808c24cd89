package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// probeModel is a linear classifier on the per-channel mean strain. It
// trains in milliseconds, which keeps the loop tests fast.
type probeModel struct {
	lin *Linear
}

func newProbeModel(seed int64, withBias bool) *probeModel {
	return &probeModel{lin: NewLinear(rand.New(rand.NewSource(seed)), 3, 1, withBias)}
}

func (m *probeModel) Forward(ex Exec, x *Tensor, _ ForwardOptions) *Tensor {
	return m.lin.Forward(ex, Flatten(GlobalAvgPool(ex, x)))
}

func (m *probeModel) Parameters() []*Tensor { return m.lin.Parameters() }
func (m *probeModel) Buffers() []*Tensor    { return nil }
func (m *probeModel) Config() ModelConfig   { return ModelConfig{Name: "probe"} }

func testTrainingConfig() TrainingConfig {
	cfg := DefaultTrainingConfig()
	cfg.BatchSize = 4
	cfg.NumEpochs = 3
	cfg.WarmupSteps, cfg.DecaySteps = 0, 0
	cfg.LearningRate = 0.05
	cfg.Compute = SingleThreadedConfig()
	cfg.LogInterval = 0
	return cfg
}

func TestTrainingConfigValidate(t *testing.T) {
	if err := DefaultTrainingConfig().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	tests := []struct {
		name   string
		modify func(*TrainingConfig)
	}{
		{"lr", func(c *TrainingConfig) { c.LearningRate = 0 }},
		{"batch", func(c *TrainingConfig) { c.BatchSize = 1 }},
		{"length", func(c *TrainingConfig) { c.NumEpochs, c.MaxSteps = 0, 0 }},
		{"decay", func(c *TrainingConfig) { c.WeightDecay = -1 }},
		{"schedule", func(c *TrainingConfig) { c.WarmupSteps, c.DecaySteps = 100, 50 }},
		{"optimizer", func(c *TrainingConfig) { c.Optimizer = "lamb" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTrainingConfig()
			tt.modify(&cfg)
			if errors.Cause(cfg.Validate()) != ErrInvalidConfig {
				t.Error("expected ErrInvalidConfig")
			}
		})
	}
}

func paramWithGrad(value, grad float64) *Tensor {
	p := NewParameter(1)
	p.data[0] = value
	p.gradSink()[0] = grad
	return p
}

func TestSGDOptimizer(t *testing.T) {
	p := paramWithGrad(1, 0.5)
	NewSGDOptimizer([]*Tensor{p}, 0, 0).Step([]*Tensor{p}, 0.1)
	if math.Abs(p.data[0]-0.95) > 1e-12 {
		t.Errorf("plain SGD: p = %v, want 0.95", p.data[0])
	}

	// Two momentum steps with a constant gradient move by lr·g·(1 + (1+μ)).
	p = paramWithGrad(1, 1)
	opt := NewSGDOptimizer([]*Tensor{p}, 0.9, 0)
	opt.Step([]*Tensor{p}, 0.1)
	opt.Step([]*Tensor{p}, 0.1)
	if want := 1 - 0.1*(1+1.9); math.Abs(p.data[0]-want) > 1e-12 {
		t.Errorf("momentum SGD: p = %v, want %v", p.data[0], want)
	}

	p = paramWithGrad(2, 0)
	NewSGDOptimizer([]*Tensor{p}, 0, 0.5).Step([]*Tensor{p}, 0.1)
	if math.Abs(p.data[0]-1.9) > 1e-12 {
		t.Errorf("weight decay: p = %v, want 1.9", p.data[0])
	}
}

func TestAdamOptimizer(t *testing.T) {
	// The first bias-corrected step has magnitude lr whatever the gradient.
	for _, g := range []float64{1e-3, 1, 50} {
		p := paramWithGrad(1, g)
		NewAdamOptimizer([]*Tensor{p}, 0.9, 0.999, 1e-12, 0, false).Step([]*Tensor{p}, 0.01)
		if math.Abs(p.data[0]-0.99) > 1e-9 {
			t.Errorf("grad %v: p = %v, want 0.99", g, p.data[0])
		}
	}

	// Coupled decay feeds the gradient; decoupled decay shrinks the weight.
	coupled := paramWithGrad(2, 0)
	NewAdamOptimizer([]*Tensor{coupled}, 0.9, 0.999, 1e-12, 0.1, false).Step([]*Tensor{coupled}, 0.01)
	if math.Abs(coupled.data[0]-1.99) > 1e-9 {
		t.Errorf("adam decay: p = %v, want 1.99", coupled.data[0])
	}
	decoupled := paramWithGrad(2, 0)
	NewAdamOptimizer([]*Tensor{decoupled}, 0.9, 0.999, 1e-12, 0.1, true).Step([]*Tensor{decoupled}, 0.01)
	if want := 2 - 0.01*0.1*2; math.Abs(decoupled.data[0]-want) > 1e-9 {
		t.Errorf("adamw decay: p = %v, want %v", decoupled.data[0], want)
	}
}

func TestOptimizersSkipParametersWithoutGradient(t *testing.T) {
	for _, name := range []string{"sgd", "adam", "adamw"} {
		cfg := DefaultTrainingConfig()
		cfg.Optimizer = name
		p := NewParameter(2)
		p.data[0], p.data[1] = 1, 2
		opt, err := NewOptimizer(cfg, []*Tensor{p})
		if err != nil {
			t.Fatal(err)
		}
		opt.Step([]*Tensor{p}, 0.1)
		if p.data[0] != 1 || p.data[1] != 2 {
			t.Errorf("%s moved a parameter with no gradient: %v", name, p.data)
		}
	}
}

func TestLRScheduler(t *testing.T) {
	sched := NewLRScheduler(1, 0, 4, 12)
	var lrs []float64
	for i := 0; i < 14; i++ {
		lrs = append(lrs, sched.GetLR())
	}
	checks := map[int]float64{
		0:  0.25, // warmup
		2:  0.75,
		3:  1, // peak
		7:  0.5,
		11: 0, // decayed to min
		13: 0,
	}
	for i, want := range checks {
		if math.Abs(lrs[i]-want) > 1e-12 {
			t.Errorf("step %d: lr %v, want %v", i+1, lrs[i], want)
		}
	}
	for i := 4; i < 11; i++ {
		if lrs[i] >= lrs[i-1] {
			t.Errorf("lr rose during decay at step %d", i+1)
		}
	}

	flat := NewLRScheduler(0.1, 0, 0, 0)
	for i := 0; i < 3; i++ {
		if lr := flat.GetLR(); lr != 0.1 {
			t.Errorf("constant schedule gave %v", lr)
		}
	}
}

func TestClipGradients(t *testing.T) {
	a := NewParameter(2)
	copy(a.gradSink(), []float64{3, 0})
	b := NewParameter(1)
	b.gradSink()[0] = 4
	skipped := NewParameter(3)

	params := []*Tensor{a, b, skipped}
	if norm := clipGradients(params, 0); norm != 5 || a.grad[0] != 3 {
		t.Errorf("clip 0 should only measure: norm %v, grad %v", norm, a.grad)
	}
	if norm := clipGradients(params, 1); norm != 5 {
		t.Errorf("norm = %v, want 5", norm)
	}
	if math.Abs(a.grad[0]-0.6) > 1e-12 || math.Abs(b.grad[0]-0.8) > 1e-12 {
		t.Errorf("clipped grads %v %v, want 0.6 0.8", a.grad, b.grad)
	}
	if skipped.grad != nil {
		t.Error("clipping allocated a gradient")
	}
}

func seedTrainingData(t *testing.T, n int) (*SampleStore, *CheckpointStore, []string, []string) {
	t.Helper()
	ctx := context.Background()
	db, store := newTestStore(t)
	if err := store.Put(ctx, separableSamples(7, n, 16, 4)...); err != nil {
		t.Fatal(err)
	}
	train, valid, err := store.Split(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	return store, NewCheckpointStore(db), train, valid
}

func TestTrainerLearnsSeparableData(t *testing.T) {
	ctx := context.Background()
	samples, checkpoints, train, valid := seedTrainingData(t, 32)

	model := newProbeModel(1, true)
	trainer, err := NewTrainer(testTrainingConfig(), "probe", model, samples, checkpoints, rand.New(rand.NewSource(2)), discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	results, err := trainer.Fit(ctx, train, valid)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("no epochs ran")
	}
	last := results[len(results)-1]
	if last.ValAUC < 0.99 {
		t.Errorf("final validation AUC %v on separable data", last.ValAUC)
	}
	if last.TrainLoss >= results[0].TrainLoss && len(results) > 1 {
		t.Errorf("training loss did not fall: %v → %v", results[0].TrainLoss, last.TrainLoss)
	}
	// 24 training samples in batches of 4.
	if steps := len(trainer.Metrics().Steps); steps != 6*len(results) {
		t.Errorf("%d steps recorded over %d epochs", steps, len(results))
	}

	ck, err := checkpoints.Best(ctx, "probe")
	if err != nil {
		t.Fatal(err)
	}
	if ck.Config.Name != "probe" || math.IsNaN(ck.ValAUC) {
		t.Errorf("best checkpoint %+v", ck)
	}
}

func TestTrainerMaxSteps(t *testing.T) {
	samples, _, train, valid := seedTrainingData(t, 32)
	cfg := testTrainingConfig()
	cfg.NumEpochs, cfg.MaxSteps = 0, 8

	trainer, err := NewTrainer(cfg, "steps", newProbeModel(3, true), samples, nil, rand.New(rand.NewSource(4)), discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	results, err := trainer.Fit(context.Background(), train, valid)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || len(trainer.Metrics().Steps) != 8 {
		t.Errorf("%d epochs and %d steps, want 2 and 8", len(results), len(trainer.Metrics().Steps))
	}
}

func TestTrainerPatience(t *testing.T) {
	samples, _, train, valid := seedTrainingData(t, 32)
	cfg := testTrainingConfig()
	cfg.NumEpochs, cfg.Patience = 10, 2
	// Steps this small never reorder the validation scores.
	cfg.LearningRate, cfg.WeightDecay = 1e-12, 0

	trainer, err := NewTrainer(cfg, "patience", newProbeModel(5, true), samples, nil, rand.New(rand.NewSource(6)), discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	results, err := trainer.Fit(context.Background(), train, valid)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("ran %d epochs, want 3 (one best and two stale)", len(results))
	}
}

func TestTrainerCancelled(t *testing.T) {
	samples, _, train, valid := seedTrainingData(t, 16)
	trainer, err := NewTrainer(testTrainingConfig(), "cancel", newProbeModel(7, true), samples, nil, rand.New(rand.NewSource(8)), discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trainer.Fit(ctx, train, valid); errors.Cause(err) != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	if _, err := trainer.Fit(context.Background(), train[:1], valid); err == nil {
		t.Error("expected error for a single training sample")
	}
}

func TestTrainerMixedPrecision(t *testing.T) {
	samples, _, train, valid := seedTrainingData(t, 16)
	cfg := testTrainingConfig()
	cfg.MixedPrecision = true
	cfg.NumEpochs = 1

	trainer, err := NewTrainer(cfg, "fp16", newProbeModel(9, true), samples, nil, rand.New(rand.NewSource(10)), discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	results, err := trainer.Fit(context.Background(), train, valid)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(results[0].TrainLoss) || math.IsNaN(results[0].ValLoss) {
		t.Errorf("half-precision epoch %+v", results[0])
	}
}

func TestPredict(t *testing.T) {
	ctx := context.Background()
	samples, _, _, _ := seedTrainingData(t, 5)
	ids := []string{"s004", "s000", "s003", "s001", "s002"}

	preds, err := Predict(ctx, newProbeModel(11, true), samples, ids, 2, ForwardOptions{}, nil, SingleThreadedConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != len(ids) {
		t.Fatalf("%d predictions for %d ids", len(preds), len(ids))
	}
	for i, p := range preds {
		if p.ID != ids[i] {
			t.Errorf("prediction %d is for %s, want %s", i, p.ID, ids[i])
		}
		if want := 1 / (1 + math.Exp(-p.Logit)); math.Abs(p.Probability-want) > 1e-12 {
			t.Errorf("%s: probability %v, want %v", p.ID, p.Probability, want)
		}
	}
	if preds[2].Target != 1 || preds[0].Target != 0 {
		t.Errorf("targets %v %v", preds[0].Target, preds[2].Target)
	}

	if _, err := Predict(ctx, newProbeModel(11, true), samples, ids, 0, ForwardOptions{}, nil, SingleThreadedConfig()); errors.Cause(err) != ErrInvalidConfig {
		t.Errorf("zero batch: err = %v", err)
	}
}

func TestWritePredictions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission.csv")
	preds := []Prediction{
		{ID: "a", Probability: 0.25},
		{ID: "b", Probability: math.NaN()},
	}
	if err := writePredictions(path, preds); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	labels, err := ReadLabels(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0].Target != 0.25 || labels[1].Target != 0.5 {
		t.Errorf("round trip gave %+v", labels)
	}
}
