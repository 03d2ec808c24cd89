package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the training loop for the classifiers: optimizers,
// learning-rate schedules, a single training step and the epoch driver
// with validation, checkpointing and early stopping.
//
// THE TRAINING PROCESS:
//
// 1. Forward Pass:
//    - Strain batch (B, 3, L) → Model (training Exec) → (B, 1) logits
//    - Logits → binary cross-entropy against the 0/1 targets
//
// 2. Backward Pass:
//    - Loss (times the loss scale in half precision) → Backward
//    - Every parameter that took part receives ∂Loss/∂Parameter. Residual
//      branches skipped by stochastic depth receive nothing this step.
//
// 3. Optimization:
//    - Unscale and overflow-check the gradients (half precision only)
//    - Clip by global norm
//    - Update rule: SGD with momentum, or Adam / AdamW
//
// 4. Validation (once per epoch):
//    - Inference Exec, optional Monte-Carlo head averaging
//    - Loss and ROC AUC over the held-out fold
//    - Best AUC so far → checkpoint; no improvement for Patience epochs →
//      stop
//
// Learning Rate: How big a step to take in gradient direction
//   - Too large: Unstable training, divergence
//   - Too small: Slow convergence
//   - The range test in lrfinder.go is the quick way to pick one
//
// Memory:
//   - Forward: activations retained by the autograd graph
//   - Optimizer: Adam keeps two moments per parameter
//
// ===========================================================================

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// TrainingConfig holds hyperparameters for training.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64 `json:"learning_rate"`
	WeightDecay       float64 `json:"weight_decay"`
	GradientClipValue float64 `json:"gradient_clip"` // 0 disables clipping

	// Training
	BatchSize int `json:"batch_size"`
	NumEpochs int `json:"epochs"`
	MaxSteps  int `json:"max_steps"` // Max training steps (overrides epochs if set)
	Patience  int `json:"patience"`  // Epochs without AUC gain before stopping; 0 disables

	// Learning rate schedule
	WarmupSteps int     `json:"warmup_steps"` // Linear warmup from 0 to LearningRate
	DecaySteps  int     `json:"decay_steps"`  // Cosine decay after warmup
	MinLR       float64 `json:"min_lr"`

	// Optimization algorithm
	Optimizer   string  `json:"optimizer"` // "sgd", "adam", "adamw"
	Momentum    float64 `json:"momentum"`  // sgd only
	AdamBeta1   float64 `json:"adam_beta1"`
	AdamBeta2   float64 `json:"adam_beta2"`
	AdamEpsilon float64 `json:"adam_epsilon"`

	// Numerics
	MixedPrecision bool          `json:"mixed_precision"`
	Compute        ComputeConfig `json:"compute"`

	// Data
	ValidFold int `json:"valid_fold"` // samples in this fold are held out

	// Validation
	MonteCarloFolds int `json:"mc_folds"` // >0 averages that many head samples

	// Logging
	LogInterval int `json:"log_interval"` // Log every N steps
}

// DefaultTrainingConfig returns sensible defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      1e-3,
		WeightDecay:       1e-2,
		GradientClipValue: 1.0,

		BatchSize: 64,
		NumEpochs: 8,
		Patience:  3,

		WarmupSteps: 200,
		DecaySteps:  20000,
		MinLR:       1e-6,

		Optimizer:   "adamw",
		Momentum:    0.9,
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEpsilon: 1e-8,

		Compute: DefaultComputeConfig(),

		LogInterval: 50,
	}
}

// Validate rejects settings the training loop cannot run with.
func (c TrainingConfig) Validate() error {
	switch {
	case !(c.LearningRate > 0):
		return errors.Wrapf(ErrInvalidConfig, "learning rate %v", c.LearningRate)
	case c.BatchSize < 2:
		// Batch norm needs at least two samples per batch in training.
		return errors.Wrapf(ErrInvalidConfig, "batch size %d", c.BatchSize)
	case c.NumEpochs < 1 && c.MaxSteps < 1:
		return errors.Wrap(ErrInvalidConfig, "neither epochs nor max steps set")
	case c.WeightDecay < 0 || c.GradientClipValue < 0 || c.MinLR < 0:
		return errors.Wrap(ErrInvalidConfig, "negative weight decay, clip value or min lr")
	case c.DecaySteps > 0 && c.DecaySteps <= c.WarmupSteps:
		return errors.Wrapf(ErrInvalidConfig, "decay steps %d must exceed warmup %d", c.DecaySteps, c.WarmupSteps)
	}
	switch c.Optimizer {
	case "sgd", "adam", "adamw":
	default:
		return errors.Wrapf(ErrInvalidConfig, "optimizer %q", c.Optimizer)
	}
	return nil
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Parameters without a gradient this step are left untouched.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// NewOptimizer builds the optimizer named in cfg.
func NewOptimizer(cfg TrainingConfig, params []*Tensor) (Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		return NewSGDOptimizer(params, cfg.Momentum, cfg.WeightDecay), nil
	case "adam":
		return NewAdamOptimizer(params, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay, false), nil
	case "adamw":
		return NewAdamOptimizer(params, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay, true), nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "optimizer %q", cfg.Optimizer)
}

// SGDOptimizer implements Stochastic Gradient Descent with optional
// heavy-ball momentum.
type SGDOptimizer struct {
	momentum    float64
	weightDecay float64
	velocity    map[*Tensor][]float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(params []*Tensor, momentum, weightDecay float64) *SGDOptimizer {
	opt := &SGDOptimizer{
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[*Tensor][]float64, len(params)),
	}
	if momentum > 0 {
		for _, p := range params {
			opt.velocity[p] = make([]float64, p.Size())
		}
	}
	return opt
}

// Step updates parameters: v = μv + (grad + λ·param); param -= lr·v.
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		v := opt.velocity[p]
		for i := range p.data {
			// L2 regularization: add weight decay
			grad := p.grad[i] + opt.weightDecay*p.data[i]
			if v != nil {
				v[i] = opt.momentum*v[i] + grad
				grad = v[i]
			}
			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	ZeroGrads(params)
}

// AdamOptimizer implements Adam optimization algorithm.
//
// Adam combines:
//   - Momentum (moving average of gradients)
//   - RMSProp (moving average of squared gradients)
//   - Bias correction (accounts for initialization at zero)
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
//
// With decoupled set (AdamW) weight decay shrinks the parameter directly,
// param -= lr·λ·param, instead of being folded into grad.
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	decoupled   bool

	// State (one per parameter)
	m map[*Tensor][]float64 // First moment (momentum)
	v map[*Tensor][]float64 // Second moment (variance)
	t int                   // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64, decoupled bool) *AdamOptimizer {
	opt := &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		decoupled:   decoupled,
		m:           make(map[*Tensor][]float64, len(params)),
		v:           make(map[*Tensor][]float64, len(params)),
	}
	for _, p := range params {
		opt.m[p] = make([]float64, p.Size())
		opt.v[p] = make([]float64, p.Size())
	}
	return opt
}

// Step performs Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for _, p := range params {
		if p.grad == nil {
			continue
		}
		m, v := opt.m[p], opt.v[p]
		if m == nil {
			m, v = make([]float64, p.Size()), make([]float64, p.Size())
			opt.m[p], opt.v[p] = m, v
		}
		for j := range p.data {
			grad := p.grad[j]
			if opt.decoupled {
				p.data[j] -= lr * opt.weightDecay * p.data[j]
			} else {
				grad += opt.weightDecay * p.data[j]
			}

			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	ZeroGrads(params)
}

// Scheduler produces the learning rate for each successive step.
type Scheduler interface {
	GetLR() float64
}

// LRScheduler implements learning rate scheduling.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler. decaySteps == 0 keeps
// the base rate after warmup.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR returns the current learning rate.
// Uses linear warmup followed by cosine decay.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	// Phase 1: Linear warmup
	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}
	if sched.decaySteps == 0 {
		return sched.baseLR
	}

	// Phase 2: Cosine decay
	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	// Phase 3: Constant minimum
	return sched.minLR
}

// clipGradients clips gradients by global norm and returns the norm
// before clipping.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		if p.grad != nil {
			globalNorm += floats.Dot(p.grad, p.grad)
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			if p.grad != nil {
				floats.Scale(scale, p.grad)
			}
		}
	}
	return globalNorm
}

// Batch is a set of samples ready for a forward pass.
type Batch struct {
	IDs     []string
	X       *Tensor // (B, 3, L)
	Targets []float64
}

// BatchSource loads samples by id.
type BatchSource interface {
	Batch(ctx context.Context, ids []string) (Batch, error)
}

// stepper runs forward, backward and the parameter update for one batch.
// It is shared by the trainer and the learning-rate range test.
type stepper struct {
	model     Model
	optimizer Optimizer
	scaler    *MixedPrecisionConfig
	clip      float64
	compute   ComputeConfig
	rng       *rand.Rand
}

// step trains on b at learning rate lr. It returns the unscaled loss and
// whether the update was applied; a half-precision overflow skips it.
func (s *stepper) step(b Batch, lr float64) (float64, bool) {
	params := s.model.Parameters()
	s.optimizer.ZeroGrad(params)

	ex := TrainingExec(s.rng).WithPrecision(s.scaler.Precision()).WithCompute(s.compute)
	loss := BCEWithLogits(ex, s.model.Forward(ex, b.X, ForwardOptions{}), b.Targets)
	Backward(s.scaler.ScaleLoss(ex, loss))

	s.scaler.UnscaleGradients(params)
	overflow := s.scaler.CheckOverflow(params)
	s.scaler.Update(overflow)
	if overflow {
		return loss.data[0], false
	}
	clipGradients(params, s.clip)
	s.optimizer.Step(params, lr)
	return loss.data[0], true
}

// EpochResult summarizes one training epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValAUC    float64
	Duration  time.Duration
}

// Trainer fits a model on stored samples.
type Trainer struct {
	cfg     TrainingConfig
	run     string
	model   Model
	source  BatchSource
	store   *CheckpointStore // nil disables checkpointing
	logger  *log.Logger
	metrics *TrainingMetrics

	stepper   *stepper
	scheduler Scheduler
	rng       *rand.Rand
	steps     int
}

// NewTrainer wires the optimizer, scheduler and loss scaler for model.
func NewTrainer(cfg TrainingConfig, run string, model Model, source BatchSource, store *CheckpointStore, rng *rand.Rand, logger *log.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(cfg, model.Parameters())
	if err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:     cfg,
		run:     run,
		model:   model,
		source:  source,
		store:   store,
		logger:  logger,
		metrics: NewTrainingMetrics(),
		stepper: &stepper{
			model:     model,
			optimizer: opt,
			scaler:    NewMixedPrecisionConfig(cfg.MixedPrecision),
			clip:      cfg.GradientClipValue,
			compute:   cfg.Compute,
			rng:       rng,
		},
		scheduler: NewLRScheduler(cfg.LearningRate, cfg.MinLR, cfg.WarmupSteps, cfg.DecaySteps),
		rng:       rng,
	}, nil
}

// Metrics returns the per-step history recorded so far.
func (t *Trainer) Metrics() *TrainingMetrics { return t.metrics }

// Fit trains on trainIDs and validates on validIDs after every epoch.
// It stops early when the context is cancelled, MaxSteps is reached or
// validation AUC stalls for Patience epochs.
func (t *Trainer) Fit(ctx context.Context, trainIDs, validIDs []string) ([]EpochResult, error) {
	if len(trainIDs) < 2 {
		return nil, errors.Errorf("train: need at least two training samples, have %d", len(trainIDs))
	}
	t.logger.Printf("=== Training %s: %d train / %d valid samples, %d parameters ===",
		t.run, len(trainIDs), len(validIDs), countParameters(t.model.Parameters()))
	t.logger.Printf("Batch size: %d | Learning rate: %.6f | Optimizer: %s | Precision: %s",
		t.cfg.BatchSize, t.cfg.LearningRate, t.cfg.Optimizer, t.stepper.scaler.Precision())

	var results []EpochResult
	bestAUC, stale := math.Inf(-1), 0
	epochs := t.cfg.NumEpochs
	if epochs < 1 {
		epochs = math.MaxInt32
	}

training:
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		trainLoss, done, err := t.trainEpoch(ctx, epoch, trainIDs)
		if err != nil {
			return results, err
		}

		res := EpochResult{Epoch: epoch, TrainLoss: trainLoss, ValLoss: math.NaN(), ValAUC: math.NaN()}
		if len(validIDs) > 0 {
			if res.ValLoss, res.ValAUC, err = t.Evaluate(ctx, validIDs); err != nil {
				return results, errors.Wrapf(err, "validate epoch %d", epoch)
			}
		}
		res.Duration = time.Since(start)
		results = append(results, res)
		t.logger.Printf("Epoch %d | Train Loss: %.4f | Val Loss: %.4f | Val AUC: %.4f | %s",
			epoch, res.TrainLoss, res.ValLoss, res.ValAUC, res.Duration.Round(time.Second))

		switch {
		case math.IsNaN(res.ValAUC):
			// Nothing to rank by; keep the latest weights.
			if err := t.checkpoint(ctx, res); err != nil {
				return results, err
			}
		case res.ValAUC > bestAUC:
			bestAUC, stale = res.ValAUC, 0
			if err := t.checkpoint(ctx, res); err != nil {
				return results, err
			}
		default:
			stale++
			if t.cfg.Patience > 0 && stale >= t.cfg.Patience {
				t.logger.Printf("No AUC improvement for %d epochs, stopping", stale)
				break training
			}
		}
		if done {
			t.logger.Printf("Reached max steps (%d)", t.cfg.MaxSteps)
			break
		}
	}

	t.logger.Printf("=== Training Complete ===")
	return results, nil
}

// trainEpoch runs one shuffled pass. done reports that MaxSteps was hit.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int, ids []string) (float64, bool, error) {
	shuffled := append([]string(nil), ids...)
	t.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	total, counted := 0.0, 0
	for i, batchIdx := 0, 0; i < len(shuffled); i, batchIdx = i+t.cfg.BatchSize, batchIdx+1 {
		if err := ctx.Err(); err != nil {
			return 0, false, errors.Wrap(err, "train")
		}
		end := i + t.cfg.BatchSize
		if end > len(shuffled) {
			end = len(shuffled)
		}
		// A trailing single sample cannot be batch-normalized.
		if end-i < 2 {
			break
		}

		b, err := t.source.Batch(ctx, shuffled[i:end])
		if err != nil {
			return 0, false, errors.Wrapf(err, "load batch %d", batchIdx)
		}
		lr := t.scheduler.GetLR()
		loss, applied := t.stepper.step(b, lr)
		t.steps++
		t.metrics.Record(t.steps, loss, lr, epoch, batchIdx)
		if !applied {
			t.logger.Printf("Step %d | gradient overflow, loss scale now %.0f", t.steps, t.stepper.scaler.LossScale)
		} else {
			total += loss
			counted++
		}

		if t.cfg.LogInterval > 0 && t.steps%t.cfg.LogInterval == 0 {
			t.logger.Printf("Step %d | Loss: %.4f | LR: %.6f", t.steps, loss, lr)
		}
		if t.cfg.MaxSteps > 0 && t.steps >= t.cfg.MaxSteps {
			return averageLoss(total, counted), true, nil
		}
	}
	return averageLoss(total, counted), false, nil
}

func averageLoss(total float64, n int) float64 {
	if n == 0 {
		return math.NaN()
	}
	return total / float64(n)
}

// checkpoint stores the current parameters as the run's newest best.
func (t *Trainer) checkpoint(ctx context.Context, res EpochResult) error {
	if t.store == nil {
		return nil
	}
	id, err := t.store.Save(ctx, t.run, res.Epoch, res.ValLoss, res.ValAUC, t.model)
	if err != nil {
		return errors.Wrapf(err, "checkpoint epoch %d", res.Epoch)
	}
	t.logger.Printf("Saved checkpoint %d (epoch %d, AUC %.4f)", id, res.Epoch, res.ValAUC)
	return nil
}

// Evaluate returns the mean loss and ROC AUC over ids in inference mode.
func (t *Trainer) Evaluate(ctx context.Context, ids []string) (loss, auc float64, err error) {
	opts := ForwardOptions{MonteCarlo: t.cfg.MonteCarloFolds > 0, Folds: t.cfg.MonteCarloFolds}
	preds, err := Predict(ctx, t.model, t.source, ids, t.cfg.BatchSize, opts, t.rng, t.cfg.Compute)
	if err != nil {
		return 0, 0, err
	}

	scores := make([]float64, len(preds))
	labels := make([]float64, len(preds))
	total := 0.0
	for i, p := range preds {
		scores[i], labels[i] = p.Logit, p.Target
		z := p.Logit
		total += math.Max(z, 0) - z*p.Target + math.Log1p(math.Exp(-math.Abs(z)))
	}
	auc, err = ROCAUC(scores, labels)
	if err != nil {
		// A single-class fold still has a loss.
		t.logger.Printf("AUC unavailable: %v", err)
		auc = math.NaN()
	}
	return total / float64(len(preds)), auc, nil
}

// Prediction is the model output for one sample.
type Prediction struct {
	ID          string
	Logit       float64
	Probability float64
	Target      float64
}

// Predict runs the model in inference mode over ids in batches of
// batchSize. rng drives Monte-Carlo dropout and may be nil otherwise.
func Predict(ctx context.Context, model Model, source BatchSource, ids []string, batchSize int, opts ForwardOptions, rng *rand.Rand, compute ComputeConfig) ([]Prediction, error) {
	if batchSize < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "batch size %d", batchSize)
	}
	ex := InferenceExec(rng).WithCompute(compute)
	preds := make([]Prediction, 0, len(ids))
	for i := 0; i < len(ids); i += batchSize {
		if err := ctx.Err(); err != nil {
			return preds, errors.Wrap(err, "predict")
		}
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		b, err := source.Batch(ctx, ids[i:end])
		if err != nil {
			return preds, errors.Wrapf(err, "load batch at %d", i)
		}
		logits := model.Forward(ex, b.X, opts)
		probs := Probabilities(logits)
		for j, id := range b.IDs {
			p := Prediction{ID: id, Logit: logits.data[j], Probability: probs[j], Target: math.NaN()}
			if j < len(b.Targets) {
				p.Target = b.Targets[j]
			}
			preds = append(preds, p)
		}
	}
	return preds, nil
}
