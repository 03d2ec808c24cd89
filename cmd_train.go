package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// Trains one fold of a cross-validated run:
//
//   import → samples table (folds assigned)
//   spectrum → avr_w0.spec (only needed by whitening models)
//   train -fold=k → checkpoints table, metrics HTML
//
// Settings come from a JSON run config (see RunConfig) when -config is
// given; individual flags override it. Every fold other than -fold is
// used for training, -fold itself for validation. Checkpoints are written
// to the same database under the run name, so `predict -run=<name>` picks
// up the best epoch afterwards.
//
// ===========================================================================

// RunTrainCommand implements the training CLI.
func RunTrainCommand(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfg, err := bindRunFlags(fs, args)
	if err != nil {
		return err
	}
	metricsPath := fs.Lookup("html").Value.String()

	db, err := OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	samples := NewSampleStore(db)
	trainIDs, validIDs, err := samples.Split(ctx, cfg.Training.ValidFold)
	if err != nil {
		return err
	}
	logger.Printf("Fold %d: %d training and %d validation samples", cfg.Training.ValidFold, len(trainIDs), len(validIDs))

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := NewModel(rng, cfg.Model)
	if err != nil {
		return err
	}
	logger.Printf("Model %s: %d parameters", cfg.Model.Name, countParameters(model.Parameters()))

	trainer, err := NewTrainer(cfg.Training, cfg.Run, model, samples, NewCheckpointStore(db), rng, logger)
	if err != nil {
		return err
	}
	results, fitErr := trainer.Fit(ctx, trainIDs, validIDs)

	// Write whatever was recorded, even for an interrupted run.
	if metricsPath != "" && len(trainer.Metrics().Steps) > 0 {
		if err := trainer.Metrics().SaveHTML(metricsPath, cfg.Run); err != nil {
			logger.Printf("Could not save metrics: %v", err)
		} else {
			logger.Printf("Metrics written to %s", metricsPath)
		}
	}
	if fitErr != nil {
		return fitErr
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.ValAUC > best.ValAUC {
			best = r
		}
	}
	logger.Printf("Best epoch %d: val loss %.4f, val AUC %.4f", best.Epoch, best.ValLoss, best.ValAUC)
	return nil
}

// bindRunFlags registers the flags shared by train and lrfind, parses args
// and returns the run config: defaults, then the -config file, then any
// flag set explicitly on the command line.
func bindRunFlags(fs *flag.FlagSet, args []string) (RunConfig, error) {
	def := DefaultRunConfig()

	configPath := fs.String("config", "", "JSON run config (optional)")
	fs.String("html", "", "Write an HTML chart to this path")

	dbPath := fs.String("db", def.Database, "Sample and checkpoint database")
	run := fs.String("run", def.Run, "Run name for checkpoints")
	seed := fs.Int64("seed", def.Seed, "Random seed")

	modelName := fs.String("model", def.Model.Name, "Model: "+strings.Join(ModelNames(), ", "))
	spectrum := fs.String("spectrum", def.Model.SpectrumPath, "Reference spectrum for whitening models")
	width := fs.Int("n", def.Model.N, "Base channel width")
	hidden := fs.Int("nh", def.Model.NH, "Head hidden width")
	dropout := fs.Float64("dropout", def.Model.Dropout, "Head dropout")
	survival := fs.Float64("survival", def.Model.SurvivalFinal, "Survival probability of the last stochastic block")
	specDropout := fs.Float64("spec-dropout", def.Model.Whitening.SpecDropout, "Spectral dropout while training")

	epochs := fs.Int("epochs", def.Training.NumEpochs, "Number of training epochs")
	maxSteps := fs.Int("max-steps", def.Training.MaxSteps, "Stop after this many steps (0 = no limit)")
	batchSize := fs.Int("batch", def.Training.BatchSize, "Batch size")
	lr := fs.Float64("lr", def.Training.LearningRate, "Peak learning rate")
	optimizer := fs.String("optimizer", def.Training.Optimizer, "sgd, adam or adamw")
	fold := fs.Int("fold", def.Training.ValidFold, "Validation fold")
	mc := fs.Int("mc", def.Training.MonteCarloFolds, "Monte-Carlo dropout samples at validation (0 = off)")
	fp16 := fs.Bool("fp16", def.Training.MixedPrecision, "Train with half-precision activations and loss scaling")
	workers := fs.Int("workers", def.Training.Compute.NumWorkers, "Worker goroutines (0 = GOMAXPROCS)")

	if err := fs.Parse(args); err != nil {
		return def, err
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = LoadRunConfig(*configPath); err != nil {
			return cfg, err
		}
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	overrides := []struct {
		flag  string
		apply func()
	}{
		{"db", func() { cfg.Database = *dbPath }},
		{"run", func() { cfg.Run = *run }},
		{"seed", func() { cfg.Seed = *seed }},
		{"model", func() { cfg.Model.Name = *modelName }},
		{"spectrum", func() { cfg.Model.SpectrumPath = *spectrum }},
		{"n", func() { cfg.Model.N = *width }},
		{"nh", func() { cfg.Model.NH = *hidden }},
		{"dropout", func() { cfg.Model.Dropout = *dropout }},
		{"survival", func() { cfg.Model.SurvivalFinal = *survival }},
		{"spec-dropout", func() { cfg.Model.Whitening.SpecDropout = *specDropout }},
		{"epochs", func() { cfg.Training.NumEpochs = *epochs }},
		{"max-steps", func() { cfg.Training.MaxSteps = *maxSteps }},
		{"batch", func() { cfg.Training.BatchSize = *batchSize }},
		{"lr", func() { cfg.Training.LearningRate = *lr }},
		{"optimizer", func() { cfg.Training.Optimizer = *optimizer }},
		{"fold", func() { cfg.Training.ValidFold = *fold }},
		{"mc", func() { cfg.Training.MonteCarloFolds = *mc }},
		{"fp16", func() { cfg.Training.MixedPrecision = *fp16 }},
		{"workers", func() { cfg.Training.Compute.NumWorkers = *workers }},
	}
	for _, o := range overrides {
		if set[o.flag] {
			o.apply()
		}
	}
	return cfg, errors.Wrap(cfg.Validate(), "run config")
}
