package main

import (
	"context"
	"encoding/csv"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// RunPredictCommand scores samples with a stored checkpoint and writes an
// `id,target` CSV of probabilities.
func RunPredictCommand(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)

	dbPath := fs.String("db", "gwave.db", "Database holding the samples to score")
	ckPath := fs.String("checkpoints", "", "Database holding the checkpoints (default: -db)")
	run := fs.String("run", "default", "Run whose best checkpoint is used")
	ckID := fs.Int64("checkpoint", 0, "Use this checkpoint id instead of the run's best")
	out := fs.String("out", "submission.csv", "Output CSV")
	batch := fs.Int("batch", 64, "Batch size")
	mc := fs.Int("mc", 0, "Monte-Carlo dropout samples (0 = off)")
	limit := fs.Int("limit", 0, "Score at most this many samples (0 = all)")
	seed := fs.Int64("seed", 42, "Seed for Monte-Carlo dropout")
	workers := fs.Int("workers", 0, "Worker goroutines (0 = GOMAXPROCS)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := OpenDatabase(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ckDB := db
	if *ckPath != "" && *ckPath != *dbPath {
		if ckDB, err = OpenDatabase(ctx, *ckPath); err != nil {
			return err
		}
		defer ckDB.Close()
	}
	store := NewCheckpointStore(ckDB)
	var ck Checkpoint
	if *ckID > 0 {
		ck, err = store.Get(ctx, *ckID)
	} else {
		ck, err = store.Best(ctx, *run)
	}
	if err != nil {
		return err
	}
	logger.Printf("Checkpoint %d: %s, epoch %d, val AUC %.4f", ck.ID, ck.Config.Name, ck.Epoch, ck.ValAUC)

	rng := rand.New(rand.NewSource(*seed))
	model, err := ModelFromCheckpoint(rng, ck)
	if err != nil {
		return err
	}

	samples := NewSampleStore(db)
	ids, err := samples.IDs(ctx, SampleFilter{Limit: *limit})
	if err != nil {
		return err
	}
	compute := DefaultComputeConfig()
	compute.NumWorkers = *workers
	preds, err := Predict(ctx, model, samples, ids, *batch, ForwardOptions{MonteCarlo: *mc > 0, Folds: *mc}, rng, compute)
	if err != nil {
		return err
	}

	if err := writePredictions(*out, preds); err != nil {
		return err
	}
	logger.Printf("Wrote %d predictions to %s", len(preds), *out)

	scores, labels := make([]float64, 0, len(preds)), make([]float64, 0, len(preds))
	for _, p := range preds {
		if p.Target == 0 || p.Target == 1 {
			scores, labels = append(scores, p.Logit), append(labels, p.Target)
		}
	}
	if auc, err := ROCAUC(scores, labels); err == nil {
		logger.Printf("AUC on %d labeled samples: %.4f", len(labels), auc)
	}
	return nil
}

func writePredictions(path string, preds []Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create predictions")
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "target"}); err != nil {
		f.Close()
		return errors.Wrap(err, "write predictions")
	}
	for _, p := range preds {
		prob := p.Probability
		if math.IsNaN(prob) {
			prob = 0.5
		}
		if err := w.Write([]string{p.ID, strconv.FormatFloat(prob, 'g', -1, 64)}); err != nil {
			f.Close()
			return errors.Wrap(err, "write predictions")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush predictions")
	}
	return errors.Wrap(f.Close(), "close predictions")
}
