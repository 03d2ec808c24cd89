package main

import (
	"context"
	"flag"
	"log"
	"math/rand"

	"github.com/pkg/errors"
)

// RunLRFindCommand runs a learning-rate range test on the training folds
// and reports the steepest-descent rate. It accepts every train flag.
func RunLRFindCommand(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("lrfind", flag.ExitOnError)
	rc := DefaultRangeTestConfig()
	fs.Float64Var(&rc.StartLR, "start-lr", rc.StartLR, "First learning rate of the sweep")
	fs.Float64Var(&rc.EndLR, "end-lr", rc.EndLR, "Last learning rate of the sweep")
	fs.IntVar(&rc.NumIter, "iters", rc.NumIter, "Sweep length in steps")
	fs.Float64Var(&rc.SmoothF, "smooth", rc.SmoothF, "Loss smoothing factor")
	fs.Float64Var(&rc.DivergeTh, "diverge", rc.DivergeTh, "Stop when the loss exceeds this multiple of its minimum")
	skipStart := fs.Int("skip-start", 10, "Points ignored at the start of the curve")
	skipEnd := fs.Int("skip-end", 5, "Points ignored at the end of the curve")

	cfg, err := bindRunFlags(fs, args)
	if err != nil {
		return err
	}
	htmlPath := fs.Lookup("html").Value.String()

	db, err := OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	samples := NewSampleStore(db)
	trainIDs, _, err := samples.Split(ctx, cfg.Training.ValidFold)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	rng.Shuffle(len(trainIDs), func(i, j int) { trainIDs[i], trainIDs[j] = trainIDs[j], trainIDs[i] })
	model, err := NewModel(rng, cfg.Model)
	if err != nil {
		return err
	}

	logger.Printf("Range test %.1e → %.1e over %d steps on %d samples", rc.StartLR, rc.EndLR, rc.NumIter, len(trainIDs))
	res, err := NewLRFinder(model, samples, cfg.Training, rng, logger).RangeTest(ctx, trainIDs, rc)
	if err != nil {
		return err
	}

	if htmlPath != "" {
		if err := SaveLRFinderHTML(htmlPath, res, *skipStart, *skipEnd); err != nil {
			return err
		}
		logger.Printf("Plot written to %s", htmlPath)
	}
	lr, err := res.Suggestion(*skipStart, *skipEnd)
	if err != nil {
		return errors.Wrapf(err, "%d points recorded", len(res.LRs))
	}
	logger.Printf("Suggested learning rate: %.2e", lr)
	return nil
}
