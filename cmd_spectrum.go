package main

import (
	"context"
	"flag"
	"log"

	"github.com/pkg/errors"
)

// RunSpectrumCommand averages the amplitude spectrum of noise-only samples
// (target 0) and writes the reference spectrum the whitening layer divides
// by.
func RunSpectrumCommand(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("spectrum", flag.ExitOnError)

	dbPath := fs.String("db", "gwave.db", "Sample database")
	out := fs.String("out", "avr_w0.spec", "Output spectrum file")
	limit := fs.Int("limit", 0, "Use at most this many noise samples (0 = all)")
	batch := fs.Int("batch", 64, "Samples loaded per batch")
	pad := fs.Int("pad", DefaultWhitenConfig().Pad, "Reflection padding on each side")
	alpha := fs.Float64("alpha", DefaultWhitenConfig().Alpha, "Tukey window shape")
	length := fs.Int("length", DefaultModelConfig().SampleLength, "Samples per channel")

	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := OpenDatabase(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := NewSampleStore(db)
	noise := 0.0
	ids, err := store.IDs(ctx, SampleFilter{Target: &noise, Labeled: true, Limit: *limit})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no noise-only samples in the database")
	}

	cfg := DefaultWhitenConfig()
	cfg.Pad, cfg.Alpha = *pad, *alpha
	est, err := NewSpectrumEstimator(*length, cfg)
	if err != nil {
		return err
	}
	for i := 0; i < len(ids); i += *batch {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "spectrum")
		}
		end := i + *batch
		if end > len(ids) {
			end = len(ids)
		}
		b, err := store.Batch(ctx, ids[i:end])
		if err != nil {
			return err
		}
		if err := est.Add(b.X); err != nil {
			return err
		}
		logger.Printf("Accumulated %d/%d samples", est.Count(), len(ids))
	}

	spec, err := est.Result()
	if err != nil {
		return err
	}
	if err := SaveReferenceSpectrum(*out, spec); err != nil {
		return err
	}
	rows, cols := spec.Dims()
	logger.Printf("Wrote %d×%d spectrum to %s", rows, cols, *out)
	return nil
}
