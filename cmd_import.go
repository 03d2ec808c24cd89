package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// RunImportCommand copies waveforms named in a labels CSV into the sample
// database and assigns stratified folds.
func RunImportCommand(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)

	labelsPath := fs.String("labels", "training_labels.csv", "CSV of id,target")
	root := fs.String("root", "train", "Directory tree holding <id>.npy waveforms")
	dbPath := fs.String("db", "gwave.db", "Sample database")
	folds := fs.Int("folds", 5, "Number of cross-validation folds")
	batch := fs.Int("batch", 256, "Samples written per transaction")
	limit := fs.Int("limit", 0, "Import at most this many labels (0 = all)")
	seed := fs.Int64("seed", 42, "Fold assignment seed")

	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := os.Open(*labelsPath)
	if err != nil {
		return errors.Wrap(err, "open labels")
	}
	labels, err := ReadLabels(f)
	f.Close()
	if err != nil {
		return err
	}
	logger.Printf("Read %d labels from %s", len(labels), *labelsPath)

	db, err := OpenDatabase(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := NewSampleStore(db)
	n, err := store.ImportLabels(ctx, labels, ImportOptions{
		Root:      *root,
		Folds:     *folds,
		BatchSize: *batch,
		Limit:     *limit,
	}, rand.New(rand.NewSource(*seed)), logger)
	if err != nil {
		return errors.Wrapf(err, "import stopped after %d samples", n)
	}
	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	logger.Printf("Imported %d samples, %d in %s", n, total, *dbPath)
	return nil
}
