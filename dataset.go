package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Sample storage. Waveforms arrive as one .npy file per sample, laid out
// the way the public G2Net data is:
//
//   root/a/b/c/abc1234567.npy     shape (3, L), float32 or float64
//
// with labels in a CSV of `id,target`. Import copies every waveform into
// the samples table as a gonum binary-encoded (channels × length) matrix
// and assigns a cross-validation fold. Folds are stratified: positives and
// negatives are shuffled separately and dealt round-robin, so every fold
// has the class balance of the whole set.
//
// Training then reads batches by id without touching the filesystem.
//
// ===========================================================================

// UnlabeledFold marks samples imported without a usable target.
const UnlabeledFold = -1

// Sample is one stored waveform.
type Sample struct {
	ID     string
	Target float64
	Fold   int
	Wave   *mat.Dense // (channels, length)
}

// SampleStore keeps waveforms, targets and folds in sqlite.
type SampleStore struct {
	db *sql.DB
}

// NewSampleStore uses db, which must come from OpenDatabase.
func NewSampleStore(db *sql.DB) *SampleStore {
	return &SampleStore{db: db}
}

// Put inserts or replaces samples in a single transaction.
func (s *SampleStore) Put(ctx context.Context, samples ...Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO samples(id, target, fold, channels, length, wave) VALUES(?,?,?,?,?,?)")
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, smp := range samples {
		blob, err := smp.Wave.MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "encode %s", smp.ID)
		}
		ch, n := smp.Wave.Dims()
		if _, err := stmt.ExecContext(ctx, smp.ID, smp.Target, smp.Fold, ch, n, blob); err != nil {
			return errors.Wrapf(err, "insert %s", smp.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Get loads one sample.
func (s *SampleStore) Get(ctx context.Context, id string) (Sample, error) {
	var (
		smp  = Sample{ID: id}
		blob []byte
	)
	err := s.db.QueryRowContext(ctx, "SELECT target, fold, wave FROM samples WHERE id = ?", id).
		Scan(&smp.Target, &smp.Fold, &blob)
	if err == sql.ErrNoRows {
		return smp, errors.Errorf("sample %q not found", id)
	}
	if err != nil {
		return smp, errors.Wrapf(err, "query %s", id)
	}
	smp.Wave = new(mat.Dense)
	if err := smp.Wave.UnmarshalBinary(blob); err != nil {
		return smp, errors.Wrapf(err, "decode %s", id)
	}
	return smp, nil
}

// Batch assembles ids into a (B, C, L) tensor with their targets. Every
// sample must have the same shape.
func (s *SampleStore) Batch(ctx context.Context, ids []string) (Batch, error) {
	if len(ids) == 0 {
		return Batch{}, errors.New("batch: no ids")
	}
	b := Batch{IDs: append([]string(nil), ids...), Targets: make([]float64, len(ids))}
	var channels, length int
	for i, id := range ids {
		smp, err := s.Get(ctx, id)
		if err != nil {
			return Batch{}, err
		}
		ch, n := smp.Wave.Dims()
		if b.X == nil {
			channels, length = ch, n
			b.X = NewTensor(len(ids), ch, n)
		} else if ch != channels || n != length {
			return Batch{}, errors.Wrapf(ErrShapeMismatch, "sample %s is (%d, %d), batch is (%d, %d)", id, ch, n, channels, length)
		}
		dst := b.X.data[i*ch*n : (i+1)*ch*n]
		for c := 0; c < ch; c++ {
			mat.Row(dst[c*n:(c+1)*n], c, smp.Wave)
		}
		b.Targets[i] = smp.Target
	}
	return b, nil
}

// SampleFilter restricts IDs. The zero value selects every sample.
type SampleFilter struct {
	Fold        *int // only this fold
	ExcludeFold *int // every fold but this one
	Labeled     bool // skip UnlabeledFold
	Target      *float64
	Limit       int
}

// IDs returns sample ids matching f in id order.
func (s *SampleStore) IDs(ctx context.Context, f SampleFilter) ([]string, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Fold != nil {
		where, args = append(where, "fold = ?"), append(args, *f.Fold)
	}
	if f.ExcludeFold != nil {
		where, args = append(where, "fold != ?"), append(args, *f.ExcludeFold)
	}
	if f.Labeled {
		where, args = append(where, "fold != ?"), append(args, UnlabeledFold)
	}
	if f.Target != nil {
		where, args = append(where, "target = ?"), append(args, *f.Target)
	}
	q := "SELECT id FROM samples"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list samples")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "list samples")
}

// Split returns labeled training ids (every fold but validFold) and the
// validFold ids.
func (s *SampleStore) Split(ctx context.Context, validFold int) (train, valid []string, err error) {
	if train, err = s.IDs(ctx, SampleFilter{ExcludeFold: &validFold, Labeled: true}); err != nil {
		return nil, nil, err
	}
	valid, err = s.IDs(ctx, SampleFilter{Fold: &validFold})
	return train, valid, err
}

// Count returns the number of stored samples.
func (s *SampleStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&n)
	return n, errors.Wrap(err, "count samples")
}

// Label is one row of a labels CSV.
type Label struct {
	ID     string
	Target float64
}

// ReadLabels parses an `id,target` CSV with a header row. A target that
// is not 0 or 1 (e.g. the 0.5 of a submission template) marks the sample
// as unlabeled.
func ReadLabels(r io.Reader) ([]Label, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read labels header")
	}
	if strings.TrimSpace(header[0]) != "id" {
		return nil, errors.Errorf("labels: first column is %q, want id", header[0])
	}
	var labels []Label
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read labels")
		}
		target, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "target of %s", rec[0])
		}
		labels = append(labels, Label{ID: strings.TrimSpace(rec[0]), Target: target})
	}
	return labels, nil
}

// AssignFolds deals labeled samples into k stratified folds. Samples whose
// target is neither 0 nor 1 get UnlabeledFold.
func AssignFolds(labels []Label, k int, rng *rand.Rand) (map[string]int, error) {
	if k < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "fold count %d", k)
	}
	byClass := map[float64][]string{}
	folds := make(map[string]int, len(labels))
	for _, l := range labels {
		if l.Target != 0 && l.Target != 1 {
			folds[l.ID] = UnlabeledFold
			continue
		}
		byClass[l.Target] = append(byClass[l.Target], l.ID)
	}
	for _, target := range []float64{0, 1} {
		ids := byClass[target]
		sort.Strings(ids)
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		for i, id := range ids {
			folds[id] = i % k
		}
	}
	return folds, nil
}

// SamplePath returns where the G2Net layout keeps the waveform of id.
func SamplePath(root, id string) string {
	if len(id) < 3 {
		return filepath.Join(root, id+".npy")
	}
	return filepath.Join(root, id[:1], id[1:2], id[2:3], id+".npy")
}

// ReadWaveform loads a 2-D little-endian float .npy file as a matrix.
func ReadWaveform(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open waveform")
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "npy header %s", path)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 || r.Header.Descr.Fortran {
		return nil, errors.Errorf("%s: want a C-ordered 2-D array, got shape %v", path, shape)
	}
	rows, cols := shape[0], shape[1]

	data := make([]float64, rows*cols)
	switch r.Header.Descr.Type {
	case "<f8":
		if err := r.Read(&data); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	case "<f4":
		raw := make([]float32, rows*cols)
		if err := r.Read(&raw); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	default:
		return nil, errors.Errorf("%s: unsupported dtype %s", path, r.Header.Descr.Type)
	}
	return mat.NewDense(rows, cols, data), nil
}

// ImportOptions control ImportLabels.
type ImportOptions struct {
	Root      string // waveform tree
	Folds     int
	BatchSize int // samples per transaction
	Limit     int // 0 imports every label
}

// ImportLabels reads labels, loads each waveform from opts.Root and stores
// it with its fold. It returns the number of samples written.
func (s *SampleStore) ImportLabels(ctx context.Context, labels []Label, opts ImportOptions, rng *rand.Rand, logger *log.Logger) (int, error) {
	if opts.Limit > 0 && opts.Limit < len(labels) {
		labels = labels[:opts.Limit]
	}
	folds, err := AssignFolds(labels, opts.Folds, rng)
	if err != nil {
		return 0, err
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 256
	}

	written := 0
	pending := make([]Sample, 0, opts.BatchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.Put(ctx, pending...); err != nil {
			return err
		}
		written += len(pending)
		pending = pending[:0]
		logger.Printf("Imported %d/%d samples", written, len(labels))
		return nil
	}

	for _, l := range labels {
		if err := ctx.Err(); err != nil {
			return written, errors.Wrap(err, "import")
		}
		wave, err := ReadWaveform(SamplePath(opts.Root, l.ID))
		if err != nil {
			return written, err
		}
		pending = append(pending, Sample{ID: l.ID, Target: l.Target, Fold: folds[l.ID], Wave: wave})
		if len(pending) == opts.BatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	return written, flush()
}
