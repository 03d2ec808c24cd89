package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoCheckpoint is returned when a run has no stored checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is one stored model state. State holds every parameter
// followed by every buffer, each as a gonum binary vector.
type Checkpoint struct {
	ID        int64
	Run       string
	Epoch     int
	CreatedAt time.Time
	ValLoss   float64
	ValAUC    float64
	Config    ModelConfig
	State     []byte
}

// CheckpointStore keeps model snapshots in sqlite.
type CheckpointStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCheckpointStore uses db, which must come from OpenDatabase.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db, now: time.Now}
}

// Save snapshots model and returns the new checkpoint id.
func (s *CheckpointStore) Save(ctx context.Context, run string, epoch int, valLoss, valAUC float64, model Model) (int64, error) {
	state, err := encodeState(append(model.Parameters(), model.Buffers()...))
	if err != nil {
		return 0, err
	}
	cfg, err := json.Marshal(model.Config())
	if err != nil {
		return 0, errors.Wrap(err, "encode config")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoints(run, epoch, created_at, val_loss, val_auc, config, params) VALUES(?,?,?,?,?,?,?)",
		run, epoch, s.now().Unix(), nullFloat(valLoss), nullFloat(valAUC), string(cfg), state)
	if err != nil {
		return 0, errors.Wrap(err, "insert checkpoint")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "checkpoint id")
}

const checkpointColumns = "id, run, epoch, created_at, val_loss, val_auc, config, params"

// Best returns the run's checkpoint with the highest validation AUC,
// falling back to the latest one when none has an AUC.
func (s *CheckpointStore) Best(ctx context.Context, run string) (Checkpoint, error) {
	ck, err := s.queryOne(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run = ? AND val_auc IS NOT NULL ORDER BY val_auc DESC, id DESC LIMIT 1", run)
	if errors.Cause(err) == ErrNoCheckpoint {
		return s.Latest(ctx, run)
	}
	return ck, err
}

// Latest returns the run's most recent checkpoint.
func (s *CheckpointStore) Latest(ctx context.Context, run string) (Checkpoint, error) {
	return s.queryOne(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run = ? ORDER BY id DESC LIMIT 1", run)
}

// Get returns a checkpoint by id.
func (s *CheckpointStore) Get(ctx context.Context, id int64) (Checkpoint, error) {
	return s.queryOne(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
}

func (s *CheckpointStore) queryOne(ctx context.Context, query string, args ...interface{}) (Checkpoint, error) {
	var (
		ck      Checkpoint
		created int64
		loss    sql.NullFloat64
		auc     sql.NullFloat64
		cfgJSON string
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&ck.ID, &ck.Run, &ck.Epoch, &created, &loss, &auc, &cfgJSON, &ck.State)
	if err == sql.ErrNoRows {
		return ck, errors.Wrapf(ErrNoCheckpoint, "%v", args)
	}
	if err != nil {
		return ck, errors.Wrap(err, "query checkpoint")
	}
	ck.CreatedAt = time.Unix(created, 0)
	ck.ValLoss, ck.ValAUC = math.NaN(), math.NaN()
	if loss.Valid {
		ck.ValLoss = loss.Float64
	}
	if auc.Valid {
		ck.ValAUC = auc.Float64
	}
	if err := json.Unmarshal([]byte(cfgJSON), &ck.Config); err != nil {
		return ck, errors.Wrapf(err, "decode config of checkpoint %d", ck.ID)
	}
	return ck, nil
}

// Restore copies the checkpoint state into model. The model must have the
// same architecture. On any count or size mismatch model is left untouched.
func Restore(model Model, ck Checkpoint) error {
	tensors := append(model.Parameters(), model.Buffers()...)
	vecs, err := decodeState(ck.State)
	if err != nil {
		return errors.Wrapf(err, "checkpoint %d", ck.ID)
	}
	if len(vecs) != len(tensors) {
		return errors.Wrapf(ErrShapeMismatch, "checkpoint %d holds %d tensors, model has %d", ck.ID, len(vecs), len(tensors))
	}
	for i, v := range vecs {
		if len(v) != tensors[i].Size() {
			return errors.Wrapf(ErrShapeMismatch, "checkpoint %d tensor %d has %d values, model wants %d",
				ck.ID, i, len(v), tensors[i].Size())
		}
	}
	for i, v := range vecs {
		copy(tensors[i].data, v)
	}
	return nil
}

// ModelFromCheckpoint rebuilds the checkpointed architecture and restores
// its state. The whitening spectrum comes from the checkpoint itself, so
// the spectrum file is not needed.
func ModelFromCheckpoint(rng *rand.Rand, ck Checkpoint) (Model, error) {
	vecs, err := decodeState(ck.State)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %d", ck.ID)
	}
	cfg := ck.Config
	var opts []ModelOption
	if n := cfg.Whitening.PaddedLength(cfg.SampleLength); len(vecs) > 0 && n > 0 {
		// The spectrum is the last buffer of a whitening model; any
		// placeholder of the right shape is overwritten by Restore.
		rows := len(vecs[len(vecs)-1]) / n
		if rows < 1 {
			rows = 1
		}
		ones := make([]float64, rows*n)
		for i := range ones {
			ones[i] = 1
		}
		opts = append(opts, WithReferenceSpectrum(mat.NewDense(rows, n, ones)))
	}
	model, err := NewModel(rng, cfg, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "rebuild checkpoint %d", ck.ID)
	}
	return model, Restore(model, ck)
}

func encodeState(tensors []*Tensor) ([]byte, error) {
	var buf bytes.Buffer
	for i, t := range tensors {
		if _, err := mat.NewVecDense(t.Size(), t.data).MarshalBinaryTo(&buf); err != nil {
			return nil, errors.Wrapf(err, "encode tensor %d", i)
		}
	}
	return buf.Bytes(), nil
}

func decodeState(state []byte) ([][]float64, error) {
	r := bytes.NewReader(state)
	var vecs [][]float64
	for r.Len() > 0 {
		var v mat.VecDense
		if _, err := v.UnmarshalBinaryFrom(r); err != nil {
			return nil, errors.Wrapf(err, "decode tensor %d", len(vecs))
		}
		vecs = append(vecs, v.RawVector().Data)
	}
	return vecs, nil
}
