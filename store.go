package main

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// One sqlite file holds the imported samples and the training checkpoints.
const schema = `
CREATE TABLE IF NOT EXISTS samples(
	id       TEXT PRIMARY KEY,
	target   REAL NOT NULL,
	fold     INTEGER NOT NULL,
	channels INTEGER NOT NULL,
	length   INTEGER NOT NULL,
	wave     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_fold ON samples(fold);
CREATE TABLE IF NOT EXISTS checkpoints(
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run        TEXT NOT NULL,
	epoch      INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	val_loss   REAL,
	val_auc    REAL,
	config     TEXT NOT NULL,
	params     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_run ON checkpoints(run, id);
`

// OpenDatabase opens (creating if needed) the sqlite database at path.
// Use ":memory:" for a throwaway database.
func OpenDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers, which sqlite requires anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return db, nil
}

// nullFloat maps NaN to SQL NULL.
func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v == v}
}
