// Package runstore keeps a record of model runs and their per-epoch
// validation losses in DuckDB.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"hydronn/ctxlog"
	"hydronn/training"
)

var (
	ErrUnknownRun = errors.New("unknown run")
	ErrNoEpochs   = errors.New("run has no epochs")
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	name        VARCHAR PRIMARY KEY,
	model       VARCHAR NOT NULL,
	hidden_size INTEGER NOT NULL,
	parameters  BIGINT NOT NULL,
	created     TIMESTAMP NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS epochs (
	run             VARCHAR NOT NULL,
	epoch           INTEGER NOT NULL,
	validation_loss DOUBLE NOT NULL,
	PRIMARY KEY (run, epoch)
)`}

// Run describes one built model.
type Run struct {
	Name       string
	Model      string
	HiddenSize int
	Parameters int
	Created    time.Time
}

// Epoch is the validation loss recorded after one epoch.
type Epoch struct {
	Epoch          int
	ValidationLoss float64
}

// Store is a DuckDB database holding runs. All access goes through a single
// connection.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. An empty path opens an
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun inserts r, replacing a run of the same name. Created defaults to
// now.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.Name == "" {
		return errors.New("run name is required")
	}
	if r.Created.IsZero() {
		r.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (name, model, hidden_size, parameters, created) VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.Model, r.HiddenSize, r.Parameters, r.Created)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.Name, err)
	}
	ctxlog.FromContext(ctx).Debug("Run recorded.", "run", r.Name, "model", r.Model)
	return nil
}

// Run returns the run called name.
func (s *Store) Run(ctx context.Context, name string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT name, model, hidden_size, parameters, created FROM runs WHERE name = ?`, name).
		Scan(&r.Name, &r.Model, &r.HiddenSize, &r.Parameters, &r.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", name, err)
	}
	return &r, nil
}

// Runs lists all runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, model, hidden_size, parameters, created FROM runs ORDER BY created, name`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.Name, &r.Model, &r.HiddenSize, &r.Parameters, &r.Created); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordEpoch stores the validation loss of epoch for run, replacing an
// earlier value.
func (s *Store) RecordEpoch(ctx context.Context, run string, epoch int, loss float64) error {
	if _, err := s.Run(ctx, run); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run, epoch, validation_loss) VALUES (?, ?, ?)`,
		run, epoch, loss)
	if err != nil {
		return fmt.Errorf("recording epoch %d of %s: %w", epoch, run, err)
	}
	return nil
}

// Epochs returns the epochs of run in order.
func (s *Store) Epochs(ctx context.Context, run string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, validation_loss FROM epochs WHERE run = ? ORDER BY epoch`, run)
	if err != nil {
		return nil, fmt.Errorf("reading epochs of %s: %w", run, err)
	}
	defer rows.Close()

	var epochs []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.Epoch, &e.ValidationLoss); err != nil {
			return nil, fmt.Errorf("scanning epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// BestEpoch returns the epoch with the lowest validation loss. Ties go to
// the earlier epoch.
func (s *Store) BestEpoch(ctx context.Context, run string) (Epoch, error) {
	var e Epoch
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, validation_loss FROM epochs WHERE run = ?
		 ORDER BY validation_loss, epoch LIMIT 1`, run).
		Scan(&e.Epoch, &e.ValidationLoss)
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, fmt.Errorf("%w: %s", ErrNoEpochs, run)
	}
	if err != nil {
		return Epoch{}, fmt.Errorf("reading best epoch of %s: %w", run, err)
	}
	return e, nil
}

// StopEpoch replays the epochs of run through stopper and returns the epoch
// at which training would have stopped. stopped is false when the run never
// triggers the stopper; epoch is then the last recorded one.
func (s *Store) StopEpoch(ctx context.Context, run string, stopper *training.EarlyStopper) (epoch int, stopped bool, err error) {
	epochs, err := s.Epochs(ctx, run)
	if err != nil {
		return 0, false, err
	}
	if len(epochs) == 0 {
		return 0, false, fmt.Errorf("%w: %s", ErrNoEpochs, run)
	}
	for _, e := range epochs {
		if stopper.Step(ctx, e.ValidationLoss) {
			return e.Epoch, true, nil
		}
	}
	return epochs[len(epochs)-1].Epoch, false, nil
}
