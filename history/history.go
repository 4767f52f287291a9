// Package history keeps a SQLite log of training runs: one row per epoch and
// one row per evaluated split.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-marge/evaluation"
	"github.com/tsawler/go-marge/training"
)

// DefaultFile is the database file name inside the output directory
const DefaultFile = "history.db"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		name TEXT NOT NULL,
		resumed INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS epochs(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		ts REAL NOT NULL,
		epoch INTEGER NOT NULL,
		train_loss REAL,
		valid_loss REAL,
		learning_rate REAL NOT NULL,
		steps INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		improved INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS evaluations(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		ts REAL NOT NULL,
		mode TEXT NOT NULL,
		cases INTEGER NOT NULL,
		rmse_mean REAL,
		r2_mean REAL
	)`,
}

// Store is an open history database
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize history %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func now() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

func nullable(v float64, valid bool) sql.NullFloat64 {
	if !valid || math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Run is the handle of one training run. It implements training.EpochRecorder.
type Run struct {
	store *Store
	ID    int64
}

// StartRun inserts a new run row
func (s *Store) StartRun(ctx context.Context, name string, resumed bool) (*Run, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO runs(ts, name, resumed) VALUES(?,?,?)", now(), name, boolInt(resumed))
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return &Run{store: s, ID: id}, nil
}

// RecordEpoch appends one epoch result. Non-finite losses are stored as NULL.
func (r *Run) RecordEpoch(ctx context.Context, e training.EpochResult) error {
	_, err := r.store.db.ExecContext(ctx, `INSERT INTO epochs(run_id, ts, epoch, train_loss, valid_loss, learning_rate, steps, duration_ms, improved)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, now(), e.Epoch,
		nullable(e.TrainLoss, true), nullable(e.ValidLoss, e.HasValid),
		e.LearningRate, e.Steps, e.Duration.Milliseconds(), boolInt(e.Improved))
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// RecordEvaluation appends an evaluation summary
func (r *Run) RecordEvaluation(ctx context.Context, rep *evaluation.Report) error {
	_, err := r.store.db.ExecContext(ctx, "INSERT INTO evaluations(run_id, ts, mode, cases, rmse_mean, r2_mean) VALUES(?,?,?,?,?,?)",
		r.ID, now(), rep.Mode, rep.Cases, nullable(rep.MeanRMSE, true), nullable(rep.MeanR2, true))
	if err != nil {
		return fmt.Errorf("failed to record %s evaluation: %w", rep.Mode, err)
	}
	return nil
}

// EpochRow is a stored epoch
type EpochRow struct {
	RunID        int64
	Epoch        int
	TrainLoss    sql.NullFloat64
	ValidLoss    sql.NullFloat64
	LearningRate float64
	Steps        int
	Duration     time.Duration
	Improved     bool
}

// Epochs returns the epochs of a run in insertion order
func (s *Store) Epochs(ctx context.Context, runID int64) ([]EpochRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, epoch, train_loss, valid_loss, learning_rate, steps, duration_ms, improved
		FROM epochs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRow
	for rows.Next() {
		var row EpochRow
		var ms int64
		var improved int
		if err := rows.Scan(&row.RunID, &row.Epoch, &row.TrainLoss, &row.ValidLoss, &row.LearningRate, &row.Steps, &ms, &improved); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		row.Duration = time.Duration(ms) * time.Millisecond
		row.Improved = improved != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// EvaluationRow is a stored evaluation summary
type EvaluationRow struct {
	RunID    int64
	Mode     string
	Cases    int
	MeanRMSE sql.NullFloat64
	MeanR2   sql.NullFloat64
}

// Evaluations returns the evaluation summaries of a run
func (s *Store) Evaluations(ctx context.Context, runID int64) ([]EvaluationRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT run_id, mode, cases, rmse_mean, r2_mean FROM evaluations WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []EvaluationRow
	for rows.Next() {
		var row EvaluationRow
		if err := rows.Scan(&row.RunID, &row.Mode, &row.Cases, &row.MeanRMSE, &row.MeanR2); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Runs returns the number of runs recorded
func (s *Store) Runs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}
