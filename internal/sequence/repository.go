package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run record states as stored in sequence_runs.state.
const (
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
	RunStateStopped   = "stopped"
)

// RunRecord is one row of sequence run history.
type RunRecord struct {
	ID         string     `json:"id"`
	Sequence   string     `json:"sequence"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	StepsTotal int        `json:"steps_total"`
	StepsDone  int        `json:"steps_done"`
	Warnings   int        `json:"warnings"`
	Error      string     `json:"error,omitempty"`
}

// Repository defines the interface for run history persistence.
// The abstraction keeps the engine testable without a database.
type Repository interface {
	CreateRun(ctx context.Context, rec *RunRecord) error
	FinishRun(ctx context.Context, rec *RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// runColumns is the SELECT column list for run queries.
const runColumns = `id, sequence, state, started_at, finished_at,
			steps_total, steps_done, warnings, error`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed run repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRun inserts a new run record in the running state.
func (r *SQLiteRepository) CreateRun(ctx context.Context, rec *RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sequence_runs (
			id, sequence, state, started_at, finished_at,
			steps_total, steps_done, warnings, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Sequence,
		rec.State,
		rec.StartedAt.Format(time.RFC3339),
		nullableTime(rec.FinishedAt),
		rec.StepsTotal,
		rec.StepsDone,
		rec.Warnings,
		nullableString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal state and counters.
func (r *SQLiteRepository) FinishRun(ctx context.Context, rec *RunRecord) error {
	query := `
		UPDATE sequence_runs SET
			state = ?, finished_at = ?, steps_done = ?, warnings = ?, error = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rec.State,
		nullableTime(rec.FinishedAt),
		rec.StepsDone,
		rec.Warnings,
		nullableString(rec.Error),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run %s not found", rec.ID)
	}
	return nil
}

// ListRuns retrieves recent runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ` + runColumns + `
		FROM sequence_runs
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(rows *sql.Rows) (*RunRecord, error) {
	var rec RunRecord
	var startedAt string
	var finishedAt, errMsg sql.NullString

	err := rows.Scan(
		&rec.ID,
		&rec.Sequence,
		&rec.State,
		&startedAt,
		&finishedAt,
		&rec.StepsTotal,
		&rec.StepsDone,
		&rec.Warnings,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	if t, parseErr := time.Parse(time.RFC3339, startedAt); parseErr == nil {
		rec.StartedAt = t
	}
	if finishedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339, finishedAt.String); parseErr == nil {
			rec.FinishedAt = &t
		}
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return &rec, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}
