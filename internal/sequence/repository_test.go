package sequence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the run schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	// Matches the sequence_runs migration.
	schema := `
		CREATE TABLE sequence_runs (
			id           TEXT PRIMARY KEY,
			sequence     TEXT NOT NULL,
			state        TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			finished_at  TEXT,
			steps_total  INTEGER NOT NULL,
			steps_done   INTEGER NOT NULL DEFAULT 0,
			warnings     INTEGER NOT NULL DEFAULT 0,
			error        TEXT
		);`

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestRepository_CreateAndFinishRun(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	rec := &RunRecord{
		ID:         "run-1",
		Sequence:   "sequence1",
		State:      RunStateRunning,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		StepsTotal: 30,
	}
	if err := repo.CreateRun(ctx, rec); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	rec.State = RunStateCompleted
	rec.FinishedAt = &now
	rec.StepsDone = 30
	rec.Warnings = 2
	if err := repo.FinishRun(ctx, rec); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := repo.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}

	got := runs[0]
	if got.ID != "run-1" || got.Sequence != "sequence1" {
		t.Errorf("run = %s/%s, want run-1/sequence1", got.ID, got.Sequence)
	}
	if got.State != RunStateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.StepsDone != 30 || got.Warnings != 2 {
		t.Errorf("steps_done/warnings = %d/%d, want 30/2", got.StepsDone, got.Warnings)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, now)
	}
}

func TestRepository_FinishRun_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	err := repo.FinishRun(context.Background(), &RunRecord{ID: "missing", State: RunStateFailed})
	if err == nil {
		t.Error("FinishRun on missing run: error = nil, want not-found error")
	}
}

func TestRepository_ListRuns_OrderAndLimit(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &RunRecord{
			ID:         string(rune('a' + i)),
			Sequence:   "cleaning_sequence",
			State:      RunStateCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			StepsTotal: 10,
		}
		if err := repo.CreateRun(ctx, rec); err != nil {
			t.Fatalf("CreateRun(%d): %v", i, err)
		}
	}

	runs, err := repo.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	// Newest first.
	if runs[0].ID != "e" || runs[2].ID != "c" {
		t.Errorf("order = %s..%s, want e..c", runs[0].ID, runs[2].ID)
	}

	// Failure details round-trip.
	errRec := &RunRecord{
		ID:         "failed-run",
		Sequence:   "sequence1",
		State:      RunStateRunning,
		StartedAt:  base.Add(time.Hour),
		StepsTotal: 10,
	}
	if err := repo.CreateRun(ctx, errRec); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	fin := base.Add(2 * time.Hour)
	errRec.State = RunStateFailed
	errRec.FinishedAt = &fin
	errRec.Error = "step 3 (close filter plate): axis fault"
	if err := repo.FinishRun(ctx, errRec); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err = repo.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if runs[0].ID != "failed-run" || runs[0].Error == "" {
		t.Errorf("latest run = %+v, want failed-run with error text", runs[0])
	}
}
