// Package persistence keeps the run history: one record per batch and
// one per task outcome, queryable by the status and export commands
// long after the process registry has been cleaned up.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord summarizes one batch execution.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// TaskRecord is one task's terminal outcome within a run.
type TaskRecord struct {
	RunID       string
	TaskID      string
	Status      string
	Phase       string
	IssueNumber int
	PRNumber    int
	Attempts    int
	Error       string
	Duration    time.Duration
}

// PhaseRecord is one completed phase, kept for timeline output.
type PhaseRecord struct {
	RunID       string
	TaskID      string
	Phase       string
	CompletedAt time.Time
}

// Store is the run-history interface.
type Store interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	SaveTaskResult(ctx context.Context, rec *TaskRecord) error
	ListTaskResults(ctx context.Context, runID string) ([]*TaskRecord, error)
	RecordPhase(ctx context.Context, rec *PhaseRecord) error
	ListPhases(ctx context.Context, runID, taskID string) ([]*PhaseRecord, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the history database.
// WAL mode and a busy timeout keep concurrent writers from tripping
// over each other.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory store for tests and dry runs.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		total INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT,
		issue_number INTEGER NOT NULL DEFAULT 0,
		pr_number INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_run_id ON task_runs(run_id);

	CREATE TABLE IF NOT EXISTS phase_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_phase_records_task
		ON phase_records(run_id, task_id, completed_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
