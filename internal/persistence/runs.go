package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun upserts a run summary. Called once when the batch starts and
// again when it settles.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, total, succeeded, failed, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			duration_ms = excluded.duration_ms
	`, run.ID, run.StartedAt.UTC(), finished, run.Total, run.Succeeded, run.Failed, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, total, succeeded, failed, duration_ms
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total, succeeded, failed, duration_ms
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveTaskResult upserts one task's terminal outcome. Re-saves after
// retries overwrite the earlier attempt's row.
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, rec *TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, task_id, status, phase, issue_number, pr_number, attempts, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			issue_number = excluded.issue_number,
			pr_number = excluded.pr_number,
			attempts = excluded.attempts,
			error = excluded.error,
			duration_ms = excluded.duration_ms
	`, rec.RunID, rec.TaskID, rec.Status, rec.Phase, rec.IssueNumber, rec.PRNumber, rec.Attempts, rec.Error, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("saving result for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// ListTaskResults returns every task outcome for a run, by task id.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, runID string) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, status, COALESCE(phase, ''), issue_number, pr_number, attempts, COALESCE(error, ''), duration_ms
		FROM task_runs WHERE run_id = ? ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing results for run %s: %w", runID, err)
	}
	defer rows.Close()

	var recs []*TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Status, &rec.Phase,
			&rec.IssueNumber, &rec.PRNumber, &rec.Attempts, &rec.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning task result: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// RecordPhase appends one completed phase to the timeline.
func (s *SQLiteStore) RecordPhase(ctx context.Context, rec *PhaseRecord) error {
	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_records (run_id, task_id, phase, completed_at)
		VALUES (?, ?, ?, ?)
	`, rec.RunID, rec.TaskID, rec.Phase, completed.UTC())
	if err != nil {
		return fmt.Errorf("recording phase %s for task %s: %w", rec.Phase, rec.TaskID, err)
	}
	return nil
}

// ListPhases returns a task's completed phases in completion order.
func (s *SQLiteStore) ListPhases(ctx context.Context, runID, taskID string) ([]*PhaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, phase, completed_at
		FROM phase_records WHERE run_id = ? AND task_id = ?
		ORDER BY id
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing phases for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var recs []*PhaseRecord
	for rows.Next() {
		var rec PhaseRecord
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Phase, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning phase record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*RunRecord, error) {
	var run RunRecord
	var finished sql.NullTime
	var durationMS int64
	if err := row.Scan(&run.ID, &run.StartedAt, &finished, &run.Total, &run.Succeeded, &run.Failed, &durationMS); err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}
