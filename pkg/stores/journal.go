package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/wsm/pkg/saga"
)

var _ saga.Journal = (*SQLiteStore)(nil)

const runColumns = `id, workflow, status, inputs, working, next_step, compensate_from,
	failed_step, error, started_at, updated_at, completed_at, owner, lease_expires_at`

// CreateRun implements saga.Journal.
func (s *SQLiteStore) CreateRun(ctx context.Context, rec *saga.RunRecord) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	working, err := encodeWorking(rec.Working)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Workflow,
		string(rec.Status),
		string(inputs),
		working,
		rec.NextStep,
		rec.CompensateFrom,
		rec.FailedStep,
		rec.Error,
		rec.StartedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTime(rec.CompletedAt),
		rec.Owner,
		leaseMillis(rec.LeaseExpiresAt),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", saga.ErrRunExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun implements saga.Journal.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*saga.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// SaveCheckpoint implements saga.Journal. The write only lands while
// rec.Owner still holds the run.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, rec *saga.RunRecord) error {
	working, err := encodeWorking(rec.Working)
	if err != nil {
		return err
	}

	query := `
		UPDATE runs
		SET status = ?, working = ?, next_step = ?, compensate_from = ?,
			failed_step = ?, error = ?, updated_at = ?, completed_at = ?,
			lease_expires_at = ?
		WHERE id = ? AND owner = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(rec.Status),
		working,
		rec.NextStep,
		rec.CompensateFrom,
		rec.FailedStep,
		rec.Error,
		rec.UpdatedAt.UTC(),
		nullTime(rec.CompletedAt),
		leaseMillis(rec.LeaseExpiresAt),
		rec.ID,
		rec.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return s.leaseConflict(ctx, rec.ID)
	}
	return nil
}

// ClaimRun implements saga.Journal.
func (s *SQLiteStore) ClaimRun(ctx context.Context, id, owner string, until time.Time) error {
	query := `
		UPDATE runs
		SET owner = ?, lease_expires_at = ?
		WHERE id = ? AND (owner = '' OR owner = ? OR lease_expires_at < ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		owner,
		leaseMillis(until),
		id,
		owner,
		leaseMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return s.leaseConflict(ctx, id)
	}
	return nil
}

// leaseConflict explains why a lease-guarded write to a run matched no row.
func (s *SQLiteStore) leaseConflict(ctx context.Context, id string) error {
	rec, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is held by %s until %s",
		saga.ErrRunLeased, id, rec.Owner, rec.LeaseExpiresAt.Format(time.RFC3339))
}

// AppendStepRecord implements saga.Journal.
func (s *SQLiteStore) AppendStepRecord(ctx context.Context, step *saga.StepRecord) error {
	query := `
		INSERT INTO run_steps (run_id, step_index, name, direction, outcome, attempts, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		step.RunID,
		step.Index,
		step.Name,
		string(step.Direction),
		step.Outcome,
		step.Attempts,
		step.Error,
		step.StartedAt.UTC(),
		step.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append step record: %w", err)
	}
	return nil
}

// ListRunsByStatus implements saga.Journal. Runs are ordered by start time.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...saga.RunStatus) ([]*saga.RunRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*saga.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListStepRecords returns the audit trail of a run in invocation order.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, runID string) ([]*saga.StepRecord, error) {
	query := `
		SELECT run_id, step_index, name, direction, outcome, attempts, error, started_at, duration_ms
		FROM run_steps
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	defer rows.Close()

	steps := []*saga.StepRecord{}
	for rows.Next() {
		var (
			step       saga.StepRecord
			direction  string
			durationMS int64
		)
		if err := rows.Scan(
			&step.RunID,
			&step.Index,
			&step.Name,
			&direction,
			&step.Outcome,
			&step.Attempts,
			&step.Error,
			&step.StartedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		step.Direction = saga.Direction(direction)
		step.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step records: %w", err)
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*saga.RunRecord, error) {
	var (
		rec       saga.RunRecord
		status    string
		inputs    string
		working   string
		completed sql.NullTime
		lease     int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Workflow,
		&status,
		&inputs,
		&working,
		&rec.NextStep,
		&rec.CompensateFrom,
		&rec.FailedStep,
		&rec.Error,
		&rec.StartedAt,
		&rec.UpdatedAt,
		&completed,
		&rec.Owner,
		&lease,
	); err != nil {
		return nil, err
	}
	if lease != 0 {
		rec.LeaseExpiresAt = time.UnixMilli(lease).UTC()
	}
	rec.Status = saga.RunStatus(status)
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs of run %s: %w", rec.ID, err)
	}
	rec.Working = make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(working), &rec.Working); err != nil {
		return nil, fmt.Errorf("failed to decode working record of run %s: %w", rec.ID, err)
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// leaseMillis stores lease expiry as unix milliseconds so it compares
// numerically in SQL.
func leaseMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeWorking(w map[string]json.RawMessage) (string, error) {
	if w == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to encode working record: %w", err)
	}
	return string(raw), nil
}
