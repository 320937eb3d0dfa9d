package saga

import (
	"context"
	"encoding/json"
	"time"
)

// RunRecord is the persisted checkpoint of a run.
type RunRecord struct {
	ID       string
	Workflow string
	Status   RunStatus
	Inputs   InputParameters
	Working  map[string]json.RawMessage

	// NextStep is the number of forward steps that reported success.
	NextStep int

	// CompensateFrom is the index of the next step to compensate, or -1.
	CompensateFrom int

	// FailedStep is the index of the step whose failure triggered
	// compensation, or -1.
	FailedStep int

	Error       string
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// Owner is the runner holding the run. Another runner may only take it
	// over once LeaseExpiresAt has passed.
	Owner          string
	LeaseExpiresAt time.Time
}

// StepRecord is an audit entry for one Execute or Compensate invocation,
// including all of its retries.
type StepRecord struct {
	RunID     string
	Index     int
	Name      string
	Direction Direction
	Outcome   string
	Attempts  int
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Journal persists run checkpoints.
type Journal interface {
	// CreateRun stores a new run; it returns ErrRunExists for a duplicate id.
	CreateRun(ctx context.Context, rec *RunRecord) error

	// GetRun returns ErrRunNotFound for an unknown id.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// SaveCheckpoint overwrites the mutable fields of an existing run and
	// extends its lease to rec.LeaseExpiresAt. It returns ErrRunLeased when
	// rec.Owner no longer holds the run.
	SaveCheckpoint(ctx context.Context, rec *RunRecord) error

	// ClaimRun gives owner the run's lease until the given time. It succeeds
	// when the run has no owner, is already held by owner, or its lease has
	// expired; otherwise it returns ErrRunLeased.
	ClaimRun(ctx context.Context, id, owner string, until time.Time) error

	// AppendStepRecord adds an audit entry.
	AppendStepRecord(ctx context.Context, step *StepRecord) error

	// ListRunsByStatus returns runs in any of the given statuses.
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*RunRecord, error)
}
