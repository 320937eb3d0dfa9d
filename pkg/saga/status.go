package saga

import "fmt"

// RunStatus is the durable status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is persisted but has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates forward steps are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompensating indicates a step failed and earlier steps are being undone.
	RunStatusCompensating RunStatus = "compensating"

	// RunStatusSucceeded indicates every step reported success.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed and was fully compensated.
	RunStatusFailed RunStatus = "failed"

	// RunStatusBroken indicates compensation itself failed.
	RunStatusBroken RunStatus = "broken"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusBroken
}

// IsActive returns true if the run still has work to do.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusCompensating
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompensating,
		RunStatusSucceeded, RunStatusFailed, RunStatusBroken:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// External collapses the internal status into what callers observe.
func (s RunStatus) External() ExternalStatus {
	switch s {
	case RunStatusSucceeded:
		return ExternalSucceeded
	case RunStatusFailed, RunStatusBroken:
		return ExternalFailed
	default:
		return ExternalRunning
	}
}

// ExternalStatus is the caller-visible run status.
type ExternalStatus string

const (
	ExternalRunning   ExternalStatus = "Running"
	ExternalSucceeded ExternalStatus = "Succeeded"
	ExternalFailed    ExternalStatus = "Failed"
)

// Direction tells whether a step record belongs to forward execution or to
// compensation.
type Direction string

const (
	DirectionDo   Direction = "do"
	DirectionUndo Direction = "undo"
)
