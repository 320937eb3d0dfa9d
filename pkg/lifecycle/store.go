package lifecycle

import (
	"context"
	"errors"
)

var (
	// ErrStateConflict is returned when a row is not in the state, or not
	// owned by the run, that a transition requires.
	ErrStateConflict = errors.New("resource state conflict")

	// ErrResourceNotFound is returned when the row does not exist.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrInvalidTransition is returned when the state machine has no edge
	// for a trigger.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Key identifies a resource row.
type Key struct {
	WorkspaceID string
	ResourceID  string
}

func (k Key) String() string {
	return k.WorkspaceID + "/" + k.ResourceID
}

// Snapshot is the lifecycle-relevant part of a resource row.
type Snapshot struct {
	Key         Key
	State       State
	RunID       string
	ErrorReport string
}

// Swap describes one conditional update of a row.
type Swap struct {
	Key         Key
	FromState   State
	FromRunID   string
	ToState     State
	ToRunID     string
	ErrorReport string
}

// Store persists lifecycle state. Implementations must apply CompareAndSwap
// and Remove atomically: the row is changed only if its state and run id
// still equal the From values.
type Store interface {
	// GetSnapshot returns ErrResourceNotFound when there is no row.
	GetSnapshot(ctx context.Context, key Key) (*Snapshot, error)

	// CompareAndSwap reports whether exactly one row was updated.
	CompareAndSwap(ctx context.Context, swap Swap) (bool, error)

	// Remove deletes the row if it is in state owned by runID and reports
	// whether a row was deleted.
	Remove(ctx context.Context, key Key, state State, runID string) (bool, error)
}
