package lifecycle

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// State is the lifecycle state of a resource row.
type State string

const (
	// StateNotExists is the pseudo-state of a resource without a row.
	StateNotExists State = "NOT_EXISTS"

	// StateCreating indicates a create run owns the resource.
	StateCreating State = "CREATING"

	// StateReady indicates the resource is usable and unowned.
	StateReady State = "READY"

	// StateUpdating indicates an update run owns the resource.
	StateUpdating State = "UPDATING"

	// StateDeleting indicates a delete run owns the resource.
	StateDeleting State = "DELETING"

	// StateBroken indicates compensation failed and the resource needs an operator.
	StateBroken State = "BROKEN"
)

// IsActive returns true if a run owns a resource in this state.
func (s State) IsActive() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// Validate checks if the state is a persisted state.
func (s State) Validate() error {
	switch s {
	case StateCreating, StateReady, StateUpdating, StateDeleting, StateBroken:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// Trigger is a lifecycle event.
type Trigger string

const (
	TriggerCreate          Trigger = "create"
	TriggerCreateSucceeded Trigger = "createSucceeded"
	TriggerCreateDiscarded Trigger = "createDiscarded"
	TriggerCreateBroken    Trigger = "createBroken"
	TriggerUpdate          Trigger = "update"
	TriggerUpdateSucceeded Trigger = "updateSucceeded"
	TriggerUpdateFailed    Trigger = "updateFailed"
	TriggerDelete          Trigger = "delete"
	TriggerDeleteSucceeded Trigger = "deleteSucceeded"
	TriggerDeleteFailed    Trigger = "deleteFailed"
	TriggerForceDelete     Trigger = "forceDelete"
	TriggerBreak           Trigger = "breakDown"
)

// ownsResult reports whether the row produced by the trigger carries the
// run id of the caller.
func (t Trigger) ownsResult() bool {
	switch t {
	case TriggerCreate, TriggerUpdate, TriggerDelete, TriggerForceDelete:
		return true
	}
	return false
}

// newMachine returns a state machine positioned at from. Machines are cheap
// and never shared; the row in the store is the only durable state.
func newMachine(from State) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(StateNotExists).
		Permit(TriggerCreate, StateCreating)

	sm.Configure(StateCreating).
		Permit(TriggerCreateSucceeded, StateReady).
		Permit(TriggerCreateDiscarded, StateNotExists).
		Permit(TriggerCreateBroken, StateBroken).
		Permit(TriggerBreak, StateBroken)

	sm.Configure(StateReady).
		Permit(TriggerUpdate, StateUpdating).
		Permit(TriggerDelete, StateDeleting).
		Permit(TriggerBreak, StateBroken)

	sm.Configure(StateUpdating).
		Permit(TriggerUpdateSucceeded, StateReady).
		Permit(TriggerUpdateFailed, StateReady).
		Permit(TriggerBreak, StateBroken)

	sm.Configure(StateDeleting).
		Permit(TriggerDeleteSucceeded, StateNotExists).
		Permit(TriggerDeleteFailed, StateReady).
		Permit(TriggerBreak, StateBroken)

	sm.Configure(StateBroken).
		Permit(TriggerForceDelete, StateDeleting).
		Ignore(TriggerBreak)

	return sm
}

// Next returns the state reached by firing trigger in from.
func Next(from State, trigger Trigger) (State, error) {
	sm := newMachine(from)
	if err := sm.Fire(trigger); err != nil {
		return "", fmt.Errorf("%w: %s does not permit %s", ErrInvalidTransition, from, trigger)
	}
	return sm.MustState().(State), nil
}

// CanFire reports whether trigger is permitted in from.
func CanFire(from State, trigger Trigger) bool {
	_, err := Next(from, trigger)
	return err == nil
}

// CreateFailureRule decides what happens to the row of a failed create.
type CreateFailureRule string

const (
	// CreateFailureDelete removes the row.
	CreateFailureDelete CreateFailureRule = "delete"

	// CreateFailureBroken keeps the row as BROKEN with the failure recorded.
	CreateFailureBroken CreateFailureRule = "broken"
)

// Validate checks if the rule is known.
func (r CreateFailureRule) Validate() error {
	switch r {
	case CreateFailureDelete, CreateFailureBroken:
		return nil
	default:
		return fmt.Errorf("invalid create failure rule: %s", r)
	}
}

func (r CreateFailureRule) trigger() Trigger {
	if r == CreateFailureBroken {
		return TriggerCreateBroken
	}
	return TriggerCreateDiscarded
}
