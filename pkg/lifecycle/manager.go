package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// targets is the state each trigger lands in. It is used to recognise a
// transition that was already applied by an earlier attempt of the same run.
var targets = map[Trigger]State{
	TriggerCreate:          StateCreating,
	TriggerCreateSucceeded: StateReady,
	TriggerCreateDiscarded: StateNotExists,
	TriggerCreateBroken:    StateBroken,
	TriggerUpdate:          StateUpdating,
	TriggerUpdateSucceeded: StateReady,
	TriggerUpdateFailed:    StateReady,
	TriggerDelete:          StateDeleting,
	TriggerDeleteSucceeded: StateNotExists,
	TriggerDeleteFailed:    StateReady,
	TriggerForceDelete:     StateDeleting,
	TriggerBreak:           StateBroken,
}

// Manager applies lifecycle transitions to rows in a Store.
type Manager struct {
	store   Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l.NewComponentLogger("lifecycle") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithEvents sets the event publisher.
func WithEvents(e *telemetry.EventPublisher) Option {
	return func(m *Manager) { m.events = e }
}

// NewManager creates a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  telemetry.NewNopLogger(),
		metrics: telemetry.NewNopMetrics(),
		events:  telemetry.NewNopEventPublisher(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current snapshot of a row.
func (m *Manager) Get(ctx context.Context, key Key) (*Snapshot, error) {
	return m.store.GetSnapshot(ctx, key)
}

// StartCreate moves a resource from NOT_EXISTS to CREATING owned by runID.
// insert must write the row in state CREATING with runID, and fail if a row
// with the same key already exists. Calling StartCreate again for the same
// run is a no-op.
func (m *Manager) StartCreate(ctx context.Context, key Key, runID string, insert func(ctx context.Context) error) error {
	snap, err := m.snapshot(ctx, key)
	if err != nil {
		return err
	}
	if snap.State == StateCreating && snap.RunID == runID {
		return nil
	}
	if snap.State != StateNotExists {
		m.record(key, runID, snap.State, StateCreating, false)
		return fmt.Errorf("%w: %s already exists in state %s", ErrStateConflict, key, snap.State)
	}

	if err := insert(ctx); err != nil {
		// A retry may race its own earlier insert.
		if again, gerr := m.snapshot(ctx, key); gerr == nil && again.State == StateCreating && again.RunID == runID {
			return nil
		}
		m.record(key, runID, StateNotExists, StateCreating, false)
		return err
	}
	m.record(key, runID, StateNotExists, StateCreating, true)
	return nil
}

// CreateSucceeded moves CREATING to READY.
func (m *Manager) CreateSucceeded(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerCreateSucceeded, runID, nil)
}

// CreateFailed resolves a failed create according to rule.
func (m *Manager) CreateFailed(ctx context.Context, key Key, runID string, rule CreateFailureRule, cause error) error {
	return m.fire(ctx, key, rule.trigger(), runID, cause)
}

// StartUpdate moves READY to UPDATING owned by runID.
func (m *Manager) StartUpdate(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerUpdate, runID, nil)
}

// UpdateSucceeded moves UPDATING back to READY.
func (m *Manager) UpdateSucceeded(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerUpdateSucceeded, runID, nil)
}

// UpdateFailed moves UPDATING back to READY, recording cause.
func (m *Manager) UpdateFailed(ctx context.Context, key Key, runID string, cause error) error {
	return m.fire(ctx, key, TriggerUpdateFailed, runID, cause)
}

// StartDelete moves READY to DELETING owned by runID.
func (m *Manager) StartDelete(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerDelete, runID, nil)
}

// StartForceDelete moves BROKEN to DELETING owned by runID.
func (m *Manager) StartForceDelete(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerForceDelete, runID, nil)
}

// DeleteSucceeded removes the row.
func (m *Manager) DeleteSucceeded(ctx context.Context, key Key, runID string) error {
	return m.fire(ctx, key, TriggerDeleteSucceeded, runID, nil)
}

// DeleteFailed moves DELETING back to READY, recording cause.
func (m *Manager) DeleteFailed(ctx context.Context, key Key, runID string, cause error) error {
	return m.fire(ctx, key, TriggerDeleteFailed, runID, cause)
}

// MarkBroken moves the resource to BROKEN. When the row is in an active
// state it must be owned by runID.
func (m *Manager) MarkBroken(ctx context.Context, key Key, runID string, cause error) error {
	return m.fire(ctx, key, TriggerBreak, runID, cause)
}

func (m *Manager) snapshot(ctx context.Context, key Key) (*Snapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, key)
	if errors.Is(err, ErrResourceNotFound) {
		return &Snapshot{Key: key, State: StateNotExists}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state of %s: %w", key, err)
	}
	return snap, nil
}

// applied reports whether snap already shows the result of trigger fired by runID.
func applied(snap *Snapshot, trigger Trigger, runID string) bool {
	want := ""
	if trigger.ownsResult() {
		want = runID
	}
	return snap.State == targets[trigger] && snap.RunID == want
}

func (m *Manager) fire(ctx context.Context, key Key, trigger Trigger, runID string, cause error) error {
	snap, err := m.snapshot(ctx, key)
	if err != nil {
		return err
	}
	if applied(snap, trigger, runID) {
		return nil
	}

	to, err := Next(snap.State, trigger)
	if err != nil {
		m.record(key, runID, snap.State, targets[trigger], false)
		if snap.State == StateNotExists {
			return fmt.Errorf("%w: %s", ErrResourceNotFound, key)
		}
		return fmt.Errorf("%w: %s is %s, cannot %s", ErrStateConflict, key, snap.State, trigger)
	}
	if snap.State.IsActive() && snap.RunID != runID {
		m.record(key, runID, snap.State, to, false)
		return fmt.Errorf("%w: %s is %s by run %s, not %s", ErrStateConflict, key, snap.State, snap.RunID, runID)
	}

	var ok bool
	if to == StateNotExists {
		ok, err = m.store.Remove(ctx, key, snap.State, snap.RunID)
	} else {
		swap := Swap{
			Key:       key,
			FromState: snap.State,
			FromRunID: snap.RunID,
			ToState:   to,
		}
		if trigger.ownsResult() {
			swap.ToRunID = runID
		}
		if cause != nil {
			swap.ErrorReport = cause.Error()
		}
		ok, err = m.store.CompareAndSwap(ctx, swap)
	}
	if err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", key, to, err)
	}

	if !ok {
		// Lost a race; it is still fine if the winner was an earlier attempt of this run.
		if again, gerr := m.snapshot(ctx, key); gerr == nil && applied(again, trigger, runID) {
			return nil
		}
		m.record(key, runID, snap.State, to, false)
		return fmt.Errorf("%w: %s changed while moving from %s to %s", ErrStateConflict, key, snap.State, to)
	}

	m.record(key, runID, snap.State, to, true)
	return nil
}

func (m *Manager) record(key Key, runID string, from, to State, ok bool) {
	result := "ok"
	if !ok {
		result = "conflict"
	}
	m.metrics.RecordTransition(string(from), string(to), result)

	logger := m.logger.WithWorkspaceID(key.WorkspaceID).WithResourceID(key.ResourceID).WithRunID(runID)
	if !ok {
		logger.Infof("state conflict: %s -> %s refused", from, to)
		return
	}
	logger.Debugf("state change %s -> %s", from, to)
	_ = m.events.PublishResourceStateChanged(key.WorkspaceID, key.ResourceID, runID, string(from), string(to))
}
