package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured notification about run and resource progress.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	RunID       string                 `json:"run_id,omitempty"`
	Step        string                 `json:"step,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted           = "run.started"
	EventTypeRunCompleted         = "run.completed"
	EventTypeRunFailed            = "run.failed"
	EventTypeRunBroken            = "run.broken"
	EventTypeStepCompleted        = "step.completed"
	EventTypeStepFailed           = "step.failed"
	EventTypeResourceStateChanged = "resource.state_changed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned when an async publisher cannot keep up.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, optionally through a buffer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stop: make(chan struct{})}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// NewNopEventPublisher returns a disabled publisher.
func NewNopEventPublisher() *EventPublisher {
	return &EventPublisher{stop: make(chan struct{})}
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.buffer != nil {
		select {
		case <-ep.stop:
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return ErrEventBufferFull
		}
	}

	ep.deliver(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, workflow string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started (%s)", runID, workflow),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"workflow": workflow},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"status": status, "duration": duration.Seconds()},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishRunBroken publishes an event for a run whose compensation failed.
func (ep *EventPublisher) PublishRunBroken(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunBroken,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s left resource broken: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishStepCompleted publishes a step completed event.
func (ep *EventPublisher) PublishStepCompleted(runID, step, direction string, attempts int) error {
	return ep.Publish(Event{
		Type:    EventTypeStepCompleted,
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s (%s) completed", step, direction),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"direction": direction, "attempts": attempts},
	})
}

// PublishStepFailed publishes a step failed event.
func (ep *EventPublisher) PublishStepFailed(runID, step, direction, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepFailed,
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s (%s) failed: %s", step, direction, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"direction": direction, "reason": reason},
	})
}

// PublishResourceStateChanged publishes a lifecycle transition.
func (ep *EventPublisher) PublishResourceStateChanged(workspaceID, resourceID, runID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:        EventTypeResourceStateChanged,
		RunID:       runID,
		WorkspaceID: workspaceID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Resource %s state changed from %s to %s", resourceID, oldState, newState),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"old_state": oldState, "new_state": newState},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver calls subscribers synchronously, in subscription order.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

// FilterByRunID only allows events for one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool { return event.RunID == runID }
}
