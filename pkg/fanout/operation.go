package fanout

import (
	"context"
	"fmt"
	"time"
)

// Status is the state of one sub-operation.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal returns true if the operation can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Operation is the handle of one remote operation started for Item.
type Operation[T any] struct {
	ID        string
	Item      T
	Status    Status
	Err       error
	StartedAt time.Time
	Polls     int
}

// Source yields items lazily. ok is false once the source is exhausted.
type Source[T any] interface {
	Next(ctx context.Context) (item T, ok bool, err error)
}

// Driver starts and polls the remote operation for an item.
type Driver[T any] interface {
	// Skip reports whether the item needs no operation at all.
	Skip(item T) bool

	// Start begins the operation and returns its handle.
	Start(ctx context.Context, item T) (Operation[T], error)

	// Poll returns the current status of a started operation. An error
	// fails the operation.
	Poll(ctx context.Context, op Operation[T]) (Status, error)
}

// SliceSource serves items from memory.
type SliceSource[T any] struct {
	items []T
	pos   int
}

// NewSliceSource returns a source over items.
func NewSliceSource[T any](items ...T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

// Next implements Source.
func (s *SliceSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}
