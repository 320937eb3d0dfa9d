package fanout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/wsm/pkg/saga"
)

// Result buckets finished operations by status.
type Result[T any] struct {
	buckets map[Status][]Operation[T]

	// Skipped counts items the driver skipped.
	Skipped int
}

func newResult[T any]() *Result[T] {
	return &Result[T]{buckets: make(map[Status][]Operation[T])}
}

func (r *Result[T]) add(op Operation[T]) {
	r.buckets[op.Status] = append(r.buckets[op.Status], op)
}

// Bucket returns the operations that ended in status.
func (r *Result[T]) Bucket(status Status) []Operation[T] {
	return r.buckets[status]
}

// Count returns the number of operations that ended in status.
func (r *Result[T]) Count(status Status) int {
	return len(r.buckets[status])
}

// Total returns the number of started or attempted operations.
func (r *Result[T]) Total() int {
	n := 0
	for _, ops := range r.buckets {
		n += len(ops)
	}
	return n
}

// Succeeded is true when no operation ended outside the Succeeded bucket.
func (r *Result[T]) Succeeded() bool {
	for status, ops := range r.buckets {
		if status != StatusSucceeded && len(ops) > 0 {
			return false
		}
	}
	return true
}

// Outcome maps the result onto a task outcome. Operations that only ran out
// of time are retryable; anything that failed or was cancelled is fatal.
func (r *Result[T]) Outcome() saga.Outcome {
	if r.Succeeded() {
		return saga.Success()
	}
	err := r.Err()
	if r.Count(StatusFailed) > 0 || r.Count(StatusCancelled) > 0 || r.Count(StatusNotStarted) > 0 {
		return saga.Fatal(err)
	}
	return saga.Retry(err)
}

// Err summarises unsuccessful operations, or returns nil.
func (r *Result[T]) Err() error {
	if r.Succeeded() {
		return nil
	}
	var errs []error
	for _, status := range []Status{StatusFailed, StatusCancelled, StatusInProgress, StatusNotStarted} {
		for _, op := range r.buckets[status] {
			if op.Err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", op.ID, status, op.Err))
			} else {
				errs = append(errs, fmt.Errorf("%s %s", op.ID, status))
			}
		}
	}
	return fmt.Errorf("%s: %w", r.Summary(), errors.Join(errs...))
}

// Summary renders bucket sizes, e.g. "succeeded=10 failed=1 skipped=2".
func (r *Result[T]) Summary() string {
	var parts []string
	statuses := make([]int, 0, len(r.buckets))
	for s := range r.buckets {
		statuses = append(statuses, int(s))
	}
	sort.Ints(statuses)
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", Status(s), len(r.buckets[Status(s)])))
	}
	parts = append(parts, fmt.Sprintf("skipped=%d", r.Skipped))
	return strings.Join(parts, " ")
}
