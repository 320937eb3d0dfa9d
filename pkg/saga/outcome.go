package saga

import (
	"errors"
	"fmt"
)

// OutcomeStatus is the tri-state result of a task invocation.
type OutcomeStatus int

const (
	// OutcomeSuccess means the task's effect is complete.
	OutcomeSuccess OutcomeStatus = iota

	// OutcomeRetry means the task failed transiently and may be invoked again.
	OutcomeRetry

	// OutcomeFatal means retrying cannot help; forward progress stops.
	OutcomeFatal
)

// String returns the lowercase name of the status.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(s))
	}
}

// Outcome is what every Execute and Compensate call returns. The zero value
// is a Success.
type Outcome struct {
	Status OutcomeStatus
	Err    error
}

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{Status: OutcomeSuccess}
}

// Retry returns a retryable failure caused by err.
func Retry(err error) Outcome {
	if err == nil {
		err = errors.New("retryable failure")
	}
	return Outcome{Status: OutcomeRetry, Err: err}
}

// Fatal returns a fatal failure caused by err.
func Fatal(err error) Outcome {
	if err == nil {
		err = errors.New("fatal failure")
	}
	return Outcome{Status: OutcomeFatal, Err: err}
}

// Fatalf is a shorthand for Fatal(fmt.Errorf(...)).
func Fatalf(format string, args ...interface{}) Outcome {
	return Fatal(fmt.Errorf(format, args...))
}

// IsSuccess reports whether the outcome is a success.
func (o Outcome) IsSuccess() bool { return o.Status == OutcomeSuccess }

// IsRetryable reports whether the outcome is a retryable failure.
func (o Outcome) IsRetryable() bool { return o.Status == OutcomeRetry }

// IsFatal reports whether the outcome is a fatal failure.
func (o Outcome) IsFatal() bool { return o.Status == OutcomeFatal }

// String renders the outcome for logs.
func (o Outcome) String() string {
	if o.Err == nil {
		return o.Status.String()
	}
	return fmt.Sprintf("%s: %v", o.Status, o.Err)
}

// FromError maps a plain error onto an Outcome. A nil error is a Success,
// classified retryable errors become Retry, everything else is Fatal.
func FromError(err error) Outcome {
	if err == nil {
		return Success()
	}
	if IsRetryable(err) {
		return Retry(err)
	}
	return Fatal(err)
}
