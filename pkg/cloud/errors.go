package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/saga"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindBadRequest
	KindServerError
	KindThrottled
	KindTimeout
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindServerError:
		return "server_error"
	case KindThrottled:
		return "throttled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error
}

// NewError wraps err with a classification.
func NewError(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

// Unwrap returns the provider error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err. Context deadlines count as
// timeouts; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a Conflict failure.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// Outcome classifies the result of a cloud call whose target is required
// to exist. Server errors, throttling, timeouts and unclassified errors are
// retried; everything else is fatal.
func Outcome(err error) saga.Outcome {
	if err == nil {
		return saga.Success()
	}
	switch KindOf(err) {
	case KindNotFound, KindConflict, KindBadRequest:
		return saga.Fatal(err)
	default:
		return saga.Retry(err)
	}
}

// CreateOutcome classifies the result of a create call: the object already
// existing means an earlier attempt succeeded.
func CreateOutcome(err error) saga.Outcome {
	if IsConflict(err) {
		return saga.Success()
	}
	return Outcome(err)
}

// ClaimOutcome classifies the result of a create call on a named object.
// A conflict counts as an earlier attempt succeeding only when owned, which
// reads the existing object back, confirms it was created for this
// resource.
func ClaimOutcome(err error, owned func() error) saga.Outcome {
	if errors.Is(err, ErrNotOwned) {
		return saga.Fatal(err)
	}
	if !IsConflict(err) {
		return Outcome(err)
	}
	switch oerr := owned(); {
	case oerr == nil:
		return saga.Success()
	case errors.Is(oerr, ErrNotOwned):
		return saga.Fatal(oerr)
	case IsNotFound(oerr):
		// removed since the conflict; create again
		return saga.Retry(oerr)
	default:
		return Outcome(oerr)
	}
}

// DeleteOutcome classifies the result of a delete call: the object being
// gone means an earlier attempt succeeded.
func DeleteOutcome(err error) saga.Outcome {
	if IsNotFound(err) {
		return saga.Success()
	}
	return Outcome(err)
}
