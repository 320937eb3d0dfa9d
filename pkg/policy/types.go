package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the request.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that reject the request and must be
	// addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects a request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations a request can be evaluated for.
const (
	OperationCreate      = "create"
	OperationUpdate      = "update"
	OperationDelete      = "delete"
	OperationForceDelete = "forceDelete"
	OperationClone       = "clone"
)

// ErrDenied is returned when a blocking policy rejects a request.
var ErrDenied = errors.New("denied by policy")

// Policy represents a policy rule with its Rego code. The module must
// define a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Resource is the view of a resource a policy evaluates.
type Resource struct {
	WorkspaceID string          `json:"workspaceId"`
	ResourceID  string          `json:"resourceId"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Stewardship string          `json:"stewardship"`
	State       string          `json:"state,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// Input is the document bound to "input" during evaluation.
type Input struct {
	Operation string    `json:"operation"`
	Resource  Resource  `json:"resource"`
	Source    *Resource `json:"source,omitempty"`

	// Previous holds the attributes an update replaces.
	Previous json.RawMessage `json:"previous,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy     string   `json:"policy"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	ResourceID string   `json:"resourceId,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Evaluated   []string    `json:"evaluated"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Err returns a *DeniedError for a disallowed result and nil otherwise.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	var blocking []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			blocking = append(blocking, v)
		}
	}
	return &DeniedError{Violations: blocking}
}

// DeniedError lists the blocking violations of a rejected request.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("%s: %s", ErrDenied, strings.Join(msgs, "; "))
}

// Unwrap allows errors.Is(err, ErrDenied).
func (e *DeniedError) Unwrap() error {
	return ErrDenied
}
