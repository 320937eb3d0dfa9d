package saga

import (
	"context"
	"fmt"
)

// Step pairs a Task with the retry policy used for both its Execute and its
// Compensate calls.
type Step struct {
	Task  Task
	Retry RetryPolicy
}

// policy returns the step's retry policy, defaulting to a single attempt.
func (s Step) policy() RetryPolicy {
	if s.Retry == nil {
		return NoRetry{}
	}
	return s.Retry
}

// BrokenHook is invoked when compensation fails and the run is abandoned in
// an inconsistent state.
type BrokenHook func(ctx context.Context, ec *ExecutionContext, cause error) error

// Workflow is an ordered list of steps. Steps run strictly in order and are
// never reordered or parallelised.
type Workflow struct {
	Name     string
	Steps    []Step
	OnBroken BrokenHook
}

// NewWorkflow returns an empty workflow.
func NewWorkflow(name string) *Workflow {
	return &Workflow{Name: name}
}

// Add appends a step and returns the workflow for chaining.
func (w *Workflow) Add(task Task, policy RetryPolicy) *Workflow {
	w.Steps = append(w.Steps, Step{Task: task, Retry: policy})
	return w
}

// AddSteps appends several steps.
func (w *Workflow) AddSteps(steps ...Step) *Workflow {
	w.Steps = append(w.Steps, steps...)
	return w
}

// StepNames returns the task names in execution order.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		names[i] = s.Task.Name()
	}
	return names
}

// Validate checks that the workflow can be run: it has a name and at least
// one step, and every step has a task with a name no other step uses.
func (w *Workflow) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: workflow is nil", ErrInvalidWorkflow)
	}
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, w.Name)
	}
	seen := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if s.Task == nil {
			return fmt.Errorf("%w: %s step %d has no task", ErrInvalidWorkflow, w.Name, i)
		}
		// names identify steps in logs and the audit trail
		name := s.Task.Name()
		if j, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s steps %d and %d are both named %q", ErrInvalidWorkflow, w.Name, j, i, name)
		}
		seen[name] = i
	}
	return nil
}
