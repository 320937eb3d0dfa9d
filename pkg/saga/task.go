package saga

import "context"

// Task is the unit of work in a workflow.
//
// Execute performs the forward mutation and must be safe to call more than
// once with the same inputs. Compensate undoes the effect of Execute and must
// be a no-op Success when the working-record key written by Execute is
// absent.
type Task interface {
	Name() string
	Execute(ctx context.Context, ec *ExecutionContext) Outcome
	Compensate(ctx context.Context, ec *ExecutionContext) Outcome
}

// StepFunc is the signature of an Execute or Compensate implementation.
type StepFunc func(ctx context.Context, ec *ExecutionContext) Outcome

type funcTask struct {
	name string
	do   StepFunc
	undo StepFunc
}

// NewTask builds a Task from a pair of functions. A nil undo means the task
// has nothing to compensate.
func NewTask(name string, do, undo StepFunc) Task {
	return &funcTask{name: name, do: do, undo: undo}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Execute(ctx context.Context, ec *ExecutionContext) Outcome {
	if t.do == nil {
		return Success()
	}
	return t.do(ctx, ec)
}

func (t *funcTask) Compensate(ctx context.Context, ec *ExecutionContext) Outcome {
	if t.undo == nil {
		return Success()
	}
	return t.undo(ctx, ec)
}

// NoCompensation can be embedded by tasks whose effect is irreversible or
// harmless to leave in place.
type NoCompensation struct{}

// Compensate always succeeds.
func (NoCompensation) Compensate(context.Context, *ExecutionContext) Outcome {
	return Success()
}
