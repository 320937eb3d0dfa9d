// Package saga implements the ordered-task-with-compensation workflow model
// used to provision cloud resources.
//
// A Workflow is an ordered list of Steps, each pairing a Task with a
// RetryPolicy. The Runner executes the steps strictly in order, threading a
// single ExecutionContext through them, and persists a checkpoint to a Journal
// after every step that reports Success. When a step fails fatally (or
// exhausts its retry policy) the Runner invokes Compensate on every previously
// successful step in reverse order. If compensation itself fails the run is
// marked broken and the workflow's OnBroken hook is invoked so the owning
// resource can be fenced off for operator attention.
//
// Tasks never return raw errors. Every outcome is one of Success, Retry or
// Fatal:
//
//	func (t *createBucket) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
//		if err := t.api.CreateBucket(ctx, name, region); err != nil {
//			return cloud.CreateOutcome(err)
//		}
//		return saga.Success()
//	}
//
// Runs survive process restarts: Resume reloads the last checkpoint and
// re-executes the step that was in flight, which is why every Execute must be
// idempotent.
//
// A run belongs to one Runner at a time. The Runner holds a lease on each run
// it executes, renews it while the run is active and checkpoints only while
// it still holds it. Resume claims the lease first and refuses a run whose
// lease another runner keeps alive.
package saga
