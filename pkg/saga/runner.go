package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Runner executes workflows durably. Each run occupies its own goroutine;
// distinct runs never block each other.
type Runner struct {
	journal Journal
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// owner identifies this runner in run leases. A run is only executed by
	// the runner holding its lease; leases are renewed every leaseTTL/3.
	owner    string
	leaseTTL time.Duration

	// base is cancelled by Shutdown. Runs interrupted this way stay active in
	// the journal and are picked up again by Resume.
	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	group  errgroup.Group
}

type activeRun struct {
	// cancel interrupts retry back-off sleeps and marks the run cancelled.
	cancel    context.CancelFunc
	ctx       context.Context
	done      chan struct{}
	cancelled bool
	// lost is set once another runner has taken the lease over.
	lost bool
}

// DefaultLeaseTTL is how long a run stays with its runner without a renewal.
const DefaultLeaseTTL = time.Minute

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l.NewComponentLogger("runner") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithEvents sets the event publisher.
func WithEvents(e *telemetry.EventPublisher) RunnerOption {
	return func(r *Runner) { r.events = e }
}

// WithBaseContext sets the context every run executes under. Values on it
// (telemetry, loggers) are visible to tasks.
func WithBaseContext(ctx context.Context) RunnerOption {
	return func(r *Runner) { r.base = ctx }
}

// WithOwner sets the name this runner holds run leases under. Runners
// sharing a journal need distinct owners; a restarted process that keeps its
// owner takes its runs back without waiting for their leases to expire.
func WithOwner(owner string) RunnerOption {
	return func(r *Runner) {
		if owner != "" {
			r.owner = owner
		}
	}
}

// WithLeaseTTL sets how long a run lease lasts without renewal.
func WithLeaseTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// NewRunner creates a runner backed by journal.
func NewRunner(journal Journal, opts ...RunnerOption) *Runner {
	r := &Runner{
		journal:  journal,
		logger:   telemetry.NewNopLogger(),
		metrics:  telemetry.NewNopMetrics(),
		tracer:   telemetry.NewNopTracer(),
		events:   telemetry.NewNopEventPublisher(),
		owner:    uuid.NewString(),
		leaseTTL: DefaultLeaseTTL,
		base:     context.Background(),
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.base, r.stop = context.WithCancel(r.base)
	return r
}

// Owner returns the name this runner holds run leases under.
func (r *Runner) Owner() string {
	return r.owner
}

// Start persists a new run and begins executing it in the background.
func (r *Runner) Start(ctx context.Context, runID string, wf *Workflow, inputs InputParameters) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if r.base.Err() != nil {
		return ErrRunnerStopped
	}

	now := time.Now().UTC()
	rec := &RunRecord{
		ID:             runID,
		Workflow:       wf.Name,
		Status:         RunStatusPending,
		Inputs:         inputs,
		Working:        NewWorkingRecord().Snapshot(),
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
		Owner:          r.owner,
		LeaseExpiresAt: now.Add(r.leaseTTL),
	}
	if err := r.journal.CreateRun(ctx, rec); err != nil {
		return err
	}

	r.metrics.RecordRunStarted(wf.Name)
	_ = r.events.PublishRunStarted(runID, wf.Name)
	r.launch(rec, wf)
	return nil
}

// Resume continues a run from its last checkpoint. The step that was in
// flight when the process stopped is executed again. A run whose lease is
// held by another live runner is refused with ErrRunLeased.
func (r *Runner) Resume(ctx context.Context, runID string, wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	if r.base.Err() != nil {
		return ErrRunnerStopped
	}
	rec, err := r.journal.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.Status)
	}
	if rec.Workflow != wf.Name {
		return fmt.Errorf("%w: run %s was started as %s, not %s",
			ErrInvalidWorkflow, runID, rec.Workflow, wf.Name)
	}
	if rec.NextStep > len(wf.Steps) || rec.CompensateFrom >= len(wf.Steps) {
		return fmt.Errorf("%w: checkpoint of %s does not fit %s",
			ErrInvalidWorkflow, runID, wf.Name)
	}

	r.mu.Lock()
	_, running := r.active[runID]
	r.mu.Unlock()
	if running {
		return nil
	}

	until := time.Now().UTC().Add(r.leaseTTL)
	if err := r.journal.ClaimRun(ctx, runID, r.owner, until); err != nil {
		return err
	}
	rec.Owner = r.owner
	rec.LeaseExpiresAt = until

	r.logger.WithRunID(runID).Infof("resuming %s run at step %d (%s)", wf.Name, rec.NextStep, rec.Status)
	r.launch(rec, wf)
	return nil
}

// Cancel requests cancellation. The step currently executing is allowed to
// finish; the run then proceeds directly to compensation.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	ar, ok := r.active[runID]
	if ok {
		ar.cancelled = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not executing", ErrRunNotFound, runID)
	}
	ar.cancel()
	return nil
}

// Wait blocks until the run is no longer executing in this process and
// returns its persisted record.
func (r *Runner) Wait(ctx context.Context, runID string) (*RunRecord, error) {
	r.mu.Lock()
	ar, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.journal.GetRun(ctx, runID)
}

// Status returns the persisted status of a run.
func (r *Runner) Status(ctx context.Context, runID string) (RunStatus, error) {
	rec, err := r.journal.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Active returns the ids of runs executing in this process.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting work, interrupts back-off sleeps and waits for
// run goroutines to return. Interrupted runs keep their checkpoint.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

func (r *Runner) launch(rec *RunRecord, wf *Workflow) {
	runCtx, cancel := context.WithCancel(r.base)
	ar := &activeRun{cancel: cancel, ctx: runCtx, done: make(chan struct{})}

	r.mu.Lock()
	r.active[rec.ID] = ar
	r.mu.Unlock()

	beatCtx, stopBeat := context.WithCancel(r.base)
	r.group.Go(func() error {
		r.heartbeat(beatCtx, rec.ID, ar)
		return nil
	})

	r.group.Go(func() error {
		defer func() {
			stopBeat()
			cancel()
			r.mu.Lock()
			delete(r.active, rec.ID)
			r.mu.Unlock()
			close(ar.done)
		}()
		r.execute(rec, wf, ar)
		return nil
	})
}

// heartbeat renews the run's lease until ctx ends. When another runner has
// taken the lease, the run is interrupted and left to it.
func (r *Runner) heartbeat(ctx context.Context, runID string, ar *activeRun) {
	ticker := time.NewTicker(r.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.journal.ClaimRun(ctx, runID, r.owner, time.Now().UTC().Add(r.leaseTTL))
		switch {
		case err == nil:
		case errors.Is(err, ErrRunLeased):
			r.logger.WithRunID(runID).WithError(err).Warn("run lease taken over")
			r.mu.Lock()
			ar.lost = true
			r.mu.Unlock()
			ar.cancel()
			return
		case ctx.Err() == nil:
			r.logger.WithRunID(runID).WithError(err).Warn("failed to renew run lease")
		}
	}
}

// release lets another runner claim the run straight away. A zero expiry
// is always in the past.
func (r *Runner) release(ctx context.Context, rec *RunRecord) {
	err := r.journal.ClaimRun(context.WithoutCancel(ctx), rec.ID, r.owner, time.Time{})
	if err != nil && !errors.Is(err, ErrRunLeased) {
		r.logger.WithRunID(rec.ID).WithError(err).Warn("failed to release run lease")
	}
}

func (r *Runner) isCancelled(ar *activeRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ar.cancelled
}

func (r *Runner) isLost(ar *activeRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ar.lost
}

// leaseLost reports whether err or the heartbeat shows the run has a new owner.
func (r *Runner) leaseLost(ar *activeRun, err error) bool {
	return errors.Is(err, ErrRunLeased) || r.isLost(ar)
}

// execute drives a run from its checkpoint to a terminal status.
func (r *Runner) execute(rec *RunRecord, wf *Workflow, ar *activeRun) {
	logger := r.logger.WithRunID(rec.ID).WithField("workflow", wf.Name)
	ec := &ExecutionContext{
		RunID:    rec.ID,
		Workflow: wf.Name,
		Inputs:   rec.Inputs,
		Working:  RestoreWorkingRecord(rec.Working),
		Logger:   logger,
	}
	if rec.Status == RunStatusCompensating && rec.Error != "" {
		ec.Failure = errors.New(rec.Error)
	}

	ctx, span := r.tracer.StartRunSpan(r.base, rec.ID, wf.Name)
	defer span.End()
	ctx = logger.WithContext(ctx)

	if rec.Status == RunStatusPending {
		rec.Status = RunStatusRunning
		if err := r.checkpoint(ctx, rec, ec); err != nil {
			logger.WithError(err).Error("failed to mark run running")
			return
		}
	}

	if rec.Status == RunStatusRunning {
		cause := r.runForward(ctx, rec, wf, ec, ar)
		if r.base.Err() != nil {
			logger.Warn("runner stopping; run left for resume")
			r.release(ctx, rec)
			return
		}
		if r.leaseLost(ar, cause) {
			logger.Warn("lease lost; run left to its new owner")
			return
		}
		if cause == nil {
			r.finish(ctx, rec, ec, RunStatusSucceeded, nil)
			telemetry.RecordSuccess(span)
			return
		}

		logger.WithError(cause).Warnf("step %d failed; compensating %d completed steps", rec.FailedStep, rec.NextStep)
		rec.Status = RunStatusCompensating
		rec.CompensateFrom = rec.NextStep - 1
		rec.Error = cause.Error()
		ec.Failure = cause
		if err := r.checkpoint(ctx, rec, ec); err != nil {
			logger.WithError(err).Error("failed to persist compensation start")
			return
		}
	}

	if rec.Status == RunStatusCompensating {
		err := r.runCompensation(ctx, rec, wf, ec, ar)
		if r.base.Err() != nil {
			logger.Warn("runner stopping during compensation; run left for resume")
			r.release(ctx, rec)
			return
		}
		if r.leaseLost(ar, err) {
			logger.Warn("lease lost during compensation; run left to its new owner")
			return
		}
		if err != nil {
			logger.WithError(err).Error("compensation failed; run is broken")
			r.metrics.RecordCompensation(wf.Name, "failed")
			if wf.OnBroken != nil {
				if hookErr := wf.OnBroken(ctx, ec, err); hookErr != nil {
					logger.WithError(hookErr).Error("broken hook failed")
					err = fmt.Errorf("%w (broken hook: %v)", err, hookErr)
				}
			}
			r.finish(ctx, rec, ec, RunStatusBroken, err)
			telemetry.RecordError(span, err)
			return
		}
		r.metrics.RecordCompensation(wf.Name, "succeeded")
		r.finish(ctx, rec, ec, RunStatusFailed, errors.New(rec.Error))
		telemetry.RecordError(span, errors.New(rec.Error))
	}
}

// runForward executes steps from the checkpoint onwards. It returns the
// cause of failure, or nil when every step succeeded.
func (r *Runner) runForward(ctx context.Context, rec *RunRecord, wf *Workflow, ec *ExecutionContext, ar *activeRun) error {
	for i := rec.NextStep; i < len(wf.Steps); i++ {
		if r.isLost(ar) {
			return ErrRunLeased
		}
		if r.isCancelled(ar) {
			rec.FailedStep = i
			return NewPermanentError("run cancelled before step "+wf.Steps[i].Task.Name(), ErrRunCancelled).
				WithCode(ErrCodeCancelled)
		}

		step := wf.Steps[i]
		out := r.runStep(ctx, ar.ctx, rec, ec, step, i, DirectionDo)
		if r.base.Err() != nil {
			return r.base.Err()
		}
		if !out.IsSuccess() {
			rec.FailedStep = i
			return fmt.Errorf("step %s: %w", step.Task.Name(), out.Err)
		}

		rec.NextStep = i + 1
		if err := r.checkpoint(ctx, rec, ec); err != nil {
			if errors.Is(err, ErrRunLeased) {
				return err
			}
			rec.FailedStep = i + 1
			return NewTransientError("failed to persist checkpoint", err).WithOperation(step.Task.Name())
		}
	}
	return nil
}

// runCompensation undoes completed steps in reverse order. The step that
// failed is not compensated.
func (r *Runner) runCompensation(ctx context.Context, rec *RunRecord, wf *Workflow, ec *ExecutionContext, ar *activeRun) error {
	for i := rec.CompensateFrom; i >= 0; i-- {
		if r.isLost(ar) {
			return ErrRunLeased
		}
		step := wf.Steps[i]
		out := r.runStep(ctx, r.base, rec, ec, step, i, DirectionUndo)
		if r.base.Err() != nil {
			return r.base.Err()
		}
		if !out.IsSuccess() {
			return NewPermanentError("compensation of "+step.Task.Name()+" failed", out.Err).
				WithCode(ErrCodeCompensation).
				WithOperation(wf.Name)
		}
		rec.CompensateFrom = i - 1
		if err := r.checkpoint(ctx, rec, ec); err != nil {
			return fmt.Errorf("failed to persist compensation checkpoint: %w", err)
		}
	}
	return nil
}

// runStep invokes one direction of a step under its retry policy. sleepCtx
// only governs the pauses between attempts; tasks always receive ctx.
func (r *Runner) runStep(
	ctx, sleepCtx context.Context,
	rec *RunRecord,
	ec *ExecutionContext,
	step Step,
	index int,
	dir Direction,
) Outcome {
	name := step.Task.Name()
	logger := ec.Logger.WithField("step", name).WithField("direction", string(dir))
	stepCtx, span := r.tracer.StartStepSpan(ctx, rec.ID, name, string(dir))
	defer span.End()

	start := time.Now()
	attempts := 0
	var last Outcome

	err := retry.Do(sleepCtx, step.policy().Backoff(), func(context.Context) error {
		attempts++
		last = r.invoke(stepCtx, ec, step.Task, dir)
		switch {
		case last.IsSuccess():
			return nil
		case last.IsRetryable():
			logger.WithError(last.Err).Warnf("attempt %d failed; retrying", attempts)
			r.metrics.RecordStepRetry(rec.Workflow, name)
			return retry.RetryableError(last.Err)
		default:
			return last.Err
		}
	})

	if err != nil && last.IsSuccess() {
		// retry.Do only fails without a task failure when the sleep was cut short.
		last = Fatal(err)
	}
	if err != nil && last.IsRetryable() {
		if sleepCtx.Err() != nil {
			last = Fatal(NewPermanentError("retry interrupted", ErrRunCancelled).
				WithCode(ErrCodeCancelled).WithOperation(name))
		} else {
			last = Fatal(NewPermanentError(
				fmt.Sprintf("retries exhausted after %d attempts", attempts), last.Err).
				WithCode(ErrCodeRetriesExhausted).WithOperation(name))
		}
	}

	duration := time.Since(start)
	r.metrics.RecordStep(rec.Workflow, name, string(dir), last.Status.String(), duration)

	stepRec := &StepRecord{
		RunID:     rec.ID,
		Index:     index,
		Name:      name,
		Direction: dir,
		Outcome:   last.Status.String(),
		Attempts:  attempts,
		StartedAt: start,
		Duration:  duration,
	}
	if last.Err != nil {
		stepRec.Error = last.Err.Error()
	}
	if jerr := r.journal.AppendStepRecord(context.WithoutCancel(ctx), stepRec); jerr != nil {
		logger.WithError(jerr).Warn("failed to record step")
	}

	if last.IsSuccess() {
		logger.Debugf("completed after %d attempt(s) in %s", attempts, duration)
		_ = r.events.PublishStepCompleted(rec.ID, name, string(dir), attempts)
		telemetry.RecordSuccess(span)
	} else {
		logger.WithError(last.Err).Errorf("failed after %d attempt(s)", attempts)
		_ = r.events.PublishStepFailed(rec.ID, name, string(dir), last.Err.Error())
		telemetry.RecordError(span, last.Err)
	}
	return last
}

// invoke calls the task, converting a panic into a fatal outcome.
func (r *Runner) invoke(ctx context.Context, ec *ExecutionContext, task Task, dir Direction) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Fatal(fmt.Errorf("task %s panicked: %v", task.Name(), p))
		}
	}()
	if dir == DirectionUndo {
		return task.Compensate(ctx, ec)
	}
	return task.Execute(ctx, ec)
}

func (r *Runner) checkpoint(ctx context.Context, rec *RunRecord, ec *ExecutionContext) error {
	rec.Working = ec.Working.Snapshot()
	rec.UpdatedAt = time.Now().UTC()
	rec.Owner = r.owner
	rec.LeaseExpiresAt = rec.UpdatedAt.Add(r.leaseTTL)
	return r.journal.SaveCheckpoint(context.WithoutCancel(ctx), rec)
}

func (r *Runner) finish(ctx context.Context, rec *RunRecord, ec *ExecutionContext, status RunStatus, cause error) {
	rec.Status = status
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := r.checkpoint(ctx, rec, ec); err != nil {
		if errors.Is(err, ErrRunLeased) {
			ec.Logger.WithError(err).Warn("lease lost before the run could finish")
			return
		}
		ec.Logger.WithError(err).Error("failed to persist final run status")
	}

	duration := now.Sub(rec.StartedAt)
	r.metrics.RecordRunCompleted(rec.Workflow, string(status), duration)
	switch status {
	case RunStatusSucceeded:
		ec.Logger.Infof("run succeeded in %s", duration)
		_ = r.events.PublishRunCompleted(rec.ID, string(status), duration)
	case RunStatusBroken:
		_ = r.events.PublishRunBroken(rec.ID, rec.Error)
	default:
		ec.Logger.Warnf("run failed: %s", rec.Error)
		_ = r.events.PublishRunFailed(rec.ID, rec.Error)
	}
}
