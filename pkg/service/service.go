// Package service is the invocation surface of wsm: it validates requests,
// composes the workflow for the resource type and operation, and hands it
// to the saga runner.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Store is everything the service reads besides what the runner and
// composer already use.
type Store interface {
	resources.Store
	saga.Journal
	ListStepRecords(ctx context.Context, runID string) ([]*saga.StepRecord, error)
	ListEvents(ctx context.Context, runID string, limit int) ([]telemetry.Event, error)
	CountResources(ctx context.Context) ([]stores.ResourceCount, error)
}

// CreateRequest asks for a new resource. RunID is optional; supplying one
// makes the request idempotent.
type CreateRequest struct {
	RunID      string               `json:"runId,omitempty"`
	Definition resources.Definition `json:"definition"`
}

// UpdateRequest replaces the top-level attribute keys present in
// Attributes; other keys keep their values.
type UpdateRequest struct {
	RunID       string          `json:"runId,omitempty"`
	WorkspaceID string          `json:"workspaceId"`
	ResourceID  string          `json:"resourceId"`
	Attributes  json.RawMessage `json:"attributes"`
}

// DeleteRequest names the resource to delete.
type DeleteRequest struct {
	RunID       string `json:"runId,omitempty"`
	WorkspaceID string `json:"workspaceId"`
	ResourceID  string `json:"resourceId"`
}

// CloneRequest copies a READY resource into a new one of the same type.
type CloneRequest struct {
	RunID       string               `json:"runId,omitempty"`
	WorkspaceID string               `json:"workspaceId"`
	SourceID    string               `json:"sourceId"`
	Destination resources.Definition `json:"destination"`
}

// RunReport is the audit view of one run.
type RunReport struct {
	Run    *saga.RunRecord     `json:"run"`
	Status saga.ExternalStatus `json:"status"`
	Steps  []*saga.StepRecord  `json:"steps"`
	Events []telemetry.Event   `json:"events"`
}

// DefaultEventLimit bounds the events returned in a RunReport.
const DefaultEventLimit = 500

// Service starts and inspects resource workflows.
type Service struct {
	store    Store
	composer *resources.Composer
	runner   *saga.Runner
	policies *policy.Engine
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Service) { s.logger = l.NewComponentLogger("service") }
}

// WithMetrics sets the collector whose resource gauge the service refreshes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPolicy checks every request against the engine's admission policies
// before its run starts.
func WithPolicy(e *policy.Engine) Option {
	return func(s *Service) { s.policies = e }
}

// New returns a service.
func New(store Store, composer *resources.Composer, runner *saga.Runner, opts ...Option) *Service {
	s := &Service{
		store:    store,
		composer: composer,
		runner:   runner,
		metrics:  telemetry.NewNopMetrics(),
		logger:   telemetry.NewNopLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartCreate starts the create workflow for a definition and returns the
// run id.
func (s *Service) StartCreate(ctx context.Context, req CreateRequest) (string, error) {
	def := req.Definition
	if err := def.Validate(); err != nil {
		return "", err
	}
	b, err := s.composer.Registry().Lookup(def.Type)
	if err != nil {
		return "", err
	}
	if b.Validate != nil && def.Stewardship == resources.StewardshipControlled {
		if err := b.Validate(def.Attributes); err != nil {
			return "", err
		}
	}

	runID, done, err := s.claimRunID(ctx, req.RunID, resources.WorkflowName(def.Type, def.Stewardship, resources.OpCreate))
	if err != nil || done {
		return runID, err
	}
	row := def.NewResource(runID, s.now())
	if err := s.admit(ctx, policy.Input{Operation: policy.OperationCreate, Resource: policyResource(row)}); err != nil {
		return "", err
	}
	return s.start(ctx, runID, def.Type, def.Stewardship, resources.OpCreate, map[string]interface{}{
		resources.InputResource: row,
	})
}

// StartUpdate starts the update workflow. The request's attributes are a
// patch over the current ones.
func (s *Service) StartUpdate(ctx context.Context, req UpdateRequest) (string, error) {
	row, err := s.lookup(ctx, req.WorkspaceID, req.ResourceID)
	if err != nil {
		return "", err
	}
	runID, done, err := s.claimRunID(ctx, req.RunID, resources.WorkflowName(row.Type, row.Stewardship, resources.OpUpdate))
	if err != nil || done {
		return runID, err
	}
	if err := requireReady(row); err != nil {
		return "", err
	}

	// the workflow merges again over the row it locks; this early merge only
	// rejects bad requests before a run starts
	merged, err := resources.MergeAttributes(row.Attributes, req.Attributes)
	if err != nil {
		return "", err
	}
	b, err := s.composer.Registry().Lookup(row.Type)
	if err != nil {
		return "", err
	}
	if row.Stewardship == resources.StewardshipControlled {
		if err := b.CheckUpdate(row.Attributes, merged); err != nil {
			return "", err
		}
	}

	next := policyResource(row)
	next.Attributes = merged
	if err := s.admit(ctx, policy.Input{
		Operation: policy.OperationUpdate,
		Resource:  next,
		Previous:  row.Attributes,
	}); err != nil {
		return "", err
	}

	patch := req.Attributes
	if len(patch) == 0 {
		patch = json.RawMessage(`{}`)
	}
	return s.start(ctx, runID, row.Type, row.Stewardship, resources.OpUpdate, map[string]interface{}{
		resources.InputResource:       row,
		resources.InputAttributePatch: patch,
	})
}

// StartDelete starts the delete workflow of a READY resource.
func (s *Service) StartDelete(ctx context.Context, req DeleteRequest) (string, error) {
	return s.startDelete(ctx, req, resources.OpDelete)
}

// StartForceDelete starts the delete workflow of a BROKEN resource.
func (s *Service) StartForceDelete(ctx context.Context, req DeleteRequest) (string, error) {
	return s.startDelete(ctx, req, resources.OpForceDelete)
}

func (s *Service) startDelete(ctx context.Context, req DeleteRequest, op resources.Operation) (string, error) {
	row, err := s.lookup(ctx, req.WorkspaceID, req.ResourceID)
	if err != nil {
		return "", err
	}
	runID, done, err := s.claimRunID(ctx, req.RunID, resources.WorkflowName(row.Type, row.Stewardship, op))
	if err != nil || done {
		return runID, err
	}
	if op == resources.OpForceDelete {
		if row.State != lifecycle.StateBroken {
			return "", fmt.Errorf("%w: %s is %s; only BROKEN resources can be force deleted",
				lifecycle.ErrStateConflict, row.Key(), row.State)
		}
	} else if err := requireReady(row); err != nil {
		return "", err
	}
	if err := s.admit(ctx, policy.Input{Operation: string(op), Resource: policyResource(row)}); err != nil {
		return "", err
	}

	return s.start(ctx, runID, row.Type, row.Stewardship, op, map[string]interface{}{
		resources.InputResource: row,
	})
}

// StartClone starts a workflow creating req.Destination as a copy of the
// source resource.
func (s *Service) StartClone(ctx context.Context, req CloneRequest) (string, error) {
	source, err := s.lookup(ctx, req.WorkspaceID, req.SourceID)
	if err != nil {
		return "", err
	}
	dest := req.Destination
	if dest.Type == "" {
		dest.Type = source.Type
	}
	if err := dest.Validate(); err != nil {
		return "", err
	}
	if dest.Type != source.Type {
		return "", fmt.Errorf("%w: cannot clone %s into %s", resources.ErrInvalidDefinition, source.Type, dest.Type)
	}
	runID, done, err := s.claimRunID(ctx, req.RunID, resources.WorkflowName(dest.Type, dest.Stewardship, resources.OpClone))
	if err != nil || done {
		return runID, err
	}
	if err := requireReady(source); err != nil {
		return "", err
	}
	b, err := s.composer.Registry().Lookup(dest.Type)
	if err != nil {
		return "", err
	}
	if b.Validate != nil {
		if err := b.Validate(dest.Attributes); err != nil {
			return "", err
		}
	}

	row := dest.NewResource(runID, s.now())
	src := policyResource(source)
	if err := s.admit(ctx, policy.Input{
		Operation: policy.OperationClone,
		Resource:  policyResource(row),
		Source:    &src,
	}); err != nil {
		return "", err
	}

	return s.start(ctx, runID, dest.Type, dest.Stewardship, resources.OpClone, map[string]interface{}{
		resources.InputResource:    row,
		resources.InputCloneSource: source,
	})
}

// GetRunStatus returns the caller-visible status of a run.
func (s *Service) GetRunStatus(ctx context.Context, runID string) (saga.ExternalStatus, error) {
	st, err := s.runner.Status(ctx, runID)
	if err != nil {
		return "", err
	}
	return st.External(), nil
}

// Cancel asks a run to stop and compensate. A run that is unfinished in
// the journal but not executing in this process is resumed here first; a
// run held by another live runner fails with saga.ErrRunLeased.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	err := s.runner.Cancel(runID)
	if !errors.Is(err, saga.ErrRunNotFound) {
		return err
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	wf, err := s.composer.Compose(rec.Workflow)
	if err != nil {
		return err
	}
	if err := s.runner.Resume(ctx, runID, wf); err != nil {
		return err
	}
	if err := s.runner.Cancel(runID); err != nil && !errors.Is(err, saga.ErrRunNotFound) {
		return err
	}
	s.logger.WithRunID(runID).Info("cancellation requested")
	return nil
}

// WaitForRun blocks until a run executing in this process finishes and
// returns its record.
func (s *Service) WaitForRun(ctx context.Context, runID string) (*saga.RunRecord, error) {
	rec, err := s.runner.Wait(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.RefreshResourceGauge(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to refresh resource gauge")
	}
	return rec, nil
}

// GetRunReport returns a run with its step records and events.
func (s *Service) GetRunReport(ctx context.Context, runID string) (*RunReport, error) {
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, runID, DefaultEventLimit)
	if err != nil {
		return nil, err
	}
	return &RunReport{Run: rec, Status: rec.Status.External(), Steps: steps, Events: events}, nil
}

// GetResource returns a READY resource.
func (s *Service) GetResource(ctx context.Context, workspaceID, resourceID string) (*resources.Resource, error) {
	return s.store.GetResource(ctx, lifecycle.Key{WorkspaceID: workspaceID, ResourceID: resourceID})
}

// ListResources returns the READY resources of a workspace.
func (s *Service) ListResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error) {
	return s.store.ListResources(ctx, workspaceID)
}

// ListBrokenResources returns BROKEN resources; an empty workspaceID lists
// all of them.
func (s *Service) ListBrokenResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error) {
	return s.store.ListBrokenResources(ctx, workspaceID)
}

// ResumeInFlight restarts every unfinished run found in the journal, e.g.
// after a crash. Runs executing here or leased by another live runner are
// left alone. It returns how many runs were resumed.
func (s *Service) ResumeInFlight(ctx context.Context) (int, error) {
	recs, err := s.store.ListRunsByStatus(ctx,
		saga.RunStatusPending, saga.RunStatusRunning, saga.RunStatusCompensating)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	local := make(map[string]bool)
	for _, id := range s.runner.Active() {
		local[id] = true
	}

	var errs []error
	resumed := 0
	for _, rec := range recs {
		if local[rec.ID] {
			continue
		}
		wf, err := s.composer.Compose(rec.Workflow)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", rec.ID, err))
			continue
		}
		err = s.runner.Resume(ctx, rec.ID, wf)
		if errors.Is(err, saga.ErrRunLeased) {
			s.logger.WithRunID(rec.ID).Debugf("run held by %s; not resumed", rec.Owner)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", rec.ID, err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.Infof("resumed %d unfinished run(s)", resumed)
	}
	return resumed, errors.Join(errs...)
}

// RefreshResourceGauge recounts resources by type and state.
func (s *Service) RefreshResourceGauge(ctx context.Context) error {
	counts, err := s.store.CountResources(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(counts))
	for _, c := range counts {
		seen[string(c.Type)+"/"+string(c.State)] = true
		s.metrics.SetResourceCount(string(c.Type), string(c.State), float64(c.Count))
	}
	// zero the combinations that disappeared since the last refresh
	for _, t := range resources.Types {
		for _, st := range []lifecycle.State{
			lifecycle.StateCreating, lifecycle.StateReady, lifecycle.StateUpdating,
			lifecycle.StateDeleting, lifecycle.StateBroken,
		} {
			if !seen[string(t)+"/"+string(st)] {
				s.metrics.SetResourceCount(string(t), string(st), 0)
			}
		}
	}
	return nil
}

// claimRunID returns the run id to use. done is true when the id belongs
// to a run of the same workflow that was already submitted.
func (s *Service) claimRunID(ctx context.Context, runID, workflow string) (string, bool, error) {
	if runID == "" {
		return uuid.NewString(), false, nil
	}
	rec, err := s.store.GetRun(ctx, runID)
	switch {
	case errors.Is(err, saga.ErrRunNotFound):
		return runID, false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to look up run %s: %w", runID, err)
	case rec.Workflow != workflow:
		return "", false, fmt.Errorf("%w: %s belongs to %s", saga.ErrRunExists, runID, rec.Workflow)
	default:
		return runID, true, nil
	}
}

func (s *Service) start(ctx context.Context, runID string, t resources.Type, st resources.Stewardship, op resources.Operation, inputs map[string]interface{}) (string, error) {
	wf, err := s.composer.ComposeFor(t, st, op)
	if err != nil {
		return "", err
	}
	params, err := saga.NewInputParameters(inputs)
	if err != nil {
		return "", fmt.Errorf("failed to encode inputs: %w", err)
	}
	err = s.runner.Start(ctx, runID, wf, params)
	if errors.Is(err, saga.ErrRunExists) {
		// a concurrent submission with the same id won
		return runID, nil
	}
	if err != nil {
		return "", err
	}
	s.logger.WithRunID(runID).Infof("started %s", wf.Name)
	return runID, nil
}

// admit evaluates the admission policies. Warnings are logged; blocking
// violations are returned as a *policy.DeniedError.
func (s *Service) admit(ctx context.Context, in policy.Input) error {
	if s.policies == nil {
		return nil
	}
	in.Timestamp = s.now()
	res, err := s.policies.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to evaluate policies: %w", err)
	}
	logger := s.logger.WithResourceID(in.Resource.ResourceID)
	for _, v := range res.Violations {
		if !v.Severity.Blocks() {
			logger.WithField("policy", v.Policy).Warnf("%s: %s", in.Operation, v.Message)
		}
	}
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	return res.Err()
}

func policyResource(r *resources.Resource) policy.Resource {
	return policy.Resource{
		WorkspaceID: r.WorkspaceID,
		ResourceID:  r.ResourceID,
		Name:        r.Name,
		Type:        string(r.Type),
		Stewardship: string(r.Stewardship),
		State:       string(r.State),
		Attributes:  r.Attributes,
	}
}

func (s *Service) lookup(ctx context.Context, workspaceID, resourceID string) (*resources.Resource, error) {
	if workspaceID == "" || resourceID == "" {
		return nil, fmt.Errorf("%w: workspace and resource id are required", resources.ErrInvalidDefinition)
	}
	return s.store.LookupResource(ctx, lifecycle.Key{WorkspaceID: workspaceID, ResourceID: resourceID})
}

// requireReady rejects rows another run holds and BROKEN rows.
func requireReady(r *resources.Resource) error {
	switch r.State {
	case lifecycle.StateReady:
		return nil
	case lifecycle.StateBroken:
		return fmt.Errorf("%w: %s (%s); force delete it", resources.ErrResourceBroken, r.Key(), r.ErrorReport)
	default:
		return fmt.Errorf("%w: %s is %s by run %s", lifecycle.ErrStateConflict, r.Key(), r.State, r.RunID)
	}
}
