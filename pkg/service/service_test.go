package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/fake"
	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/resources/bucket"
	"github.com/openfroyo/wsm/pkg/resources/flexible"
	"github.com/openfroyo/wsm/pkg/resources/resourcestest"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/service"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

const workspace = "ws-1"

type env struct {
	svc     *service.Service
	store   *stores.SQLiteStore
	cloud   *fake.Cloud
	runner  *saga.Runner
	metrics *telemetry.Metrics
}

func setup(t *testing.T, opts ...resources.ComposerOption) *env {
	t.Helper()
	ctx := context.Background()

	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	require.NoError(t, err)

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	events.Subscribe(store.EventSink(telemetry.NewNopLogger()), nil)

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "wsm"})
	require.NoError(t, err)

	fc := fake.New("us-east-1")
	reg := resources.NewRegistry().MustRegister(
		bucket.NewBuilder(fc, fanout.Config{PollInterval: time.Millisecond, MaxWait: time.Second}),
		flexible.NewBuilder(),
	)
	mgr := lifecycle.NewManager(store, lifecycle.WithEvents(events))
	opts = append([]resources.ComposerOption{
		resources.WithPolicies(saga.NewPolicyHolder(resourcestest.FastPolicies())),
	}, opts...)
	composer := resources.NewComposer(reg, mgr, store, opts...)
	runner := saga.NewRunner(store, saga.WithEvents(events))
	engine, err := policy.NewEngine(nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		_ = store.Close()
	})

	return &env{
		svc:     service.New(store, composer, runner, service.WithMetrics(metrics), service.WithPolicy(engine)),
		store:   store,
		cloud:   fc,
		runner:  runner,
		metrics: metrics,
	}
}

func bucketDef(name string) resources.Definition {
	raw, _ := json.Marshal(map[string]interface{}{"bucketName": name, "labels": map[string]string{"team": "data"}})
	return resources.Definition{
		WorkspaceID: workspace,
		ResourceID:  uuid.NewString(),
		Name:        name,
		Type:        resources.TypeBucket,
		Attributes:  raw,
	}
}

func (e *env) wait(t *testing.T, runID string) *saga.RunRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := e.svc.WaitForRun(ctx, runID)
	require.NoError(t, err)
	return rec
}

func (e *env) create(t *testing.T, def resources.Definition) *resources.Resource {
	t.Helper()
	runID, err := e.svc.StartCreate(context.Background(), service.CreateRequest{Definition: def})
	require.NoError(t, err)
	rec := e.wait(t, runID)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	r, err := e.svc.GetResource(context.Background(), def.WorkspaceID, def.ResourceID)
	require.NoError(t, err)
	return r
}

func TestStartCreate(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	def := bucketDef("acme-logs")

	runID, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: def})
	require.NoError(t, err)
	e.wait(t, runID)

	status, err := e.svc.GetRunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, saga.ExternalSucceeded, status)
	assert.True(t, e.cloud.HasBucket("acme-logs"))

	list, err := e.svc.ListResources(ctx, workspace)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, lifecycle.StateReady, list[0].State)
	assert.Empty(t, list[0].RunID)
}

func TestStartCreateIsIdempotentPerRunID(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req := service.CreateRequest{RunID: uuid.NewString(), Definition: bucketDef("acme-logs")}

	first, err := e.svc.StartCreate(ctx, req)
	require.NoError(t, err)
	second, err := e.svc.StartCreate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.RunID, first)
	assert.Equal(t, first, second)

	e.wait(t, first)
	third, err := e.svc.StartCreate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 1, e.cloud.Calls("CreateBucket"))

	// the same id cannot name a different workflow
	_, err = e.svc.StartCreate(ctx, service.CreateRequest{RunID: first, Definition: resourcestest.Definition(
		resources.TypeFlexible, "note", map[string]string{"typeNamespace": "a", "typeName": "b"})})
	assert.ErrorIs(t, err, saga.ErrRunExists)
}

func TestStartCreateRejectsInvalidRequests(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	bad := bucketDef("x")
	_, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: bad})
	assert.ErrorIs(t, err, resources.ErrInvalidDefinition)

	vm := bucketDef("worker")
	vm.Type = resources.TypeVM
	_, err = e.svc.StartCreate(ctx, service.CreateRequest{Definition: vm})
	assert.ErrorIs(t, err, resources.ErrUnknownType)

	noID := bucketDef("acme-logs")
	noID.ResourceID = ""
	_, err = e.svc.StartCreate(ctx, service.CreateRequest{Definition: noID})
	assert.ErrorIs(t, err, resources.ErrInvalidDefinition)
}

func TestStartUpdateMergesAttributes(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.create(t, bucketDef("acme-logs"))

	runID, err := e.svc.StartUpdate(ctx, service.UpdateRequest{
		WorkspaceID: workspace,
		ResourceID:  r.ResourceID,
		Attributes:  json.RawMessage(`{"labels":{"team":"ml","env":"prod"}}`),
	})
	require.NoError(t, err)
	rec := e.wait(t, runID)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	updated, err := e.svc.GetResource(ctx, workspace, r.ResourceID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bucketName":"acme-logs","labels":{"team":"ml","env":"prod"}}`, string(updated.Attributes))

	_, err = e.svc.StartUpdate(ctx, service.UpdateRequest{
		WorkspaceID: workspace,
		ResourceID:  r.ResourceID,
		Attributes:  json.RawMessage(`{"bucketName":"renamed"}`),
	})
	assert.ErrorIs(t, err, resources.ErrInvalidDefinition)

	_, err = e.svc.StartUpdate(ctx, service.UpdateRequest{WorkspaceID: workspace, ResourceID: uuid.NewString()})
	assert.ErrorIs(t, err, lifecycle.ErrResourceNotFound)
}

func TestStartDelete(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.create(t, bucketDef("acme-logs"))

	runID, err := e.svc.StartDelete(ctx, service.DeleteRequest{WorkspaceID: workspace, ResourceID: r.ResourceID})
	require.NoError(t, err)
	rec := e.wait(t, runID)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	assert.False(t, e.cloud.HasBucket("acme-logs"))
	_, err = e.svc.GetResource(ctx, workspace, r.ResourceID)
	assert.ErrorIs(t, err, lifecycle.ErrResourceNotFound)

	// deleting again finds nothing to delete
	_, err = e.svc.StartDelete(ctx, service.DeleteRequest{WorkspaceID: workspace, ResourceID: r.ResourceID})
	assert.ErrorIs(t, err, lifecycle.ErrResourceNotFound)
}

func TestBrokenResourceOnlyAcceptsForceDelete(t *testing.T) {
	e := setup(t, resources.WithCreateFailureRule(lifecycle.CreateFailureBroken))
	ctx := context.Background()
	def := bucketDef("acme-logs")

	e.cloud.FailNext("CreateBucket", fake.Err(cloud.KindBadRequest, "CreateBucket"))
	runID, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: def})
	require.NoError(t, err)
	e.wait(t, runID)

	status, err := e.svc.GetRunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, saga.ExternalFailed, status)

	broken, err := e.svc.ListBrokenResources(ctx, "")
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, def.ResourceID, broken[0].ResourceID)

	_, err = e.svc.StartUpdate(ctx, service.UpdateRequest{
		WorkspaceID: workspace, ResourceID: def.ResourceID, Attributes: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, resources.ErrResourceBroken)
	_, err = e.svc.StartDelete(ctx, service.DeleteRequest{WorkspaceID: workspace, ResourceID: def.ResourceID})
	assert.ErrorIs(t, err, resources.ErrResourceBroken)

	runID, err = e.svc.StartForceDelete(ctx, service.DeleteRequest{WorkspaceID: workspace, ResourceID: def.ResourceID})
	require.NoError(t, err)
	rec := e.wait(t, runID)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	broken, err = e.svc.ListBrokenResources(ctx, workspace)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestForceDeleteRequiresBroken(t *testing.T) {
	e := setup(t)
	r := e.create(t, bucketDef("acme-logs"))

	_, err := e.svc.StartForceDelete(context.Background(), service.DeleteRequest{WorkspaceID: workspace, ResourceID: r.ResourceID})
	assert.ErrorIs(t, err, lifecycle.ErrStateConflict)
}

func TestStartClone(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	src := e.create(t, bucketDef("acme-logs"))
	e.cloud.PutObject("acme-logs", "a.txt", 10)
	e.cloud.PutObject("acme-logs", "b.txt", 20)

	dest := bucketDef("acme-logs-copy")
	dest.Type = ""
	runID, err := e.svc.StartClone(ctx, service.CloneRequest{WorkspaceID: workspace, SourceID: src.ResourceID, Destination: dest})
	require.NoError(t, err)
	rec := e.wait(t, runID)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	assert.Equal(t, []string{"a.txt", "b.txt"}, e.cloud.Objects("acme-logs-copy"))

	note := e.create(t, resourcestest.Definition(resources.TypeFlexible, "note", map[string]string{"typeNamespace": "a", "typeName": "b"}))
	other := resourcestest.Definition(resources.TypeFlexible, "note-copy", map[string]string{"typeNamespace": "a", "typeName": "b"})
	other.WorkspaceID = workspace
	_, err = e.svc.StartClone(ctx, service.CloneRequest{WorkspaceID: note.WorkspaceID, SourceID: note.ResourceID, Destination: other})
	assert.ErrorIs(t, err, saga.ErrInvalidWorkflow)
}

func TestGetRunReport(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	def := bucketDef("acme-logs")

	runID, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: def})
	require.NoError(t, err)
	e.wait(t, runID)

	report, err := e.svc.GetRunReport(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, saga.ExternalSucceeded, report.Status)

	var steps []string
	for _, s := range report.Steps {
		steps = append(steps, s.Name)
	}
	assert.Equal(t, []string{"StartCreate", "CreateBucket", "FinishCreate"}, steps)

	types := map[string]bool{}
	for _, ev := range report.Events {
		types[ev.Type] = true
	}
	assert.True(t, types[telemetry.EventTypeRunStarted])
	assert.True(t, types[telemetry.EventTypeRunCompleted])
	assert.True(t, types[telemetry.EventTypeResourceStateChanged])

	_, err = e.svc.GetRunReport(ctx, uuid.NewString())
	assert.ErrorIs(t, err, saga.ErrRunNotFound)
}

func TestGetRunStatusUnknownRun(t *testing.T) {
	e := setup(t)
	_, err := e.svc.GetRunStatus(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, saga.ErrRunNotFound)
	assert.ErrorIs(t, e.svc.Cancel(context.Background(), uuid.NewString()), saga.ErrRunNotFound)
}

func TestCancelFinishedRun(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	def := bucketDef("acme-logs")

	runID, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: def})
	require.NoError(t, err)
	e.wait(t, runID)

	assert.ErrorIs(t, e.svc.Cancel(ctx, runID), saga.ErrRunFinished)
}

func TestResumeInFlight(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	// a run persisted by a process that died before executing it
	def := resourcestest.Definition(resources.TypeFlexible, "note", map[string]string{"typeNamespace": "a", "typeName": "b"})
	runID := uuid.NewString()
	inputs, err := saga.NewInputParameters(map[string]interface{}{
		resources.InputResource: def.NewResource(runID, time.Now().UTC()),
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateRun(ctx, &saga.RunRecord{
		ID:             runID,
		Workflow:       resources.WorkflowName(resources.TypeFlexible, resources.StewardshipControlled, resources.OpCreate),
		Status:         saga.RunStatusPending,
		Inputs:         inputs,
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
	}))
	require.NoError(t, e.store.CreateRun(ctx, &saga.RunRecord{
		ID:             uuid.NewString(),
		Workflow:       "disk.controlled.create",
		Status:         saga.RunStatusRunning,
		Inputs:         inputs,
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
	}))

	n, err := e.svc.ResumeInFlight(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	rec := e.wait(t, runID)
	assert.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	_, err = e.svc.GetResource(ctx, def.WorkspaceID, def.ResourceID)
	assert.NoError(t, err)
}

func TestResumeInFlightLeavesLeasedRun(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	// a run another live process is executing
	def := resourcestest.Definition(resources.TypeFlexible, "note", map[string]string{"typeNamespace": "a", "typeName": "b"})
	runID := uuid.NewString()
	inputs, err := saga.NewInputParameters(map[string]interface{}{
		resources.InputResource: def.NewResource(runID, time.Now().UTC()),
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateRun(ctx, &saga.RunRecord{
		ID:             runID,
		Workflow:       resources.WorkflowName(resources.TypeFlexible, resources.StewardshipControlled, resources.OpCreate),
		Status:         saga.RunStatusRunning,
		Inputs:         inputs,
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
		Owner:          "other-host",
		LeaseExpiresAt: now.Add(time.Hour),
	}))

	n, err := e.svc.ResumeInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, e.runner.Active())

	assert.ErrorIs(t, e.svc.Cancel(ctx, runID), saga.ErrRunLeased)

	rec, err := e.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "other-host", rec.Owner)
	assert.Equal(t, saga.RunStatusRunning, rec.Status)
}

func TestRefreshResourceGauge(t *testing.T) {
	e := setup(t)
	e.create(t, bucketDef("acme-logs"))
	e.create(t, bucketDef("acme-data"))
	require.NoError(t, e.svc.RefreshResourceGauge(context.Background()))

	families, err := e.metrics.Registry().Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "wsm_resources" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			got[labels["type"]+"/"+labels["state"]] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 2.0, got["BUCKET/READY"])
	assert.Equal(t, 0.0, got["FLEXIBLE/BROKEN"])
}

func TestAdmissionPolicies(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.StartCreate(ctx, service.CreateRequest{Definition: bucketDef("Acme_Logs")})
	require.ErrorIs(t, err, policy.ErrDenied)
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "bucket-naming", denied.Violations[0].Policy)
	assert.Equal(t, 0, e.cloud.Calls("CreateBucket"))

	r := e.create(t, bucketDef("acme-logs"))
	runID, err := e.svc.StartUpdate(ctx, service.UpdateRequest{
		WorkspaceID: workspace,
		ResourceID:  r.ResourceID,
		Attributes:  json.RawMessage(`{"labels":{"protected":"true"}}`),
	})
	require.NoError(t, err)
	require.Equal(t, saga.RunStatusSucceeded, e.wait(t, runID).Status)

	_, err = e.svc.StartDelete(ctx, service.DeleteRequest{WorkspaceID: workspace, ResourceID: r.ResourceID})
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.True(t, e.cloud.HasBucket("acme-logs"))

	current, err := e.svc.GetResource(ctx, workspace, r.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateReady, current.State)
}
