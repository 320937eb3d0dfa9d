// Package resourcestest runs composed workflows end to end against the
// fake cloud and an in-memory store.
package resourcestest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/wsm/pkg/cloud/fake"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/stores"
)

// WorkspaceID is the workspace every harness resource lives in.
const WorkspaceID = "ws-test"

// Harness wires a composer and runner to a fresh store and fake cloud.
type Harness struct {
	Store     *stores.SQLiteStore
	Lifecycle *lifecycle.Manager
	Registry  *resources.Registry
	Composer  *resources.Composer
	Runner    *saga.Runner
	Cloud     *fake.Cloud
	Policies  *saga.PolicyHolder
}

// FastPolicies retries every few milliseconds so failure paths finish
// quickly.
func FastPolicies() saga.PolicySet {
	fixed := saga.FixedInterval{Interval: time.Millisecond, MaxAttempts: 5}
	return saga.PolicySet{
		Cloud:            fixed,
		CloudLongRunning: fixed,
		ShortDatabase:    fixed,
		ShortExponential: fixed,
		LongSync: saga.TwoPhase{
			InitialInterval: time.Millisecond,
			InitialAttempts: 3,
			LongInterval:    2 * time.Millisecond,
			LongAttempts:    5,
		},
	}
}

// New builds a harness. builders receives the harness so capability tables
// can use its cloud and store.
func New(t testing.TB, builders func(h *Harness) []resources.Builder, opts ...resources.ComposerOption) *Harness {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	h := &Harness{
		Store:    store,
		Cloud:    fake.New("us-east-1"),
		Registry: resources.NewRegistry(),
		Policies: saga.NewPolicyHolder(FastPolicies()),
	}
	h.Registry.MustRegister(builders(h)...)
	h.Lifecycle = lifecycle.NewManager(store)
	opts = append([]resources.ComposerOption{resources.WithPolicies(h.Policies)}, opts...)
	h.Composer = resources.NewComposer(h.Registry, h.Lifecycle, store, opts...)
	h.Runner = saga.NewRunner(store)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Runner.Shutdown(ctx)
		_ = store.Close()
	})
	return h
}

// Definition returns a definition with a fresh resource id.
func Definition(t resources.Type, name string, attrs interface{}) resources.Definition {
	raw, err := json.Marshal(attrs)
	if err != nil {
		panic(err)
	}
	return resources.Definition{
		WorkspaceID: WorkspaceID,
		ResourceID:  uuid.NewString(),
		Name:        name,
		Type:        t,
		Stewardship: resources.StewardshipControlled,
		Attributes:  raw,
	}
}

// Run starts the workflow and waits for it to finish.
func (h *Harness) Run(t testing.TB, wf *saga.Workflow, inputs map[string]interface{}) *saga.RunRecord {
	t.Helper()
	params, err := saga.NewInputParameters(inputs)
	if err != nil {
		t.Fatalf("failed to encode inputs: %v", err)
	}
	runID := uuid.NewString()
	if err := h.Runner.Start(context.Background(), runID, wf, params); err != nil {
		t.Fatalf("failed to start %s: %v", wf.Name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := h.Runner.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("failed to wait for %s: %v", wf.Name, err)
	}
	return rec
}

func (h *Harness) compose(t testing.TB, typ resources.Type, s resources.Stewardship, op resources.Operation) *saga.Workflow {
	t.Helper()
	wf, err := h.Composer.ComposeFor(typ, s, op)
	if err != nil {
		t.Fatalf("failed to compose %s %s: %v", typ, op, err)
	}
	return wf
}

// Create runs the create workflow for def. The run id is embedded in the
// inserted row, so it is generated here rather than by Run.
func (h *Harness) Create(t testing.TB, def resources.Definition) *saga.RunRecord {
	t.Helper()
	return h.start(t, resources.OpCreate, def, nil)
}

// Clone runs the clone workflow copying source into def.
func (h *Harness) Clone(t testing.TB, source *resources.Resource, def resources.Definition) *saga.RunRecord {
	t.Helper()
	return h.start(t, resources.OpClone, def, source)
}

func (h *Harness) start(t testing.TB, op resources.Operation, def resources.Definition, source *resources.Resource) *saga.RunRecord {
	t.Helper()
	if err := def.Validate(); err != nil {
		t.Fatalf("invalid definition: %v", err)
	}
	wf := h.compose(t, def.Type, def.Stewardship, op)
	runID := uuid.NewString()
	inputs := map[string]interface{}{resources.InputResource: def.NewResource(runID, time.Now().UTC())}
	if source != nil {
		inputs[resources.InputCloneSource] = source
	}
	params, err := saga.NewInputParameters(inputs)
	if err != nil {
		t.Fatalf("failed to encode inputs: %v", err)
	}
	if err := h.Runner.Start(context.Background(), runID, wf, params); err != nil {
		t.Fatalf("failed to start %s: %v", wf.Name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := h.Runner.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("failed to wait for %s: %v", wf.Name, err)
	}
	return rec
}

// Update runs the update workflow replacing r's attributes with attrs.
func (h *Harness) Update(t testing.TB, r *resources.Resource, attrs interface{}) *saga.RunRecord {
	t.Helper()
	raw, err := json.Marshal(attrs)
	if err != nil {
		t.Fatalf("failed to encode attributes: %v", err)
	}
	wf := h.compose(t, r.Type, r.Stewardship, resources.OpUpdate)
	return h.Run(t, wf, map[string]interface{}{
		resources.InputResource:   r,
		resources.InputAttributes: json.RawMessage(raw),
	})
}

// Patch runs the update workflow merging patch over the attributes the
// run finds once it holds the resource.
func (h *Harness) Patch(t testing.TB, r *resources.Resource, patch string) *saga.RunRecord {
	t.Helper()
	wf := h.compose(t, r.Type, r.Stewardship, resources.OpUpdate)
	return h.Run(t, wf, map[string]interface{}{
		resources.InputResource:       r,
		resources.InputAttributePatch: json.RawMessage(patch),
	})
}

// Delete runs the delete, or force delete, workflow for r.
func (h *Harness) Delete(t testing.TB, r *resources.Resource, force bool) *saga.RunRecord {
	t.Helper()
	op := resources.OpDelete
	if force {
		op = resources.OpForceDelete
	}
	wf := h.compose(t, r.Type, r.Stewardship, op)
	return h.Run(t, wf, map[string]interface{}{resources.InputResource: r})
}

// Ready returns the READY row of def, failing the test if there is none.
func (h *Harness) Ready(t testing.TB, def resources.Definition) *resources.Resource {
	t.Helper()
	r, err := h.Store.GetResource(context.Background(), lifecycle.Key{WorkspaceID: def.WorkspaceID, ResourceID: def.ResourceID})
	if err != nil {
		t.Fatalf("resource %s is not ready: %v", def.Name, err)
	}
	return r
}

// Snapshot returns the lifecycle state of def; NOT_EXISTS when the row is gone.
func (h *Harness) Snapshot(t testing.TB, def resources.Definition) lifecycle.State {
	t.Helper()
	snap, err := h.Lifecycle.Get(context.Background(), lifecycle.Key{WorkspaceID: def.WorkspaceID, ResourceID: def.ResourceID})
	if err != nil {
		return lifecycle.StateNotExists
	}
	return snap.State
}
