package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testResource(id, name string, state lifecycle.State, runID string) *resources.Resource {
	now := time.Now().UTC()
	return &resources.Resource{
		WorkspaceID: "ws-1",
		ResourceID:  id,
		Name:        name,
		Type:        resources.TypeBucket,
		Stewardship: resources.StewardshipControlled,
		State:       state,
		RunID:       runID,
		Attributes:  json.RawMessage(`{"bucketName":"b-` + name + `"}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"resources", "runs", "run_steps", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// a second run finds nothing to do
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wsm.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.InsertResource(ctx, testResource("r-1", "alpha", lifecycle.StateReady, "")); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetResource(ctx, lifecycle.Key{WorkspaceID: "ws-1", ResourceID: "r-1"})
	if err != nil {
		t.Fatalf("failed to get resource after reopen: %v", err)
	}
	if got.Name != "alpha" {
		t.Errorf("expected name alpha, got %s", got.Name)
	}
}

func TestRunJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inputs, err := saga.NewInputParameters(map[string]interface{}{"resource": map[string]string{"name": "alpha"}})
	if err != nil {
		t.Fatalf("failed to build inputs: %v", err)
	}
	rec := &saga.RunRecord{
		ID:             "run-001",
		Workflow:       "bucket.controlled.create",
		Status:         saga.RunStatusPending,
		Inputs:         inputs,
		Working:        map[string]json.RawMessage{},
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	if err := store.CreateRun(ctx, rec); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.CreateRun(ctx, rec); !errors.Is(err, saga.ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}

	got, err := store.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Workflow != rec.Workflow || got.Status != saga.RunStatusPending {
		t.Errorf("unexpected run %+v", got)
	}
	if got.CompensateFrom != -1 || got.FailedStep != -1 {
		t.Errorf("expected -1 indexes, got %d and %d", got.CompensateFrom, got.FailedStep)
	}
	var resource map[string]string
	if err := got.Inputs.Decode("resource", &resource); err != nil || resource["name"] != "alpha" {
		t.Errorf("inputs did not survive: %v %v", resource, err)
	}

	done := now.Add(time.Second)
	got.Status = saga.RunStatusSucceeded
	got.NextStep = 3
	got.Working["bucket/created"] = json.RawMessage(`"b-alpha"`)
	got.UpdatedAt = done
	got.CompletedAt = &done
	if err := store.SaveCheckpoint(ctx, got); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	saved, err := store.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get saved run: %v", err)
	}
	if saved.Status != saga.RunStatusSucceeded || saved.NextStep != 3 {
		t.Errorf("checkpoint not saved: %+v", saved)
	}
	if string(saved.Working["bucket/created"]) != `"b-alpha"` {
		t.Errorf("working record not saved: %s", saved.Working["bucket/created"])
	}
	if saved.CompletedAt == nil || !saved.CompletedAt.Equal(done) {
		t.Errorf("expected CompletedAt %v, got %v", done, saved.CompletedAt)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, saga.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	missing := *saved
	missing.ID = "missing"
	if err := store.SaveCheckpoint(ctx, &missing); !errors.Is(err, saga.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on checkpoint, got %v", err)
	}
}

func TestRunLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &saga.RunRecord{
		ID:             "run-lease",
		Workflow:       "bucket.controlled.create",
		Status:         saga.RunStatusRunning,
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateRun(ctx, rec); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := store.ClaimRun(ctx, rec.ID, "runner-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := store.ClaimRun(ctx, rec.ID, "runner-b", now.Add(time.Minute)); !errors.Is(err, saga.ErrRunLeased) {
		t.Fatalf("expected ErrRunLeased for a second owner, got %v", err)
	}
	if err := store.ClaimRun(ctx, rec.ID, "runner-a", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("holder failed to renew: %v", err)
	}

	got, err := store.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Owner != "runner-a" {
		t.Errorf("expected owner runner-a, got %q", got.Owner)
	}
	if want := now.Add(2 * time.Minute).Truncate(time.Millisecond); !got.LeaseExpiresAt.Equal(want) {
		t.Errorf("expected lease until %v, got %v", want, got.LeaseExpiresAt)
	}

	stale := *got
	stale.Owner = "runner-b"
	stale.NextStep = 1
	if err := store.SaveCheckpoint(ctx, &stale); !errors.Is(err, saga.ErrRunLeased) {
		t.Fatalf("expected ErrRunLeased for a checkpoint by a non-owner, got %v", err)
	}
	if err := store.SaveCheckpoint(ctx, got); err != nil {
		t.Fatalf("holder failed to checkpoint: %v", err)
	}
	if err := store.ClaimRun(ctx, "missing", "runner-a", now); !errors.Is(err, saga.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestExpiredRunLeaseCanBeTakenOver(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &saga.RunRecord{
		ID:             "run-expired",
		Workflow:       "bucket.controlled.create",
		Status:         saga.RunStatusRunning,
		CompensateFrom: -1,
		FailedStep:     -1,
		StartedAt:      now,
		UpdatedAt:      now,
		Owner:          "runner-a",
		LeaseExpiresAt: now.Add(-time.Second),
	}
	if err := store.CreateRun(ctx, rec); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := store.ClaimRun(ctx, rec.ID, "runner-b", now.Add(time.Minute)); err != nil {
		t.Fatalf("expected expired lease to be claimable, got %v", err)
	}
	// the previous holder can no longer write
	if err := store.SaveCheckpoint(ctx, rec); !errors.Is(err, saga.ErrRunLeased) {
		t.Errorf("expected ErrRunLeased for the previous owner, got %v", err)
	}
}

func TestListRunsByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	statuses := []saga.RunStatus{saga.RunStatusRunning, saga.RunStatusSucceeded, saga.RunStatusCompensating, saga.RunStatusPending}
	for i, st := range statuses {
		rec := &saga.RunRecord{
			ID:             "run-" + string(rune('a'+i)),
			Workflow:       "flexible.controlled.create",
			Status:         st,
			CompensateFrom: -1,
			FailedStep:     -1,
			StartedAt:      base.Add(time.Duration(i) * time.Second),
			UpdatedAt:      base,
		}
		if err := store.CreateRun(ctx, rec); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	runs, err := store.ListRunsByStatus(ctx, saga.RunStatusPending, saga.RunStatusRunning, saga.RunStatusCompensating)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-a" || runs[1].ID != "run-c" || runs[2].ID != "run-d" {
		t.Errorf("unexpected order %s %s %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	none, err := store.ListRunsByStatus(ctx)
	if err != nil || len(none) != 0 {
		t.Errorf("expected no runs for no statuses, got %d %v", len(none), err)
	}
}

func TestStepRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateRun(ctx, &saga.RunRecord{
		ID: "run-1", Workflow: "w", Status: saga.RunStatusRunning,
		CompensateFrom: -1, FailedStep: -1, StartedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	records := []*saga.StepRecord{
		{RunID: "run-1", Index: 0, Name: "StartCreate", Direction: saga.DirectionDo, Outcome: "success", Attempts: 1, StartedAt: now, Duration: 15 * time.Millisecond},
		{RunID: "run-1", Index: 1, Name: "CreateBucket", Direction: saga.DirectionDo, Outcome: "fatal", Attempts: 3, Error: "boom", StartedAt: now},
		{RunID: "run-1", Index: 0, Name: "StartCreate", Direction: saga.DirectionUndo, Outcome: "success", Attempts: 1, StartedAt: now},
	}
	for _, r := range records {
		if err := store.AppendStepRecord(ctx, r); err != nil {
			t.Fatalf("failed to append step record: %v", err)
		}
	}

	got, err := store.ListStepRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list step records: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[1].Error != "boom" || got[1].Attempts != 3 {
		t.Errorf("unexpected record %+v", got[1])
	}
	if got[2].Direction != saga.DirectionUndo {
		t.Errorf("expected undo, got %s", got[2].Direction)
	}
	if got[0].Duration != 15*time.Millisecond {
		t.Errorf("expected 15ms, got %s", got[0].Duration)
	}
}

func TestResourceVisibility(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	creating := testResource("r-1", "alpha", lifecycle.StateCreating, "run-1")
	if err := store.InsertResource(ctx, creating); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}
	key := creating.Key()

	if _, err := store.GetResource(ctx, key); !errors.Is(err, lifecycle.ErrResourceNotFound) {
		t.Errorf("CREATING row must be invisible, got %v", err)
	}
	if _, err := store.GetResourceForRun(ctx, key, "run-1"); err != nil {
		t.Errorf("owning run must see its row: %v", err)
	}
	if _, err := store.GetResourceForRun(ctx, key, "run-2"); !errors.Is(err, lifecycle.ErrResourceNotFound) {
		t.Errorf("other run must not see the row, got %v", err)
	}
	if got, err := store.LookupResource(ctx, key); err != nil || got.State != lifecycle.StateCreating {
		t.Errorf("lookup should see any state: %v %v", got, err)
	}
	list, err := store.ListResources(ctx, "ws-1")
	if err != nil || len(list) != 0 {
		t.Errorf("expected empty list, got %d %v", len(list), err)
	}

	ok, err := store.CompareAndSwap(ctx, lifecycle.Swap{
		Key: key, FromState: lifecycle.StateCreating, FromRunID: "run-1", ToState: lifecycle.StateReady,
	})
	if err != nil || !ok {
		t.Fatalf("failed to swap to READY: %v %v", ok, err)
	}

	got, err := store.GetResource(ctx, key)
	if err != nil {
		t.Fatalf("READY row must be visible: %v", err)
	}
	if got.RunID != "" || got.Type != resources.TypeBucket || string(got.Attributes) != `{"bucketName":"b-alpha"}` {
		t.Errorf("unexpected resource %+v", got)
	}
}

func TestInsertResourceConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.InsertResource(ctx, testResource("r-1", "alpha", lifecycle.StateCreating, "run-1")); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}

	tests := []struct {
		name string
		r    *resources.Resource
	}{
		{"same id", testResource("r-1", "beta", lifecycle.StateCreating, "run-2")},
		{"same name", testResource("r-2", "alpha", lifecycle.StateCreating, "run-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.InsertResource(ctx, tt.r)
			if !errors.Is(err, lifecycle.ErrStateConflict) {
				t.Errorf("expected ErrStateConflict, got %v", err)
			}
		})
	}
}

func TestCompareAndSwapRequiresOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := testResource("r-1", "alpha", lifecycle.StateReady, "")
	if err := store.InsertResource(ctx, r); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}
	key := r.Key()

	// wrong expected owner on an unowned row
	ok, err := store.CompareAndSwap(ctx, lifecycle.Swap{
		Key: key, FromState: lifecycle.StateReady, FromRunID: "run-x", ToState: lifecycle.StateDeleting, ToRunID: "run-x",
	})
	if err != nil || ok {
		t.Fatalf("expected no swap, got %v %v", ok, err)
	}

	ok, err = store.CompareAndSwap(ctx, lifecycle.Swap{
		Key: key, FromState: lifecycle.StateReady, ToState: lifecycle.StateDeleting, ToRunID: "run-1",
	})
	if err != nil || !ok {
		t.Fatalf("expected swap, got %v %v", ok, err)
	}

	snap, err := store.GetSnapshot(ctx, key)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if snap.State != lifecycle.StateDeleting || snap.RunID != "run-1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if ok, _ := store.Remove(ctx, key, lifecycle.StateDeleting, "run-2"); ok {
		t.Error("remove by a non-owner must not match")
	}
	if ok, err := store.Remove(ctx, key, lifecycle.StateDeleting, "run-1"); err != nil || !ok {
		t.Fatalf("expected remove, got %v %v", ok, err)
	}
	if _, err := store.GetSnapshot(ctx, key); !errors.Is(err, lifecycle.ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestConcurrentSwapExactlyOneWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := testResource("r-1", "alpha", lifecycle.StateReady, "")
	if err := store.InsertResource(ctx, r); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.CompareAndSwap(ctx, lifecycle.Swap{
				Key: r.Key(), FromState: lifecycle.StateReady,
				ToState: lifecycle.StateDeleting, ToRunID: "run-" + string(rune('a'+i)),
			})
			if err != nil {
				t.Errorf("swap failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestReplaceAttributes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := testResource("r-1", "alpha", lifecycle.StateUpdating, "run-1")
	if err := store.InsertResource(ctx, r); err != nil {
		t.Fatalf("failed to insert resource: %v", err)
	}

	if err := store.ReplaceAttributes(ctx, r.Key(), "run-2", json.RawMessage(`{}`)); !errors.Is(err, lifecycle.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for non-owner, got %v", err)
	}
	if err := store.ReplaceAttributes(ctx, r.Key(), "run-1", json.RawMessage(`{"bucketName":"b-new"}`)); err != nil {
		t.Fatalf("failed to replace attributes: %v", err)
	}

	got, err := store.GetResourceForRun(ctx, r.Key(), "run-1")
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if string(got.Attributes) != `{"bucketName":"b-new"}` {
		t.Errorf("unexpected attributes %s", got.Attributes)
	}
}

func TestListResources(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rows := []*resources.Resource{
		testResource("r-1", "charlie", lifecycle.StateReady, ""),
		testResource("r-2", "alpha", lifecycle.StateReady, ""),
		testResource("r-3", "bravo", lifecycle.StateBroken, ""),
		testResource("r-4", "delta", lifecycle.StateDeleting, "run-1"),
	}
	other := testResource("r-5", "echo", lifecycle.StateBroken, "")
	other.WorkspaceID = "ws-2"
	rows = append(rows, other)
	for _, r := range rows {
		if err := store.InsertResource(ctx, r); err != nil {
			t.Fatalf("failed to insert %s: %v", r.Name, err)
		}
	}

	ready, err := store.ListResources(ctx, "ws-1")
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(ready) != 2 || ready[0].Name != "alpha" || ready[1].Name != "charlie" {
		t.Errorf("unexpected ready resources: %d", len(ready))
	}

	broken, err := store.ListBrokenResources(ctx, "ws-1")
	if err != nil || len(broken) != 1 || broken[0].Name != "bravo" {
		t.Errorf("unexpected broken resources in ws-1: %d %v", len(broken), err)
	}
	all, err := store.ListBrokenResources(ctx, "")
	if err != nil || len(all) != 2 {
		t.Errorf("expected 2 broken resources overall, got %d %v", len(all), err)
	}

	counts, err := store.CountResources(ctx)
	if err != nil {
		t.Fatalf("failed to count resources: %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	if total != 5 {
		t.Errorf("expected 5 counted rows, got %d", total)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	events := []telemetry.Event{
		{Type: telemetry.EventTypeRunStarted, RunID: "run-1", Level: telemetry.EventLevelInfo, Message: "started", Timestamp: base},
		{Type: telemetry.EventTypeStepFailed, RunID: "run-1", Step: "CreateBucket", Level: telemetry.EventLevelError,
			Message: "failed", Data: map[string]interface{}{"reason": "boom"}, Timestamp: base.Add(time.Second)},
		{Type: telemetry.EventTypeRunStarted, RunID: "run-2", Level: telemetry.EventLevelInfo, Message: "other"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	got, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected generated id")
	}
	if got[1].Step != "CreateBucket" || got[1].Data["reason"] != "boom" {
		t.Errorf("unexpected event %+v", got[1])
	}

	limited, err := store.ListEvents(ctx, "run-1", 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("expected 1 event with limit, got %d %v", len(limited), err)
	}
}

func TestEventSink(t *testing.T) {
	store := setupTestStore(t)

	pub, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	pub.Subscribe(store.EventSink(telemetry.NewNopLogger()), nil)

	if err := pub.PublishRunStarted("run-1", "bucket.controlled.create"); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	got, err := store.ListEvents(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 1 || got[0].Data["workflow"] != "bucket.controlled.create" {
		t.Errorf("unexpected events %+v", got)
	}
}
