package bucket_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/fake"
	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/resources/bucket"
	"github.com/openfroyo/wsm/pkg/resources/resourcestest"
	"github.com/openfroyo/wsm/pkg/saga"
)

func newHarness(t *testing.T, opts ...resources.ComposerOption) *resourcestest.Harness {
	copyCfg := fanout.Config{PollInterval: time.Millisecond, MaxWait: time.Second}
	return resourcestest.New(t, func(h *resourcestest.Harness) []resources.Builder {
		return []resources.Builder{bucket.NewBuilder(h.Cloud, copyCfg)}
	}, opts...)
}

func bucketDef(name string, labels map[string]string) resources.Definition {
	return resourcestest.Definition(resources.TypeBucket, name, bucket.Attributes{
		BucketName: "wsm-" + name,
		Labels:     labels,
	})
}

func TestCreateAndDelete(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", map[string]string{"team": "genomics"})

	rec := h.Create(t, def)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	assert.True(t, h.Cloud.HasBucket("wsm-data"))

	r := h.Ready(t, def)
	assert.Equal(t, "data", r.Name)

	h.Cloud.PutObject("wsm-data", "a.txt", 10)
	h.Cloud.PutObject("wsm-data", "b.txt", 20)

	rec = h.Delete(t, r, false)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	assert.False(t, h.Cloud.HasBucket("wsm-data"))
	assert.Equal(t, lifecycle.StateNotExists, h.Snapshot(t, def))
}

func TestCreateFailureRemovesRow(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", nil)
	h.Cloud.FailNext("CreateBucket", fake.Err(cloud.KindBadRequest, "CreateBucket"))

	rec := h.Create(t, def)
	assert.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Equal(t, lifecycle.StateNotExists, h.Snapshot(t, def))
	assert.False(t, h.Cloud.HasBucket("wsm-data"))
}

func TestCreateFailureMarksBroken(t *testing.T) {
	h := newHarness(t, resources.WithCreateFailureRule(lifecycle.CreateFailureBroken))
	def := bucketDef("data", nil)
	h.Cloud.FailNext("CreateBucket", fake.Err(cloud.KindBadRequest, "CreateBucket"))

	rec := h.Create(t, def)
	assert.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Equal(t, lifecycle.StateBroken, h.Snapshot(t, def))
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", nil)
	h.Cloud.FailNext("CreateBucket",
		fake.Err(cloud.KindThrottled, "CreateBucket"),
		fake.Err(cloud.KindServerError, "CreateBucket"),
	)

	rec := h.Create(t, def)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	assert.Equal(t, 3, h.Cloud.Calls("CreateBucket"))
}

func TestUpdateLabels(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", map[string]string{"team": "a"})
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, def).Status)
	r := h.Ready(t, def)

	rec := h.Update(t, r, bucket.Attributes{BucketName: "wsm-data", Labels: map[string]string{"team": "b"}})
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	var prev map[string]string
	require.NoError(t, json.Unmarshal(rec.Working[bucket.KeyPreviousLabels], &prev))
	assert.Equal(t, "a", prev["team"])

	info, err := h.Cloud.GetBucket(context.Background(), "wsm-data")
	require.NoError(t, err)
	assert.Equal(t, "b", info.Labels["team"])
	assert.Equal(t, def.ResourceID, info.Labels[cloud.LabelOwner], "owner label survives a label update")

	updated := h.Ready(t, def)
	var attrs bucket.Attributes
	require.NoError(t, json.Unmarshal(updated.Attributes, &attrs))
	assert.Equal(t, "b", attrs.Labels["team"])
}

func TestUpdateFailureKeepsAttributes(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", map[string]string{"team": "a"})
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, def).Status)
	r := h.Ready(t, def)
	h.Cloud.FailNext("SetBucketLabels", fake.Err(cloud.KindBadRequest, "SetBucketLabels"))

	rec := h.Update(t, r, bucket.Attributes{BucketName: "wsm-data", Labels: map[string]string{"team": "b"}})
	assert.Equal(t, saga.RunStatusFailed, rec.Status)

	after := h.Ready(t, def)
	assert.JSONEq(t, string(r.Attributes), string(after.Attributes))
	assert.NotEmpty(t, after.ErrorReport)
}

func TestClone(t *testing.T) {
	h := newHarness(t)
	h.Cloud.CopyPolls = 2
	src := bucketDef("source", nil)
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, src).Status)
	h.Cloud.PutObject("wsm-source", "reads/1.bam", 100)
	h.Cloud.PutObject("wsm-source", "reads/2.bam", 200)
	h.Cloud.PutObject("wsm-source", "reads/", 0)

	dst := bucketDef("copy", nil)
	rec := h.Clone(t, h.Ready(t, src), dst)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	assert.Equal(t, []string{"reads/1.bam", "reads/2.bam"}, h.Cloud.Objects("wsm-copy"))
	assert.Contains(t, string(rec.Working[bucket.KeyCopySummary]), "succeeded=2")
	h.Ready(t, dst)
}

func TestCloneFailureRemovesPartialCopy(t *testing.T) {
	h := newHarness(t)
	src := bucketDef("source", nil)
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, src).Status)
	h.Cloud.PutObject("wsm-source", "a", 1)
	h.Cloud.PutObject("wsm-source", "b", 1)
	h.Cloud.FailNext("StartCopy", fake.Err(cloud.KindBadRequest, "StartCopy"))

	dst := bucketDef("copy", nil)
	rec := h.Clone(t, h.Ready(t, src), dst)
	assert.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.False(t, h.Cloud.HasBucket("wsm-copy"))
	assert.Equal(t, lifecycle.StateNotExists, h.Snapshot(t, dst))
}

func TestValidate(t *testing.T) {
	b := bucket.NewBuilder(fake.New("us-east-1"), fanout.DefaultConfig())

	assert.NoError(t, b.Validate(json.RawMessage(`{"bucketName":"wsm-data"}`)))
	assert.ErrorIs(t, b.Validate(json.RawMessage(`{}`)), resources.ErrInvalidDefinition)
	assert.ErrorIs(t, b.Validate(json.RawMessage(`{"bucketName":"ab"}`)), resources.ErrInvalidDefinition)

	prev := json.RawMessage(`{"bucketName":"wsm-data","region":"us-east-1"}`)
	assert.NoError(t, b.ValidateUpdate(prev, json.RawMessage(`{"bucketName":"wsm-data","region":"us-east-1","labels":{"a":"b"}}`)))
	assert.ErrorIs(t, b.ValidateUpdate(prev, json.RawMessage(`{"bucketName":"other","region":"us-east-1"}`)), resources.ErrInvalidDefinition)
}

func sharedBucketDef(workspaceID string) resources.Definition {
	def := resourcestest.Definition(resources.TypeBucket, "shared", bucket.Attributes{BucketName: "shared-data"})
	def.WorkspaceID = workspaceID
	return def
}

func TestCreateRefusesBucketOfAnotherResource(t *testing.T) {
	h := newHarness(t)
	first := sharedBucketDef("ws-1")
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, first).Status)
	h.Cloud.PutObject("shared-data", "precious.csv", 10)

	second := sharedBucketDef("ws-2")
	rec := h.Create(t, second)
	require.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "owned by resource "+first.ResourceID)
	assert.NotContains(t, rec.Working, bucket.KeyCreated)
	assert.Equal(t, lifecycle.StateNotExists, h.Snapshot(t, second))

	assert.True(t, h.Cloud.HasBucket("shared-data"))
	assert.Equal(t, []string{"precious.csv"}, h.Cloud.Objects("shared-data"))
	h.Ready(t, first)
}

func TestForceDeleteKeepsBucketOfAnotherResource(t *testing.T) {
	h := newHarness(t, resources.WithCreateFailureRule(lifecycle.CreateFailureBroken))
	first := sharedBucketDef("ws-1")
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, first).Status)
	h.Cloud.PutObject("shared-data", "precious.csv", 10)

	second := sharedBucketDef("ws-2")
	require.Equal(t, saga.RunStatusFailed, h.Create(t, second).Status)
	require.Equal(t, lifecycle.StateBroken, h.Snapshot(t, second))

	broken, err := h.Store.GetResource(context.Background(), lifecycle.Key{WorkspaceID: "ws-2", ResourceID: second.ResourceID})
	require.NoError(t, err)
	rec := h.Delete(t, broken, true)
	assert.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Equal(t, []string{"precious.csv"}, h.Cloud.Objects("shared-data"))
}

func TestCreateAdoptsBucketItAlreadyMade(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", map[string]string{"team": "a"})
	// an earlier attempt created the bucket but never recorded it
	require.NoError(t, h.Cloud.CreateBucket(context.Background(), cloud.BucketSpec{
		Name:   "wsm-data",
		Labels: cloud.OwnedLabels(nil, def.ResourceID),
	}))

	rec := h.Create(t, def)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)
	assert.Contains(t, rec.Working, bucket.KeyCreated)
	h.Ready(t, def)
}

func TestCreateRefusesUnmanagedBucket(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.Cloud.CreateBucket(context.Background(), cloud.BucketSpec{Name: "wsm-data"}))
	h.Cloud.PutObject("wsm-data", "keep.txt", 1)

	rec := h.Create(t, bucketDef("data", nil))
	require.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "not created by wsm")
	assert.Equal(t, []string{"keep.txt"}, h.Cloud.Objects("wsm-data"))
}

func TestPatchMergesOverCurrentAttributes(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", map[string]string{"team": "a"})
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, def).Status)
	stale := h.Ready(t, def)

	rec := h.Patch(t, stale, `{"labels":{"team":"b"}}`)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	// a second request accepted against the same, now outdated, row
	rec = h.Patch(t, stale, `{"storageClass":"GLACIER"}`)
	require.Equal(t, saga.RunStatusSucceeded, rec.Status, rec.Error)

	var attrs bucket.Attributes
	require.NoError(t, json.Unmarshal(h.Ready(t, def).Attributes, &attrs))
	assert.Equal(t, "GLACIER", attrs.StorageClass)
	assert.Equal(t, "b", attrs.Labels["team"], "earlier update survives")

	info, err := h.Cloud.GetBucket(context.Background(), "wsm-data")
	require.NoError(t, err)
	assert.Equal(t, "b", info.Labels["team"])
}

func TestPatchRevalidatesMergedAttributes(t *testing.T) {
	h := newHarness(t)
	def := bucketDef("data", nil)
	require.Equal(t, saga.RunStatusSucceeded, h.Create(t, def).Status)

	rec := h.Patch(t, h.Ready(t, def), `{"bucketName":"renamed"}`)
	require.Equal(t, saga.RunStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "cannot change")
	assert.Equal(t, lifecycle.StateReady, h.Snapshot(t, def))
	assert.Zero(t, h.Cloud.Calls("SetBucketLabels"))
}
