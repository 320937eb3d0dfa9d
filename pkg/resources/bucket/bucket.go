// Package bucket provisions storage buckets and clones their contents.
package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
)

// Working record keys.
const (
	// KeyCreated holds the name of the bucket this run created.
	KeyCreated = "bucket/created"

	// KeyPreviousLabels holds the labels before an update.
	KeyPreviousLabels = "bucket/previous_labels"

	// KeyLabelsSet is set once an update applied the new labels.
	KeyLabelsSet = "bucket/labels_set"

	// KeyCopySummary holds the bucket counts of a finished clone copy.
	KeyCopySummary = "bucket/copy_summary"
)

// Attributes describe a bucket resource.
type Attributes struct {
	BucketName   string            `json:"bucketName" validate:"required,min=3,max=63"`
	Region       string            `json:"region,omitempty"`
	StorageClass string            `json:"storageClass,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// NewBuilder returns the bucket capability table.
func NewBuilder(api cloud.BucketAPI, copyCfg fanout.Config) resources.Builder {
	return resources.Builder{
		Type: resources.TypeBucket,
		Create: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{{Task: &createBucket{api: api}, Retry: p.Cloud}}
		},
		Update: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &retrieveBucket{api: api}, Retry: p.Cloud},
				{Task: &updateLabels{api: api}, Retry: p.Cloud},
			}
		},
		Delete: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{{Task: &deleteBucket{api: api}, Retry: p.Cloud}}
		},
		Clone: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &createBucket{api: api}, Retry: p.Cloud},
				{Task: &copyObjects{api: api, cfg: copyCfg}, Retry: p.CloudLongRunning},
			}
		},
		Validate: func(raw json.RawMessage) error {
			var a Attributes
			return resources.DecodeAttributes(raw, &a)
		},
		ValidateUpdate: func(prev, next json.RawMessage) error {
			var before, after Attributes
			if err := resources.DecodeAttributes(prev, &before); err != nil {
				return err
			}
			if err := resources.DecodeAttributes(next, &after); err != nil {
				return err
			}
			if before.BucketName != after.BucketName || before.Region != after.Region {
				return fmt.Errorf("%w: bucket name and region cannot change", resources.ErrInvalidDefinition)
			}
			return nil
		},
	}
}

type createBucket struct {
	api cloud.BucketAPI
}

func (t *createBucket) Name() string { return "CreateBucket" }

func (t *createBucket) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	err = t.api.CreateBucket(ctx, cloud.BucketSpec{
		Name:         a.BucketName,
		Region:       a.Region,
		StorageClass: a.StorageClass,
		Labels:       cloud.OwnedLabels(a.Labels, r.ResourceID),
	})
	out := cloud.ClaimOutcome(err, func() error {
		return checkOwner(ctx, t.api, a.BucketName, r.ResourceID)
	})
	if out.IsSuccess() {
		if err := ec.Working.Put(KeyCreated, a.BucketName); err != nil {
			return saga.Fatal(err)
		}
	}
	return out
}

func (t *createBucket) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var name string
	found, err := ec.Working.Get(KeyCreated, &name)
	if err != nil {
		return saga.Fatal(err)
	}
	if !found {
		return saga.Success()
	}
	return cloud.DeleteOutcome(emptyAndDelete(ctx, t.api, name))
}

// retrieveBucket records the labels an update replaces.
type retrieveBucket struct {
	api cloud.BucketAPI
	saga.NoCompensation
}

func (t *retrieveBucket) Name() string { return "RetrieveBucket" }

func (t *retrieveBucket) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyPreviousLabels) {
		return saga.Success()
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	info, err := t.api.GetBucket(ctx, a.BucketName)
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyPreviousLabels, info.Labels); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

type updateLabels struct {
	api cloud.BucketAPI
}

func (t *updateLabels) Name() string { return "UpdateBucketLabels" }

func (t *updateLabels) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.NewAttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	if err := t.api.SetBucketLabels(ctx, a.BucketName, cloud.OwnedLabels(a.Labels, r.ResourceID)); err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyLabelsSet, true); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (t *updateLabels) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if !ec.Working.Has(KeyLabelsSet) {
		return saga.Success()
	}
	var prev map[string]string
	if _, err := ec.Working.Get(KeyPreviousLabels, &prev); err != nil {
		return saga.Fatal(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	return cloud.Outcome(t.api.SetBucketLabels(ctx, a.BucketName, prev))
}

type deleteBucket struct {
	api cloud.BucketAPI
	saga.NoCompensation
}

func (t *deleteBucket) Name() string { return "DeleteBucket" }

func (t *deleteBucket) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	if err := checkOwner(ctx, t.api, a.BucketName, r.ResourceID); err != nil {
		if errors.Is(err, cloud.ErrNotOwned) {
			return saga.Fatal(err)
		}
		return cloud.DeleteOutcome(err)
	}
	return cloud.DeleteOutcome(emptyAndDelete(ctx, t.api, a.BucketName))
}

// checkOwner reads the bucket back and verifies its owner label.
func checkOwner(ctx context.Context, api cloud.BucketAPI, name, resourceID string) error {
	info, err := api.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	return cloud.CheckOwner("bucket", name, info.Labels, resourceID)
}

// emptyAndDelete removes every object and then the bucket.
func emptyAndDelete(ctx context.Context, api cloud.BucketAPI, name string) error {
	src := api.ListObjects(ctx, name)
	for {
		obj, ok, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := api.DeleteObject(ctx, name, obj.Key); err != nil && !cloud.IsNotFound(err) {
			return err
		}
	}
	return api.DeleteBucket(ctx, name)
}

// copyObjects copies every object of the clone source into the new bucket.
type copyObjects struct {
	api cloud.BucketAPI
	cfg fanout.Config
	saga.NoCompensation
}

func (t *copyObjects) Name() string { return "CopyObjects" }

func (t *copyObjects) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyCopySummary) {
		return saga.Success()
	}
	source, err := resources.CloneSourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var from, to Attributes
	if err := json.Unmarshal(source.Attributes, &from); err != nil {
		return resources.InputError(err)
	}
	if err := resources.AttributesFrom(ec, &to); err != nil {
		return resources.InputError(err)
	}

	res, err := fanout.Run[cloud.ObjectRef](ctx, t.api.ListObjects(ctx, from.BucketName),
		copyDriver{api: t.api, dst: to.BucketName}, t.cfg)
	if err != nil {
		return cloud.Outcome(err)
	}
	ec.Logger.Infof("copied %s into %s: %s", from.BucketName, to.BucketName, res.Summary())
	if out := res.Outcome(); !out.IsSuccess() {
		return out
	}
	if err := ec.Working.Put(KeyCopySummary, res.Summary()); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

// copyDriver starts and polls one server-side copy per object.
type copyDriver struct {
	api cloud.BucketAPI
	dst string
}

// Skip ignores zero-length directory placeholders.
func (d copyDriver) Skip(obj cloud.ObjectRef) bool {
	return obj.Size == 0 && strings.HasSuffix(obj.Key, "/")
}

func (d copyDriver) Start(ctx context.Context, obj cloud.ObjectRef) (fanout.Operation[cloud.ObjectRef], error) {
	id, err := d.api.StartCopy(ctx, obj, d.dst)
	if err != nil {
		return fanout.Operation[cloud.ObjectRef]{}, err
	}
	return fanout.Operation[cloud.ObjectRef]{
		ID:        id,
		Item:      obj,
		Status:    fanout.StatusInProgress,
		StartedAt: time.Now(),
	}, nil
}

func (d copyDriver) Poll(ctx context.Context, op fanout.Operation[cloud.ObjectRef]) (fanout.Status, error) {
	return d.api.CopyStatus(ctx, op.Item, d.dst)
}
