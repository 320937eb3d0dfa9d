// Package vm provisions virtual machines and attaches their identities.
package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
)

// Working record keys.
const (
	KeyInstanceID      = "vm/instance_id"
	KeyProfileAttached = "vm/profile_attached"
	KeyPreviousType    = "vm/previous_type"
	KeyResizeRequired  = "vm/resize_required"
	KeyStopped         = "vm/stopped"
	KeyResized         = "vm/resized"
)

// Attributes describe a virtual machine. InstanceID, AvailabilityZone and
// Region are filled in by the create workflow.
type Attributes struct {
	ImageID      string            `json:"imageId" validate:"required"`
	InstanceType string            `json:"instanceType" validate:"required"`
	SubnetID     string            `json:"subnetId,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`

	// Identity is the instance profile attached after boot.
	Identity string `json:"identity,omitempty"`

	InstanceID       string `json:"instanceId,omitempty"`
	AvailabilityZone string `json:"availabilityZone,omitempty"`
	Region           string `json:"region,omitempty"`
}

// NewBuilder returns the VM capability table. store receives the location
// attributes discovered after creation.
func NewBuilder(api cloud.InstanceAPI, store resources.Store) resources.Builder {
	return resources.Builder{
		Type: resources.TypeVM,
		Create: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &createInstance{api: api}, Retry: p.Cloud},
				{Task: &waitForState{api: api, state: cloud.InstanceRunning}, Retry: p.CloudLongRunning},
				{Task: &attachProfile{api: api}, Retry: p.LongSync},
				{Task: &recordLocation{api: api, store: store}, Retry: p.ShortDatabase},
			}
		},
		Update: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &retrieveInstance{api: api}, Retry: p.Cloud},
				{Task: &resizeInstance{api: api}, Retry: p.CloudLongRunning},
			}
		},
		Delete: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &terminateInstance{api: api}, Retry: p.Cloud},
				{Task: &waitForState{api: api, state: cloud.InstanceTerminated}, Retry: p.CloudLongRunning},
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
			if before.ImageID != after.ImageID || before.SubnetID != after.SubnetID ||
				before.InstanceID != after.InstanceID || before.Identity != after.Identity {
				return fmt.Errorf("%w: only the instance type of a vm can change", resources.ErrInvalidDefinition)
			}
			return nil
		},
	}
}

// instanceID returns the id recorded by this run or, failing that, the one
// stored in the resource attributes.
func instanceID(ec *saga.ExecutionContext) (string, error) {
	var id string
	found, err := ec.Working.Get(KeyInstanceID, &id)
	if err != nil || found {
		return id, err
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return "", err
	}
	return a.InstanceID, nil
}

type createInstance struct {
	api cloud.InstanceAPI
}

func (t *createInstance) Name() string { return "CreateInstance" }

func (t *createInstance) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	// the run id as client token turns a repeated call into a lookup
	info, err := t.api.CreateInstance(ctx, cloud.InstanceSpec{
		Name:         r.Name,
		ImageID:      a.ImageID,
		InstanceType: a.InstanceType,
		SubnetID:     a.SubnetID,
		Labels:       a.Labels,
		ClientToken:  ec.RunID,
	})
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyInstanceID, info.ID); err != nil {
		return saga.Fatal(err)
	}
	ec.Logger.Infof("created instance %s for %s", info.ID, r.ResourceID)
	return saga.Success()
}

func (t *createInstance) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var id string
	found, err := ec.Working.Get(KeyInstanceID, &id)
	if err != nil {
		return saga.Fatal(err)
	}
	if !found {
		return saga.Success()
	}
	return cloud.DeleteOutcome(t.api.TerminateInstance(ctx, id))
}

// waitForState blocks until the instance reaches state. A vanished instance
// satisfies a wait for termination.
type waitForState struct {
	api   cloud.InstanceAPI
	state string
	saga.NoCompensation
}

func (t *waitForState) Name() string {
	return "WaitFor" + map[string]string{
		cloud.InstanceRunning:    "Running",
		cloud.InstanceStopped:    "Stopped",
		cloud.InstanceTerminated: "Terminated",
	}[t.state]
}

func (t *waitForState) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	if id == "" && t.state == cloud.InstanceTerminated {
		return saga.Success()
	}
	err = t.api.WaitForState(ctx, id, t.state)
	if t.state == cloud.InstanceTerminated {
		return cloud.DeleteOutcome(err)
	}
	return cloud.Outcome(err)
}

// attachProfile attaches the configured identity. A new instance profile
// is not attachable until it has propagated, which surfaces as NotFound or
// BadRequest; both are retried under the long sync policy.
type attachProfile struct {
	api cloud.InstanceAPI
	saga.NoCompensation
}

func (t *attachProfile) Name() string { return "AttachInstanceProfile" }

func (t *attachProfile) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyProfileAttached) {
		return saga.Success()
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	if a.Identity == "" {
		return saga.Success()
	}
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	err = t.api.AttachInstanceProfile(ctx, id, a.Identity)
	switch cloud.KindOf(err) {
	case cloud.KindNotFound, cloud.KindBadRequest:
		return saga.Retry(err)
	}
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyProfileAttached, a.Identity); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

// recordLocation stores where the instance landed in the resource row.
type recordLocation struct {
	api   cloud.InstanceAPI
	store resources.Store
	saga.NoCompensation
}

func (t *recordLocation) Name() string { return "RecordLocation" }

func (t *recordLocation) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	info, err := t.api.GetInstance(ctx, id)
	if err != nil {
		return cloud.Outcome(err)
	}
	a.InstanceID = info.ID
	a.AvailabilityZone = info.AvailabilityZone
	a.Region = info.Region
	raw, err := json.Marshal(a)
	if err != nil {
		return saga.Fatal(err)
	}
	if err := t.store.ReplaceAttributes(ctx, r.Key(), ec.RunID, raw); err != nil {
		return saga.Retry(err)
	}
	return saga.Success()
}

// retrieveInstance decides once whether an update needs a resize.
type retrieveInstance struct {
	api cloud.InstanceAPI
	saga.NoCompensation
}

func (t *retrieveInstance) Name() string { return "RetrieveInstance" }

func (t *retrieveInstance) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyResizeRequired) {
		return saga.Success()
	}
	var next Attributes
	if err := resources.NewAttributesFrom(ec, &next); err != nil {
		return resources.InputError(err)
	}
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	info, err := t.api.GetInstance(ctx, id)
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyPreviousType, info.InstanceType); err != nil {
		return saga.Fatal(err)
	}
	if err := ec.Working.Put(KeyResizeRequired, info.InstanceType != next.InstanceType); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

// resizeInstance stops the instance, changes its type and starts it again.
type resizeInstance struct {
	api cloud.InstanceAPI
}

func (t *resizeInstance) Name() string { return "ResizeInstance" }

func (t *resizeInstance) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var required bool
	if _, err := ec.Working.Get(KeyResizeRequired, &required); err != nil {
		return saga.Fatal(err)
	}
	if !required {
		return saga.Success()
	}
	var next Attributes
	if err := resources.NewAttributesFrom(ec, &next); err != nil {
		return resources.InputError(err)
	}
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	if err := ec.Working.Put(KeyStopped, true); err != nil {
		return saga.Fatal(err)
	}
	if err := t.resize(ctx, id, next.InstanceType); err != nil {
		out := cloud.Outcome(err)
		if out.IsFatal() {
			// a failed step is not compensated, so bring the instance back here
			if serr := t.start(ctx, id); serr != nil {
				ec.Logger.WithError(serr).Warnf("failed to restart %s after resize failure", id)
			}
		}
		return out
	}
	if err := ec.Working.Put(KeyResized, true); err != nil {
		return saga.Fatal(err)
	}
	return cloud.Outcome(t.start(ctx, id))
}

func (t *resizeInstance) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if !ec.Working.Has(KeyStopped) {
		return saga.Success()
	}
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	if ec.Working.Has(KeyResized) {
		var prev string
		if _, err := ec.Working.Get(KeyPreviousType, &prev); err != nil {
			return saga.Fatal(err)
		}
		if err := t.resize(ctx, id, prev); err != nil {
			return cloud.Outcome(err)
		}
	}
	return cloud.Outcome(t.start(ctx, id))
}

func (t *resizeInstance) resize(ctx context.Context, id, instanceType string) error {
	if err := t.api.StopInstance(ctx, id); err != nil {
		return err
	}
	if err := t.api.WaitForState(ctx, id, cloud.InstanceStopped); err != nil {
		return err
	}
	return t.api.ResizeInstance(ctx, id, instanceType)
}

func (t *resizeInstance) start(ctx context.Context, id string) error {
	if err := t.api.StartInstance(ctx, id); err != nil {
		return err
	}
	return t.api.WaitForState(ctx, id, cloud.InstanceRunning)
}

type terminateInstance struct {
	api cloud.InstanceAPI
	saga.NoCompensation
}

func (t *terminateInstance) Name() string { return "TerminateInstance" }

func (t *terminateInstance) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	id, err := instanceID(ec)
	if err != nil {
		return resources.InputError(err)
	}
	if id == "" {
		ec.Logger.Warn("vm has no instance id, nothing to terminate")
		return saga.Success()
	}
	return cloud.DeleteOutcome(t.api.TerminateInstance(ctx, id))
}
