// Package identity provisions service identities with their instance
// profiles.
//
// Identity services are eventually consistent: a role that was just created
// may be missing from reads for a while. The create workflow therefore waits
// for the identity to become visible under the long sync policy before
// recording its ARNs.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
)

// Working record keys.
const (
	KeyCreated             = "identity/created"
	KeyInfo                = "identity/info"
	KeyPreviousDescription = "identity/previous_description"
	KeyDescriptionSet      = "identity/description_set"
)

// Attributes describe a service identity. ARN and InstanceProfileARN are
// filled in by the create workflow.
type Attributes struct {
	RoleName    string            `json:"roleName" validate:"required,max=64"`
	Description string            `json:"description,omitempty" validate:"max=1000"`
	TrustPolicy string            `json:"trustPolicy,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	ARN                string `json:"arn,omitempty"`
	InstanceProfileARN string `json:"instanceProfileArn,omitempty"`
}

// NewBuilder returns the identity capability table.
func NewBuilder(api cloud.IdentityAPI, store resources.Store) resources.Builder {
	return resources.Builder{
		Type: resources.TypeIdentity,
		Create: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &createIdentity{api: api}, Retry: p.Cloud},
				{Task: &awaitVisible{api: api}, Retry: p.LongSync},
				{Task: &recordIdentity{store: store}, Retry: p.ShortDatabase},
			}
		},
		Update: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &retrieveIdentity{api: api}, Retry: p.Cloud},
				{Task: &updateDescription{api: api}, Retry: p.Cloud},
			}
		},
		Delete: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{{Task: &deleteIdentity{api: api}, Retry: p.Cloud}}
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
			if before.RoleName != after.RoleName || before.TrustPolicy != after.TrustPolicy {
				return fmt.Errorf("%w: only the description of an identity can change", resources.ErrInvalidDefinition)
			}
			return nil
		},
	}
}

type createIdentity struct {
	api cloud.IdentityAPI
}

func (t *createIdentity) Name() string { return "CreateIdentity" }

func (t *createIdentity) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	// an existing role is returned as is, so its owner is checked either way
	info, err := t.api.CreateIdentity(ctx, cloud.IdentitySpec{
		Name:        a.RoleName,
		Description: a.Description,
		TrustPolicy: a.TrustPolicy,
		Labels:      cloud.OwnedLabels(a.Labels, r.ResourceID),
	})
	if err == nil {
		err = cloud.CheckOwner("identity", a.RoleName, info.Labels, r.ResourceID)
	}
	out := cloud.ClaimOutcome(err, func() error {
		return checkOwner(ctx, t.api, a.RoleName, r.ResourceID)
	})
	if !out.IsSuccess() {
		return out
	}
	if err := ec.Working.Put(KeyCreated, a.RoleName); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (t *createIdentity) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var name string
	found, err := ec.Working.Get(KeyCreated, &name)
	if err != nil {
		return saga.Fatal(err)
	}
	if !found {
		return saga.Success()
	}
	return cloud.DeleteOutcome(t.api.DeleteIdentity(ctx, name))
}

// awaitVisible polls until reads return the new identity.
type awaitVisible struct {
	api cloud.IdentityAPI
	saga.NoCompensation
}

func (t *awaitVisible) Name() string { return "AwaitIdentityVisible" }

func (t *awaitVisible) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyInfo) {
		return saga.Success()
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	info, err := t.api.GetIdentity(ctx, a.RoleName)
	if cloud.IsNotFound(err) {
		return saga.Retry(err)
	}
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyInfo, info); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

type recordIdentity struct {
	store resources.Store
	saga.NoCompensation
}

func (t *recordIdentity) Name() string { return "RecordIdentity" }

func (t *recordIdentity) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	var info cloud.IdentityInfo
	if _, err := ec.Working.Get(KeyInfo, &info); err != nil {
		return saga.Fatal(err)
	}
	a.ARN = info.ARN
	a.InstanceProfileARN = info.InstanceProfileARN
	raw, err := json.Marshal(a)
	if err != nil {
		return saga.Fatal(err)
	}
	if err := t.store.ReplaceAttributes(ctx, r.Key(), ec.RunID, raw); err != nil {
		return saga.Retry(err)
	}
	return saga.Success()
}

type retrieveIdentity struct {
	api cloud.IdentityAPI
	saga.NoCompensation
}

func (t *retrieveIdentity) Name() string { return "RetrieveIdentity" }

func (t *retrieveIdentity) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyPreviousDescription) {
		return saga.Success()
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	info, err := t.api.GetIdentity(ctx, a.RoleName)
	if err != nil {
		return cloud.Outcome(err)
	}
	if err := ec.Working.Put(KeyPreviousDescription, info.Description); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

type updateDescription struct {
	api cloud.IdentityAPI
}

func (t *updateDescription) Name() string { return "UpdateIdentityDescription" }

func (t *updateDescription) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var next Attributes
	if err := resources.NewAttributesFrom(ec, &next); err != nil {
		return resources.InputError(err)
	}
	if err := ec.Working.Put(KeyDescriptionSet, true); err != nil {
		return saga.Fatal(err)
	}
	return cloud.Outcome(t.api.UpdateIdentityDescription(ctx, next.RoleName, next.Description))
}

func (t *updateDescription) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if !ec.Working.Has(KeyDescriptionSet) {
		return saga.Success()
	}
	var prev string
	if _, err := ec.Working.Get(KeyPreviousDescription, &prev); err != nil {
		return saga.Fatal(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	return cloud.Outcome(t.api.UpdateIdentityDescription(ctx, a.RoleName, prev))
}

type deleteIdentity struct {
	api cloud.IdentityAPI
	saga.NoCompensation
}

func (t *deleteIdentity) Name() string { return "DeleteIdentity" }

func (t *deleteIdentity) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	// a role that reads as missing may only be invisible yet, so the delete
	// still goes ahead
	err = checkOwner(ctx, t.api, a.RoleName, r.ResourceID)
	switch {
	case errors.Is(err, cloud.ErrNotOwned):
		return saga.Fatal(err)
	case err != nil && !cloud.IsNotFound(err):
		return cloud.Outcome(err)
	}
	return cloud.DeleteOutcome(t.api.DeleteIdentity(ctx, a.RoleName))
}

func checkOwner(ctx context.Context, api cloud.IdentityAPI, name, resourceID string) error {
	info, err := api.GetIdentity(ctx, name)
	if err != nil {
		return err
	}
	return cloud.CheckOwner("identity", name, info.Labels, resourceID)
}
