// Package notebook provisions interactive notebook servers.
package notebook

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
	KeyCreated    = "notebook/created"
	KeyWasRunning = "notebook/was_running"
	KeyToggled    = "notebook/toggled"
)

// DefaultImage is used when the attributes name no image.
const DefaultImage = "quay.io/jupyter/base-notebook:latest"

// Attributes describe a notebook server.
type Attributes struct {
	ContainerName string            `json:"containerName" validate:"required,max=128"`
	Image         string            `json:"image,omitempty"`
	Port          int               `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Env           map[string]string `json:"env,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`

	// Stopped leaves the server stopped after create, or stops it on update.
	Stopped bool `json:"stopped,omitempty"`
}

func (a Attributes) image() string {
	if a.Image == "" {
		return DefaultImage
	}
	return a.Image
}

// NewBuilder returns the notebook capability table.
func NewBuilder(api cloud.NotebookAPI) resources.Builder {
	return resources.Builder{
		Type: resources.TypeNotebook,
		Create: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{
				{Task: &createNotebook{api: api}, Retry: p.CloudLongRunning},
				{Task: &setRunning{api: api, initial: true}, Retry: p.ShortExponential},
			}
		},
		Update: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{{Task: &setRunning{api: api}, Retry: p.ShortExponential}}
		},
		Delete: func(p saga.PolicySet) []saga.Step {
			return []saga.Step{{Task: &deleteNotebook{api: api}, Retry: p.Cloud}}
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
			if before.ContainerName != after.ContainerName || before.image() != after.image() {
				return fmt.Errorf("%w: notebook container and image cannot change", resources.ErrInvalidDefinition)
			}
			return nil
		},
	}
}

type createNotebook struct {
	api cloud.NotebookAPI
}

func (t *createNotebook) Name() string { return "CreateNotebook" }

func (t *createNotebook) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	_, err = t.api.CreateNotebook(ctx, cloud.NotebookSpec{
		Name:   a.ContainerName,
		Image:  a.image(),
		Port:   a.Port,
		Env:    a.Env,
		Labels: cloud.OwnedLabels(a.Labels, r.ResourceID),
	})
	out := cloud.ClaimOutcome(err, func() error {
		return checkOwner(ctx, t.api, a.ContainerName, r.ResourceID)
	})
	if !out.IsSuccess() {
		return out
	}
	if err := ec.Working.Put(KeyCreated, a.ContainerName); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (t *createNotebook) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var name string
	found, err := ec.Working.Get(KeyCreated, &name)
	if err != nil {
		return saga.Fatal(err)
	}
	if !found {
		return saga.Success()
	}
	return cloud.DeleteOutcome(t.api.DeleteNotebook(ctx, name))
}

// setRunning brings the server to the running state the attributes ask
// for. On create the current state is always "stopped". Starting and
// stopping a local container is quick, so it retries on the short
// exponential policy.
type setRunning struct {
	api     cloud.NotebookAPI
	initial bool
}

func (t *setRunning) Name() string {
	if t.initial {
		return "StartNotebook"
	}
	return "SetNotebookRunning"
}

func (t *setRunning) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	var want Attributes
	var err error
	if t.initial {
		err = resources.AttributesFrom(ec, &want)
	} else {
		err = resources.NewAttributesFrom(ec, &want)
	}
	if err != nil {
		return resources.InputError(err)
	}

	if !ec.Working.Has(KeyWasRunning) {
		running := false
		if !t.initial {
			info, err := t.api.GetNotebook(ctx, want.ContainerName)
			if err != nil {
				return cloud.Outcome(err)
			}
			running = info.Running
		}
		if err := ec.Working.Put(KeyWasRunning, running); err != nil {
			return saga.Fatal(err)
		}
	}
	var wasRunning bool
	if _, err := ec.Working.Get(KeyWasRunning, &wasRunning); err != nil {
		return saga.Fatal(err)
	}
	if wasRunning == !want.Stopped {
		return saga.Success()
	}

	if err := ec.Working.Put(KeyToggled, true); err != nil {
		return saga.Fatal(err)
	}
	if want.Stopped {
		return cloud.Outcome(t.api.StopNotebook(ctx, want.ContainerName))
	}
	return cloud.Outcome(t.api.StartNotebook(ctx, want.ContainerName))
}

func (t *setRunning) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if !ec.Working.Has(KeyToggled) {
		return saga.Success()
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	var wasRunning bool
	if _, err := ec.Working.Get(KeyWasRunning, &wasRunning); err != nil {
		return saga.Fatal(err)
	}
	var err error
	if wasRunning {
		err = t.api.StartNotebook(ctx, a.ContainerName)
	} else {
		err = t.api.StopNotebook(ctx, a.ContainerName)
	}
	if t.initial {
		// the container is removed by the create compensation next
		return cloud.DeleteOutcome(err)
	}
	return cloud.Outcome(err)
}

type deleteNotebook struct {
	api cloud.NotebookAPI
	saga.NoCompensation
}

func (t *deleteNotebook) Name() string { return "DeleteNotebook" }

func (t *deleteNotebook) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := resources.ResourceFrom(ec)
	if err != nil {
		return resources.InputError(err)
	}
	var a Attributes
	if err := resources.AttributesFrom(ec, &a); err != nil {
		return resources.InputError(err)
	}
	if err := checkOwner(ctx, t.api, a.ContainerName, r.ResourceID); err != nil {
		if errors.Is(err, cloud.ErrNotOwned) {
			return saga.Fatal(err)
		}
		return cloud.DeleteOutcome(err)
	}
	return cloud.DeleteOutcome(t.api.DeleteNotebook(ctx, a.ContainerName))
}

func checkOwner(ctx context.Context, api cloud.NotebookAPI, name, resourceID string) error {
	info, err := api.GetNotebook(ctx, name)
	if err != nil {
		return err
	}
	return cloud.CheckOwner("notebook", name, info.Labels, resourceID)
}
