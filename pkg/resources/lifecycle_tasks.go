package resources

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/saga"
)

// lifecycleOutcome classifies a lifecycle error. Conflicts and missing rows
// are final; anything else is a store failure worth retrying.
func lifecycleOutcome(err error) saga.Outcome {
	switch {
	case err == nil:
		return saga.Success()
	case errors.Is(err, lifecycle.ErrStateConflict),
		errors.Is(err, lifecycle.ErrResourceNotFound),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		return saga.Fatal(saga.NewConflictError("lifecycle transition refused", err).WithCode(saga.ErrCodeConflict))
	default:
		return saga.Retry(saga.NewTransientError("resource store unavailable", err))
	}
}

type startCreate struct{ c *Composer }

func (t *startCreate) Name() string { return "StartCreate" }

func (t *startCreate) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	row := *r
	row.State = lifecycle.StateCreating
	row.RunID = ec.RunID
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt

	err = t.c.lifecycle.StartCreate(ctx, r.Key(), ec.RunID, func(ctx context.Context) error {
		return t.c.store.InsertResource(ctx, &row)
	})
	return lifecycleOutcome(err)
}

func (t *startCreate) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	cause := ec.Failure
	if cause == nil {
		cause = errors.New("create failed")
	}
	err = t.c.lifecycle.CreateFailed(ctx, r.Key(), ec.RunID, t.c.rule, cause)
	if errors.Is(err, lifecycle.ErrResourceNotFound) {
		return saga.Success()
	}
	return lifecycleOutcome(err)
}

type finishCreate struct{ c *Composer }

func (t *finishCreate) Name() string { return "FinishCreate" }

func (t *finishCreate) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.lifecycle.CreateSucceeded(ctx, r.Key(), ec.RunID))
}

func (t *finishCreate) Compensate(context.Context, *saga.ExecutionContext) saga.Outcome {
	return saga.Success()
}

type startUpdate struct{ c *Composer }

func (t *startUpdate) Name() string { return "StartUpdate" }

func (t *startUpdate) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.lifecycle.StartUpdate(ctx, r.Key(), ec.RunID))
}

func (t *startUpdate) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.lifecycle.UpdateFailed(ctx, r.Key(), ec.RunID, ec.Failure))
}

// retrieveAttributes saves the attributes an update is about to replace and
// settles the new ones. A patch is merged over the row read under the run's
// lock, so a change committed after the request was accepted is kept.
type retrieveAttributes struct {
	c *Composer
	saga.NoCompensation
}

func (t *retrieveAttributes) Name() string { return "RetrieveAttributes" }

func (t *retrieveAttributes) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if ec.Working.Has(KeyPreviousAttributes) {
		return saga.Success()
	}
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	row, err := t.c.store.GetResourceForRun(ctx, r.Key(), ec.RunID)
	if err != nil {
		return lifecycleOutcome(err)
	}

	var next json.RawMessage
	if ec.Inputs.Has(InputAttributePatch) {
		var patch json.RawMessage
		if err := ec.Inputs.Decode(InputAttributePatch, &patch); err != nil {
			return InputError(err)
		}
		next, err = MergeAttributes(row.Attributes, patch)
	} else {
		next, err = newAttributes(ec)
	}
	if err != nil {
		return InputError(err)
	}
	if row.Stewardship == StewardshipControlled {
		b, err := t.c.registry.Lookup(row.Type)
		if err != nil {
			return InputError(err)
		}
		if err := b.CheckUpdate(row.Attributes, next); err != nil {
			return InputError(err)
		}
	}

	if err := ec.Working.Put(KeyNewAttributes, next); err != nil {
		return saga.Fatal(err)
	}
	if err := ec.Working.Put(KeyPreviousAttributes, row.Attributes); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

type replaceAttributes struct{ c *Composer }

func (t *replaceAttributes) Name() string { return "ReplaceAttributes" }

func (t *replaceAttributes) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	attrs, err := newAttributes(ec)
	if err != nil {
		return InputError(err)
	}
	if err := t.c.store.ReplaceAttributes(ctx, r.Key(), ec.RunID, attrs); err != nil {
		return lifecycleOutcome(err)
	}
	if err := ec.Working.Put(KeyAttributesReplaced, true); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (t *replaceAttributes) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	if !ec.Working.Has(KeyAttributesReplaced) {
		return saga.Success()
	}
	var prev json.RawMessage
	if found, err := ec.Working.Get(KeyPreviousAttributes, &prev); err != nil || !found {
		return saga.Fatalf("previous attributes missing: %v", err)
	}
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.store.ReplaceAttributes(ctx, r.Key(), ec.RunID, prev))
}

type finishUpdate struct{ c *Composer }

func (t *finishUpdate) Name() string { return "FinishUpdate" }

func (t *finishUpdate) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.lifecycle.UpdateSucceeded(ctx, r.Key(), ec.RunID))
}

func (t *finishUpdate) Compensate(context.Context, *saga.ExecutionContext) saga.Outcome {
	return saga.Success()
}

type startDelete struct {
	c     *Composer
	force bool
}

func (t *startDelete) Name() string {
	if t.force {
		return "StartForceDelete"
	}
	return "StartDelete"
}

func (t *startDelete) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	if t.force {
		return lifecycleOutcome(t.c.lifecycle.StartForceDelete(ctx, r.Key(), ec.RunID))
	}
	return lifecycleOutcome(t.c.lifecycle.StartDelete(ctx, r.Key(), ec.RunID))
}

// Compensate returns an ordinary resource to READY; a force-deleted one
// goes back to BROKEN.
func (t *startDelete) Compensate(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	if t.force {
		return lifecycleOutcome(t.c.lifecycle.MarkBroken(ctx, r.Key(), ec.RunID, ec.Failure))
	}
	return lifecycleOutcome(t.c.lifecycle.DeleteFailed(ctx, r.Key(), ec.RunID, ec.Failure))
}

type finishDelete struct{ c *Composer }

func (t *finishDelete) Name() string { return "FinishDelete" }

func (t *finishDelete) Execute(ctx context.Context, ec *saga.ExecutionContext) saga.Outcome {
	r, err := ResourceFrom(ec)
	if err != nil {
		return InputError(err)
	}
	return lifecycleOutcome(t.c.lifecycle.DeleteSucceeded(ctx, r.Key(), ec.RunID))
}

func (t *finishDelete) Compensate(context.Context, *saga.ExecutionContext) saga.Outcome {
	return saga.Success()
}
