package resources

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/wsm/pkg/saga"
)

// Input parameter names shared by every workflow.
const (
	// InputResource holds the Resource the workflow acts on. For creates it
	// is the row to insert; for clones the destination.
	InputResource = "resource"

	// InputAttributes holds the complete new attributes of an update.
	InputAttributes = "attributes"

	// InputAttributePatch holds the partial attributes of an update request.
	// RetrieveAttributes merges them over the row it reads under the run's
	// lock.
	InputAttributePatch = "attributePatch"

	// InputCloneSource holds the READY Resource a clone copies from.
	InputCloneSource = "cloneSource"
)

// Working record keys written by the lifecycle steps.
const (
	// KeyPreviousAttributes holds the attributes before an update.
	KeyPreviousAttributes = "resources/previous_attributes"

	// KeyAttributesReplaced is set once an update wrote the new attributes.
	KeyAttributesReplaced = "resources/attributes_replaced"

	// KeyNewAttributes holds the complete attributes an update writes.
	KeyNewAttributes = "resources/new_attributes"
)

// ResourceFrom decodes the workflow's target resource.
func ResourceFrom(ec *saga.ExecutionContext) (*Resource, error) {
	var r Resource
	if err := ec.Inputs.Decode(InputResource, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// AttributesFrom decodes the target resource's attributes into v.
func AttributesFrom(ec *saga.ExecutionContext, v interface{}) error {
	r, err := ResourceFrom(ec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(r.Attributes, v); err != nil {
		return fmt.Errorf("failed to decode attributes of %s: %w", r.ResourceID, err)
	}
	return nil
}

// NewAttributesFrom decodes the replacement attributes of an update into v.
func NewAttributesFrom(ec *saga.ExecutionContext, v interface{}) error {
	raw, err := newAttributes(ec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode new attributes: %w", err)
	}
	return nil
}

// newAttributes returns the attributes RetrieveAttributes settled on, or
// the complete attributes given as input.
func newAttributes(ec *saga.ExecutionContext) (json.RawMessage, error) {
	var raw json.RawMessage
	found, err := ec.Working.Get(KeyNewAttributes, &raw)
	if err != nil || found {
		return raw, err
	}
	if err := ec.Inputs.Decode(InputAttributes, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// CloneSourceFrom decodes the source resource of a clone.
func CloneSourceFrom(ec *saga.ExecutionContext) (*Resource, error) {
	var r Resource
	if err := ec.Inputs.Decode(InputCloneSource, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// InputError converts a failure to read inputs into a fatal outcome; inputs
// never change, so retrying cannot help.
func InputError(err error) saga.Outcome {
	return saga.Fatal(saga.NewPermanentError("invalid workflow inputs", err).WithCode(saga.ErrCodeValidation))
}
