package cloud

import (
	"errors"
	"fmt"
)

// LabelOwner is set on every cloud object wsm creates. Its value is the id
// of the resource the object was created for.
const LabelOwner = "wsm-resource-id"

// ErrNotOwned is returned when an object with the requested name already
// exists but was not created for the resource asking for it.
var ErrNotOwned = errors.New("cloud object belongs to another resource")

// OwnedLabels returns a copy of labels carrying the owner label of
// resourceID.
func OwnedLabels(labels map[string]string, resourceID string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelOwner] = resourceID
	return out
}

// CheckOwner reports whether labels mark the named object as created for
// resourceID. Objects without an owner label are never adopted.
func CheckOwner(object, name string, labels map[string]string, resourceID string) error {
	owner, ok := labels[LabelOwner]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s %s was not created by wsm", ErrNotOwned, object, name)
	case owner != resourceID:
		return fmt.Errorf("%w: %s %s is owned by resource %s", ErrNotOwned, object, name, owner)
	}
	return nil
}
