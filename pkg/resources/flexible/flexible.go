// Package flexible registers the metadata-only resource type. Its
// attributes are an opaque payload tagged with a caller-defined type name;
// no cloud object backs it, so every workflow consists of lifecycle steps
// only.
package flexible

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/wsm/pkg/resources"
)

// Attributes describe a flexible resource.
type Attributes struct {
	TypeNamespace string          `json:"typeNamespace" validate:"required"`
	TypeName      string          `json:"typeName" validate:"required"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewBuilder returns the flexible capability table.
func NewBuilder() resources.Builder {
	return resources.Builder{
		Type: resources.TypeFlexible,
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
			if before.TypeNamespace != after.TypeNamespace || before.TypeName != after.TypeName {
				return fmt.Errorf("%w: flexible type cannot change", resources.ErrInvalidDefinition)
			}
			return nil
		},
	}
}
