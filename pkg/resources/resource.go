package resources

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/wsm/pkg/lifecycle"
)

// Type is the closed set of resource kinds.
type Type string

const (
	TypeBucket   Type = "BUCKET"
	TypeVM       Type = "VM"
	TypeIdentity Type = "IDENTITY"
	TypeNotebook Type = "NOTEBOOK"
	TypeFlexible Type = "FLEXIBLE"
)

// Types lists every resource type.
var Types = []Type{TypeBucket, TypeVM, TypeIdentity, TypeNotebook, TypeFlexible}

// Validate checks if the type is known.
func (t Type) Validate() error {
	for _, known := range Types {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, string(t))
}

// Stewardship tells whether the system owns the cloud object.
type Stewardship string

const (
	// StewardshipControlled resources are created and deleted in the cloud.
	StewardshipControlled Stewardship = "CONTROLLED"

	// StewardshipReferenced resources only record metadata about an
	// existing cloud object.
	StewardshipReferenced Stewardship = "REFERENCED"
)

// Validate checks if the stewardship is known.
func (s Stewardship) Validate() error {
	switch s {
	case StewardshipControlled, StewardshipReferenced:
		return nil
	default:
		return fmt.Errorf("invalid stewardship: %q", string(s))
	}
}

var (
	// ErrUnknownType is returned for a type without a registered builder.
	ErrUnknownType = errors.New("unknown resource type")

	// ErrResourceBroken is returned when a workflow targets a BROKEN
	// resource other than to force-delete it.
	ErrResourceBroken = errors.New("resource is broken")

	// ErrInvalidDefinition is returned for a definition that fails validation.
	ErrInvalidDefinition = errors.New("invalid resource definition")
)

// Resource is a persisted resource row.
type Resource struct {
	WorkspaceID string          `json:"workspaceId"`
	ResourceID  string          `json:"resourceId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        Type            `json:"type"`
	Stewardship Stewardship     `json:"stewardship"`
	State       lifecycle.State `json:"state"`
	RunID       string          `json:"runId,omitempty"`

	// Attributes are type specific and always replaced as a whole.
	Attributes json.RawMessage `json:"attributes,omitempty"`

	ErrorReport string    `json:"errorReport,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Key returns the lifecycle key of the resource.
func (r *Resource) Key() lifecycle.Key {
	return lifecycle.Key{WorkspaceID: r.WorkspaceID, ResourceID: r.ResourceID}
}

// Definition is what a caller supplies to create a resource.
type Definition struct {
	WorkspaceID string          `json:"workspaceId" yaml:"workspaceId" validate:"required"`
	ResourceID  string          `json:"resourceId" yaml:"resourceId" validate:"required,uuid"`
	Name        string          `json:"name" yaml:"name" validate:"required,max=1024"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty" validate:"max=2048"`
	Type        Type            `json:"type" yaml:"type" validate:"required"`
	Stewardship Stewardship     `json:"stewardship" yaml:"stewardship"`
	Attributes  json.RawMessage `json:"attributes,omitempty" yaml:"-"`
	CreatedBy   string          `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
}

// Validate checks the definition's fields. Type specific attributes are
// checked by the type's Builder.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, describe(err))
	}
	if err := d.Type.Validate(); err != nil {
		return err
	}
	if d.Stewardship == "" {
		d.Stewardship = StewardshipControlled
	}
	if err := d.Stewardship.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// NewResource returns the row a create run inserts for the definition.
func (d *Definition) NewResource(runID string, now time.Time) *Resource {
	attrs := d.Attributes
	if len(attrs) == 0 {
		attrs = json.RawMessage("{}")
	}
	return &Resource{
		WorkspaceID: d.WorkspaceID,
		ResourceID:  d.ResourceID,
		Name:        d.Name,
		Description: d.Description,
		Type:        d.Type,
		Stewardship: d.Stewardship,
		State:       lifecycle.StateCreating,
		RunID:       runID,
		Attributes:  attrs,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeAttributes unmarshals raw attributes into v and validates its
// struct tags.
func DecodeAttributes(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: attributes: %v", ErrInvalidDefinition, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: attributes: %s", ErrInvalidDefinition, describe(err))
	}
	return nil
}

// MergeAttributes overlays the top-level keys of patch on current. The
// result is the complete new attribute object.
func MergeAttributes(current, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(current) > 0 {
		if err := json.Unmarshal(current, &merged); err != nil {
			return nil, fmt.Errorf("failed to decode current attributes: %w", err)
		}
	}
	if len(patch) > 0 {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(patch, &overlay); err != nil {
			return nil, fmt.Errorf("%w: update parameters: %v", ErrInvalidDefinition, err)
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
