package resources

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/wsm/pkg/saga"
)

// StepBuilder returns the type specific steps of one operation, choosing
// retry policies from p.
type StepBuilder func(p saga.PolicySet) []saga.Step

// Builder is the capability table of one resource type. A nil step builder
// means the operation needs no cloud steps.
type Builder struct {
	Type Type

	Create StepBuilder
	Update StepBuilder
	Delete StepBuilder

	// Clone copies a resource into a new one; nil means unsupported.
	Clone StepBuilder

	// Validate checks the attributes of a new resource.
	Validate func(attrs json.RawMessage) error

	// ValidateUpdate checks a complete replacement of the attributes.
	ValidateUpdate func(prev, next json.RawMessage) error
}

// CheckUpdate runs Validate and ValidateUpdate on a replacement of prev.
func (b Builder) CheckUpdate(prev, next json.RawMessage) error {
	if b.Validate != nil {
		if err := b.Validate(next); err != nil {
			return err
		}
	}
	if b.ValidateUpdate != nil {
		return b.ValidateUpdate(prev, next)
	}
	return nil
}

// Registry maps resource types to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[Type]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[Type]Builder)}
}

// Register adds the builder for its type. Registering a type twice is an
// error.
func (r *Registry) Register(b Builder) error {
	if err := b.Type.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builders[b.Type]; ok {
		return fmt.Errorf("builder for %s already registered", b.Type)
	}
	r.builders[b.Type] = b
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(builders ...Builder) *Registry {
	for _, b := range builders {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the builder for t.
func (r *Registry) Lookup(t Type) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[t]
	if !ok {
		return Builder{}, fmt.Errorf("%w: no builder for %q", ErrUnknownType, string(t))
	}
	return b, nil
}

// Registered returns the registered types in sorted order.
func (r *Registry) Registered() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
