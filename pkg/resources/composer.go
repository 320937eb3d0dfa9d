package resources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Operation is what a workflow does to a resource.
type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpForceDelete Operation = "forceDelete"
	OpClone       Operation = "clone"
)

// WorkflowName returns the name a workflow is registered and journaled under.
func WorkflowName(t Type, s Stewardship, op Operation) string {
	return strings.ToLower(string(t)) + "." + strings.ToLower(string(s)) + "." + string(op)
}

// ParseWorkflowName splits a name produced by WorkflowName.
func ParseWorkflowName(name string) (Type, Stewardship, Operation, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: malformed workflow name %q", saga.ErrInvalidWorkflow, name)
	}
	t := Type(strings.ToUpper(parts[0]))
	if err := t.Validate(); err != nil {
		return "", "", "", err
	}
	s := Stewardship(strings.ToUpper(parts[1]))
	if err := s.Validate(); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", saga.ErrInvalidWorkflow, err)
	}
	op := Operation(parts[2])
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpForceDelete, OpClone:
	default:
		return "", "", "", fmt.Errorf("%w: unknown operation %q", saga.ErrInvalidWorkflow, parts[2])
	}
	return t, s, op, nil
}

// PolicySource yields the retry policies in effect. *saga.PolicyHolder
// implements it.
type PolicySource interface {
	Load() saga.PolicySet
}

// Composer builds complete workflows from the registry's type steps.
type Composer struct {
	registry  *Registry
	lifecycle *lifecycle.Manager
	store     Store
	policies  PolicySource
	rule      lifecycle.CreateFailureRule
	logger    *telemetry.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithPolicies sets the source of retry policies.
func WithPolicies(p PolicySource) ComposerOption {
	return func(c *Composer) { c.policies = p }
}

// WithCreateFailureRule sets what happens to the row of a failed create.
func WithCreateFailureRule(rule lifecycle.CreateFailureRule) ComposerOption {
	return func(c *Composer) { c.rule = rule }
}

// WithComposerLogger sets the logger.
func WithComposerLogger(l *telemetry.Logger) ComposerOption {
	return func(c *Composer) { c.logger = l.NewComponentLogger("composer") }
}

// NewComposer returns a composer for the types in registry.
func NewComposer(registry *Registry, mgr *lifecycle.Manager, store Store, opts ...ComposerOption) *Composer {
	c := &Composer{
		registry:  registry,
		lifecycle: mgr,
		store:     store,
		policies:  saga.NewPolicyHolder(saga.DefaultPolicySet()),
		rule:      lifecycle.CreateFailureDelete,
		logger:    telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the composer's registry.
func (c *Composer) Registry() *Registry {
	return c.registry
}

// Compose rebuilds the workflow registered under name.
func (c *Composer) Compose(name string) (*saga.Workflow, error) {
	t, s, op, err := ParseWorkflowName(name)
	if err != nil {
		return nil, err
	}
	return c.ComposeFor(t, s, op)
}

// ComposeFor builds the workflow for an operation on a resource type.
// Referenced resources only get lifecycle steps.
func (c *Composer) ComposeFor(t Type, s Stewardship, op Operation) (*saga.Workflow, error) {
	b, err := c.registry.Lookup(t)
	if err != nil {
		return nil, err
	}
	p := c.policies.Load()
	db := p.ShortDatabase
	controlled := s == StewardshipControlled

	wf := saga.NewWorkflow(WorkflowName(t, s, op))
	wf.OnBroken = c.markBroken

	switch op {
	case OpCreate:
		wf.Add(&startCreate{c}, db)
		if controlled {
			wf.AddSteps(build(b.Create, p)...)
		}
		wf.Add(&finishCreate{c}, db)

	case OpClone:
		if b.Clone == nil || !controlled {
			return nil, fmt.Errorf("%w: %s resources cannot be cloned", saga.ErrInvalidWorkflow, t)
		}
		wf.Add(&startCreate{c}, db)
		wf.AddSteps(build(b.Clone, p)...)
		wf.Add(&finishCreate{c}, db)

	case OpUpdate:
		wf.Add(&startUpdate{c}, db).
			Add(&retrieveAttributes{c: c}, db)
		if controlled {
			wf.AddSteps(build(b.Update, p)...)
		}
		wf.Add(&replaceAttributes{c}, db).
			Add(&finishUpdate{c}, db)

	case OpDelete, OpForceDelete:
		wf.Add(&startDelete{c: c, force: op == OpForceDelete}, db)
		if controlled {
			wf.AddSteps(build(b.Delete, p)...)
		}
		wf.Add(&finishDelete{c}, db)

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", saga.ErrInvalidWorkflow, op)
	}

	c.logger.Debugf("composed %s with steps %v", wf.Name, wf.StepNames())
	return wf, nil
}

func build(sb StepBuilder, p saga.PolicySet) []saga.Step {
	if sb == nil {
		return nil
	}
	return sb(p)
}

// markBroken is the OnBroken hook of every composed workflow.
func (c *Composer) markBroken(ctx context.Context, ec *saga.ExecutionContext, cause error) error {
	r, err := ResourceFrom(ec)
	if err != nil {
		return err
	}
	err = c.lifecycle.MarkBroken(ctx, r.Key(), ec.RunID, cause)
	if errors.Is(err, lifecycle.ErrResourceNotFound) {
		// the row is already gone; nothing is left to flag
		return nil
	}
	return err
}
