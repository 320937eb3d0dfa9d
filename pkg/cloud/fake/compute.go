package fake

import (
	"context"

	"github.com/openfroyo/wsm/pkg/cloud"
)

// Instance returns a copy of the instance, or nil.
func (c *Cloud) Instance(id string) *cloud.InstanceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

// CreateInstance implements cloud.InstanceAPI. A repeated client token
// returns the instance created first.
func (c *Cloud) CreateInstance(ctx context.Context, spec cloud.InstanceSpec) (*cloud.InstanceInfo, error) {
	var info cloud.InstanceInfo
	err := c.do(ctx, "CreateInstance", func() error {
		if id, ok := c.tokens[spec.ClientToken]; ok && spec.ClientToken != "" {
			info = *c.instances[id]
			return nil
		}
		inst := &cloud.InstanceInfo{
			ID:               c.newID("i"),
			State:            cloud.InstanceRunning,
			InstanceType:     spec.InstanceType,
			Region:           c.region,
			AvailabilityZone: c.region + "a",
			PrivateIP:        "10.0.0.10",
		}
		c.instances[inst.ID] = inst
		if spec.ClientToken != "" {
			c.tokens[spec.ClientToken] = inst.ID
		}
		info = *inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetInstance implements cloud.InstanceAPI.
func (c *Cloud) GetInstance(ctx context.Context, id string) (*cloud.InstanceInfo, error) {
	var info cloud.InstanceInfo
	err := c.do(ctx, "GetInstance", func() error {
		inst, ok := c.instances[id]
		if !ok {
			return notFound("GetInstance", "instance %s", id)
		}
		info = *inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitForState implements cloud.InstanceAPI. State changes are immediate,
// so the wait only checks the current state.
func (c *Cloud) WaitForState(ctx context.Context, id, state string) error {
	return c.do(ctx, "WaitForState", func() error {
		inst, ok := c.instances[id]
		if !ok {
			return notFound("WaitForState", "instance %s", id)
		}
		if inst.State != state {
			return cloud.NewError(cloud.KindTimeout, providerName, "WaitForState", nil)
		}
		return nil
	})
}

func (c *Cloud) setState(ctx context.Context, op, id, from, to string) error {
	return c.do(ctx, op, func() error {
		inst, ok := c.instances[id]
		if !ok {
			return notFound(op, "instance %s", id)
		}
		if inst.State == to {
			return nil
		}
		if inst.State != from {
			return conflict(op, "instance %s is %s", id, inst.State)
		}
		inst.State = to
		return nil
	})
}

// StartInstance implements cloud.InstanceAPI.
func (c *Cloud) StartInstance(ctx context.Context, id string) error {
	return c.setState(ctx, "StartInstance", id, cloud.InstanceStopped, cloud.InstanceRunning)
}

// StopInstance implements cloud.InstanceAPI.
func (c *Cloud) StopInstance(ctx context.Context, id string) error {
	return c.setState(ctx, "StopInstance", id, cloud.InstanceRunning, cloud.InstanceStopped)
}

// ResizeInstance implements cloud.InstanceAPI. The instance must be stopped.
func (c *Cloud) ResizeInstance(ctx context.Context, id, instanceType string) error {
	return c.do(ctx, "ResizeInstance", func() error {
		inst, ok := c.instances[id]
		if !ok {
			return notFound("ResizeInstance", "instance %s", id)
		}
		if inst.State != cloud.InstanceStopped {
			return conflict("ResizeInstance", "instance %s is %s", id, inst.State)
		}
		inst.InstanceType = instanceType
		return nil
	})
}

// AttachInstanceProfile implements cloud.InstanceAPI. A new profile is
// reported missing for PropagationDelay calls.
func (c *Cloud) AttachInstanceProfile(ctx context.Context, id, profileName string) error {
	return c.do(ctx, "AttachInstanceProfile", func() error {
		inst, ok := c.instances[id]
		if !ok {
			return notFound("AttachInstanceProfile", "instance %s", id)
		}
		ident, ok := c.identities[profileName]
		if !ok {
			return notFound("AttachInstanceProfile", "instance profile %s", profileName)
		}
		if c.pending[profileName] < c.PropagationDelay {
			c.pending[profileName]++
			return notFound("AttachInstanceProfile", "instance profile %s not propagated", profileName)
		}
		inst.InstanceProfileARN = ident.InstanceProfileARN
		return nil
	})
}

// TerminateInstance implements cloud.InstanceAPI.
func (c *Cloud) TerminateInstance(ctx context.Context, id string) error {
	return c.do(ctx, "TerminateInstance", func() error {
		inst, ok := c.instances[id]
		if !ok || inst.State == cloud.InstanceTerminated {
			return notFound("TerminateInstance", "instance %s", id)
		}
		inst.State = cloud.InstanceTerminated
		return nil
	})
}

// Identity returns a copy of the identity, or nil.
func (c *Cloud) Identity(name string) *cloud.IdentityInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	ident, ok := c.identities[name]
	if !ok {
		return nil
	}
	cp := *ident
	return &cp
}

// CreateIdentity implements cloud.IdentityAPI. Creating an existing
// identity returns it unchanged.
func (c *Cloud) CreateIdentity(ctx context.Context, spec cloud.IdentitySpec) (*cloud.IdentityInfo, error) {
	var info cloud.IdentityInfo
	err := c.do(ctx, "CreateIdentity", func() error {
		if ident, ok := c.identities[spec.Name]; ok {
			info = *ident
			info.Labels = copyLabels(ident.Labels)
			return nil
		}
		ident := &cloud.IdentityInfo{
			Name:               spec.Name,
			ID:                 c.newID("id"),
			ARN:                "fake:role/" + spec.Name,
			Description:        spec.Description,
			InstanceProfileARN: "fake:instance-profile/" + spec.Name,
			Labels:             copyLabels(spec.Labels),
		}
		c.identities[spec.Name] = ident
		c.invisible[spec.Name] = c.VisibilityDelay
		info = *ident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetIdentity implements cloud.IdentityAPI.
func (c *Cloud) GetIdentity(ctx context.Context, name string) (*cloud.IdentityInfo, error) {
	var info cloud.IdentityInfo
	err := c.do(ctx, "GetIdentity", func() error {
		ident, ok := c.identities[name]
		if !ok {
			return notFound("GetIdentity", "identity %s", name)
		}
		if c.invisible[name] > 0 {
			c.invisible[name]--
			return notFound("GetIdentity", "identity %s not visible yet", name)
		}
		info = *ident
		info.Labels = copyLabels(ident.Labels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateIdentityDescription implements cloud.IdentityAPI.
func (c *Cloud) UpdateIdentityDescription(ctx context.Context, name, description string) error {
	return c.do(ctx, "UpdateIdentityDescription", func() error {
		ident, ok := c.identities[name]
		if !ok {
			return notFound("UpdateIdentityDescription", "identity %s", name)
		}
		ident.Description = description
		return nil
	})
}

// DeleteIdentity implements cloud.IdentityAPI.
func (c *Cloud) DeleteIdentity(ctx context.Context, name string) error {
	return c.do(ctx, "DeleteIdentity", func() error {
		if _, ok := c.identities[name]; !ok {
			return notFound("DeleteIdentity", "identity %s", name)
		}
		delete(c.identities, name)
		delete(c.invisible, name)
		delete(c.pending, name)
		return nil
	})
}

// Notebook returns a copy of the notebook, or nil.
func (c *Cloud) Notebook(name string) *cloud.NotebookInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	nb, ok := c.notebooks[name]
	if !ok {
		return nil
	}
	cp := *nb
	return &cp
}

// CreateNotebook implements cloud.NotebookAPI.
func (c *Cloud) CreateNotebook(ctx context.Context, spec cloud.NotebookSpec) (*cloud.NotebookInfo, error) {
	var info cloud.NotebookInfo
	err := c.do(ctx, "CreateNotebook", func() error {
		if _, ok := c.notebooks[spec.Name]; ok {
			return conflict("CreateNotebook", "notebook %s already exists", spec.Name)
		}
		nb := &cloud.NotebookInfo{ID: c.newID("nb"), Name: spec.Name, Image: spec.Image, Labels: copyLabels(spec.Labels)}
		c.notebooks[spec.Name] = nb
		info = *nb
		info.Labels = copyLabels(nb.Labels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetNotebook implements cloud.NotebookAPI.
func (c *Cloud) GetNotebook(ctx context.Context, name string) (*cloud.NotebookInfo, error) {
	var info cloud.NotebookInfo
	err := c.do(ctx, "GetNotebook", func() error {
		nb, ok := c.notebooks[name]
		if !ok {
			return notFound("GetNotebook", "notebook %s", name)
		}
		info = *nb
		info.Labels = copyLabels(nb.Labels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Cloud) setRunning(ctx context.Context, op, name string, running bool) error {
	return c.do(ctx, op, func() error {
		nb, ok := c.notebooks[name]
		if !ok {
			return notFound(op, "notebook %s", name)
		}
		nb.Running = running
		if running {
			nb.HostPort = "8888"
		} else {
			nb.HostPort = ""
		}
		return nil
	})
}

// StartNotebook implements cloud.NotebookAPI.
func (c *Cloud) StartNotebook(ctx context.Context, name string) error {
	return c.setRunning(ctx, "StartNotebook", name, true)
}

// StopNotebook implements cloud.NotebookAPI.
func (c *Cloud) StopNotebook(ctx context.Context, name string) error {
	return c.setRunning(ctx, "StopNotebook", name, false)
}

// DeleteNotebook implements cloud.NotebookAPI.
func (c *Cloud) DeleteNotebook(ctx context.Context, name string) error {
	return c.do(ctx, "DeleteNotebook", func() error {
		if _, ok := c.notebooks[name]; !ok {
			return notFound("DeleteNotebook", "notebook %s", name)
		}
		delete(c.notebooks, name)
		return nil
	})
}
