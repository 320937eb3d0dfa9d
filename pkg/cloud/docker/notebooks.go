// Package docker runs notebook servers as local containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

const (
	providerName = "docker"

	// defaultNotebookPort is the port notebook images listen on.
	defaultNotebookPort = 8888

	// labelManaged marks containers created by this adapter.
	labelManaged = "wsm.notebook"
)

// dockerAPI is the subset of *client.Client the adapter uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Notebooks implements cloud.NotebookAPI on a Docker daemon.
type Notebooks struct {
	client      dockerAPI
	stopTimeout int
}

// New connects to the daemon named by the DOCKER_* environment, or to host
// when it is set.
func New(host string) (*Notebooks, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newNotebooks(cli), nil
}

func newNotebooks(cli dockerAPI) *Notebooks {
	return &Notebooks{client: cli, stopTimeout: 10}
}

// CreateNotebook pulls the image and creates a container named after the
// notebook. An existing container with that name is a conflict.
func (n *Notebooks) CreateNotebook(ctx context.Context, spec cloud.NotebookSpec) (*cloud.NotebookInfo, error) {
	err := call(ctx, "ImagePull", func(ctx context.Context) error {
		reader, err := n.client.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		// the pull only completes once the progress stream is drained
		_, err = io.Copy(io.Discard, reader)
		return err
	})
	if err != nil {
		return nil, err
	}

	port := spec.Port
	if port == 0 {
		port = defaultNotebookPort
	}
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", port))

	labels := map[string]string{labelManaged: spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		// an empty host port lets the daemon pick one
		PortBindings: nat.PortMap{containerPort: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
	}

	var created container.CreateResponse
	err = call(ctx, "ContainerCreate", func(ctx context.Context) error {
		var err error
		created, err = n.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, spec.Name)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &cloud.NotebookInfo{ID: created.ID, Name: spec.Name, Image: spec.Image, Labels: labels}, nil
}

// GetNotebook inspects the notebook's container.
func (n *Notebooks) GetNotebook(ctx context.Context, name string) (*cloud.NotebookInfo, error) {
	var inspect types.ContainerJSON
	err := call(ctx, "ContainerInspect", func(ctx context.Context) error {
		var err error
		inspect, err = n.client.ContainerInspect(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &cloud.NotebookInfo{Name: name}
	if inspect.ContainerJSONBase != nil {
		info.ID = inspect.ID
		if inspect.State != nil {
			info.Running = inspect.State.Running
		}
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil {
		info.HostPort = firstHostPort(inspect.NetworkSettings.Ports)
	}
	return info, nil
}

// StartNotebook starts the container. Starting a running container is a no-op.
func (n *Notebooks) StartNotebook(ctx context.Context, name string) error {
	return call(ctx, "ContainerStart", func(ctx context.Context) error {
		return n.client.ContainerStart(ctx, name, container.StartOptions{})
	})
}

// StopNotebook stops the container.
func (n *Notebooks) StopNotebook(ctx context.Context, name string) error {
	timeout := n.stopTimeout
	return call(ctx, "ContainerStop", func(ctx context.Context) error {
		return n.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	})
}

// DeleteNotebook force-removes the container.
func (n *Notebooks) DeleteNotebook(ctx context.Context, name string) error {
	return call(ctx, "ContainerRemove", func(ctx context.Context) error {
		return n.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	})
}

// call runs one daemon call under telemetry and classifies its error.
func call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := telemetry.RecordCloudOperation(ctx, providerName, op, fn)
	if err == nil {
		return nil
	}
	return cloud.NewError(kindOf(err), providerName, op, err)
}

func kindOf(err error) cloud.Kind {
	switch {
	case errdefs.IsNotFound(err), client.IsErrNotFound(err):
		return cloud.KindNotFound
	case errdefs.IsConflict(err):
		return cloud.KindConflict
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err), errdefs.IsUnauthorized(err):
		return cloud.KindBadRequest
	case errdefs.IsUnavailable(err), errdefs.IsSystem(err):
		return cloud.KindServerError
	case errdefs.IsDeadline(err), errdefs.IsCancelled(err):
		return cloud.KindTimeout
	}
	return cloud.KindOf(err)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func firstHostPort(ports nat.PortMap) string {
	keys := make([]string, 0, len(ports))
	for p := range ports {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, b := range ports[nat.Port(k)] {
			if b.HostPort != "" {
				return strings.TrimSpace(b.HostPort)
			}
		}
	}
	return ""
}
