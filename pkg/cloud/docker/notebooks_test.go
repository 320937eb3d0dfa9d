package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
)

type stubDocker struct {
	pulled     string
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
	createErr  error
	inspect    types.ContainerJSON
	inspectErr error
	stopped    *int
	removed    container.RemoveOptions
}

func (s *stubDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	s.pulled = ref
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (s *stubDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *v1.Platform, name string) (container.CreateResponse, error) {
	s.config, s.hostConfig, s.name = config, hostConfig, name
	if s.createErr != nil {
		return container.CreateResponse{}, s.createErr
	}
	return container.CreateResponse{ID: "c-1"}, nil
}

func (s *stubDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (s *stubDocker) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	s.stopped = opts.Timeout
	return nil
}

func (s *stubDocker) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	s.removed = opts
	return nil
}

func (s *stubDocker) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return s.inspect, s.inspectErr
}

func TestCreateNotebook(t *testing.T) {
	stub := &stubDocker{}
	info, err := newNotebooks(stub).CreateNotebook(context.Background(), cloud.NotebookSpec{
		Name:   "nb",
		Image:  "jupyter/base-notebook",
		Env:    map[string]string{"B": "2", "A": "1"},
		Labels: map[string]string{"team": "data"},
	})
	require.NoError(t, err)

	assert.Equal(t, "jupyter/base-notebook", stub.pulled)
	assert.Equal(t, "nb", stub.name)
	assert.Equal(t, []string{"A=1", "B=2"}, stub.config.Env)
	assert.Equal(t, "nb", stub.config.Labels[labelManaged])
	assert.Equal(t, "data", stub.config.Labels["team"])
	assert.Contains(t, stub.hostConfig.PortBindings, nat.Port("8888/tcp"))
	assert.Equal(t, "c-1", info.ID)
}

func TestCreateNotebookConflict(t *testing.T) {
	stub := &stubDocker{createErr: errdefs.Conflict(errors.New("name in use"))}
	_, err := newNotebooks(stub).CreateNotebook(context.Background(), cloud.NotebookSpec{Name: "nb", Image: "img"})
	assert.True(t, cloud.IsConflict(err))
	assert.True(t, cloud.CreateOutcome(err).IsSuccess())
}

func TestGetNotebook(t *testing.T) {
	stub := &stubDocker{inspect: types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "c-1",
			State: &types.ContainerState{Running: true},
		},
		Config: &container.Config{Image: "img", Labels: map[string]string{cloud.LabelOwner: "r-1"}},
		NetworkSettings: &types.NetworkSettings{NetworkSettingsBase: types.NetworkSettingsBase{
			Ports: nat.PortMap{"8888/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "49153"}}},
		}},
	}}

	info, err := newNotebooks(stub).GetNotebook(context.Background(), "nb")
	require.NoError(t, err)
	assert.Equal(t, "c-1", info.ID)
	assert.True(t, info.Running)
	assert.Equal(t, "img", info.Image)
	assert.Equal(t, "49153", info.HostPort)
	assert.NoError(t, cloud.CheckOwner("notebook", "nb", info.Labels, "r-1"))
}

func TestGetNotebookMissing(t *testing.T) {
	stub := &stubDocker{inspectErr: errdefs.NotFound(errors.New("no such container"))}
	_, err := newNotebooks(stub).GetNotebook(context.Background(), "nb")
	assert.True(t, cloud.IsNotFound(err))
	assert.True(t, cloud.DeleteOutcome(err).IsSuccess())
}

func TestStopAndDeleteNotebook(t *testing.T) {
	stub := &stubDocker{}
	nb := newNotebooks(stub)
	require.NoError(t, nb.StopNotebook(context.Background(), "nb"))
	require.NotNil(t, stub.stopped)
	assert.Equal(t, 10, *stub.stopped)

	require.NoError(t, nb.DeleteNotebook(context.Background(), "nb"))
	assert.True(t, stub.removed.Force)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want cloud.Kind
	}{
		{errdefs.NotFound(errors.New("x")), cloud.KindNotFound},
		{errdefs.Conflict(errors.New("x")), cloud.KindConflict},
		{errdefs.InvalidParameter(errors.New("x")), cloud.KindBadRequest},
		{errdefs.Unavailable(errors.New("x")), cloud.KindServerError},
		{errors.New("x"), cloud.KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kindOf(tt.err), tt.err)
	}
}
