package vm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/fake"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/saga"
)

func execContext(t *testing.T, runID string, a Attributes) *saga.ExecutionContext {
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	inputs, err := saga.NewInputParameters(map[string]interface{}{
		resources.InputResource: &resources.Resource{
			WorkspaceID: "ws-1", ResourceID: "r-1", Name: "worker", Type: resources.TypeVM, Attributes: raw,
		},
	})
	require.NoError(t, err)
	return saga.NewExecutionContext(runID, "vm.controlled.create", inputs)
}

func TestCreateInstanceReusesClientToken(t *testing.T) {
	c := fake.New("us-east-1")
	task := &createInstance{api: c}
	ctx := context.Background()

	first := execContext(t, "run-1", Attributes{ImageID: "ami-1", InstanceType: "t3.small"})
	require.True(t, task.Execute(ctx, first).IsSuccess())

	// a resumed run has lost its working record but keeps its id
	again := execContext(t, "run-1", Attributes{ImageID: "ami-1", InstanceType: "t3.small"})
	require.True(t, task.Execute(ctx, again).IsSuccess())

	var a, b string
	_, err := first.Working.Get(KeyInstanceID, &a)
	require.NoError(t, err)
	_, err = again.Working.Get(KeyInstanceID, &b)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCompensateWithoutInstanceIsNoop(t *testing.T) {
	c := fake.New("us-east-1")
	task := &createInstance{api: c}

	out := task.Compensate(context.Background(), execContext(t, "run-1", Attributes{}))
	assert.True(t, out.IsSuccess())
	assert.Zero(t, c.Calls("TerminateInstance"))
}

func TestAttachProfileRetriesPropagation(t *testing.T) {
	c := fake.New("us-east-1")
	ctx := context.Background()
	_, err := c.CreateIdentity(ctx, cloud.IdentitySpec{Name: "role"})
	require.NoError(t, err)
	c.PropagationDelay = 1

	ec := execContext(t, "run-1", Attributes{ImageID: "ami-1", InstanceType: "t3.small", Identity: "role"})
	require.True(t, (&createInstance{api: c}).Execute(ctx, ec).IsSuccess())

	task := &attachProfile{api: c}
	assert.True(t, task.Execute(ctx, ec).IsRetryable())
	assert.True(t, task.Execute(ctx, ec).IsSuccess())
	assert.True(t, ec.Working.Has(KeyProfileAttached))
}

func TestTerminateWithoutInstanceID(t *testing.T) {
	c := fake.New("us-east-1")
	out := (&terminateInstance{api: c}).Execute(context.Background(), execContext(t, "run-1", Attributes{}))
	assert.True(t, out.IsSuccess())
}
