package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
)

func TestRegistryClientLookup(t *testing.T) {
	reg := NewRegistry(nil)
	sim := core.NewSimClient(core.PlatformNotion)
	reg.Register(core.PlatformNotion, sim)

	client, err := reg.Client(core.PlatformNotion)
	require.NoError(t, err)
	assert.Same(t, sim, client)

	_, err = reg.Client(core.PlatformDrive)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownPlatform)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRegistryIgnoresNilClient(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(core.PlatformNotion, nil)

	_, err := reg.Client(core.PlatformNotion)
	assert.ErrorIs(t, err, core.ErrUnknownPlatform)
	assert.Empty(t, reg.Platforms())
}

func TestRegistryReplacesExistingBinding(t *testing.T) {
	reg := NewRegistry(nil)
	old := core.NewSimClient(core.PlatformSlack)
	reg.Register(core.PlatformSlack, old)

	replacement := core.NewSimClient(core.PlatformSlack)
	reg.Register(core.PlatformSlack, replacement)

	client, err := reg.Client(core.PlatformSlack)
	require.NoError(t, err)
	assert.Same(t, replacement, client)
}

func TestRegistryCompensatorCapability(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(core.PlatformNotion, core.NewSimClient(core.PlatformNotion))
	// notifyOnlyClient cannot undo anything.
	reg.Register(core.PlatformSlack, notifyOnlyClient{})

	comp, ok := reg.Compensator(core.PlatformNotion)
	require.True(t, ok)
	require.NotNil(t, comp)

	_, ok = reg.Compensator(core.PlatformSlack)
	assert.False(t, ok)

	_, ok = reg.Compensator(core.PlatformDrive)
	assert.False(t, ok)
}

func TestRegistryMaskedFields(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(core.PlatformNotion,
		core.NewSimClient(core.PlatformNotion).WithMaskedFields("api_token", "body"))
	reg.Register(core.PlatformSlack, notifyOnlyClient{})

	assert.Equal(t, []string{"api_token", "body"}, reg.MaskedFields(core.PlatformNotion))
	assert.Nil(t, reg.MaskedFields(core.PlatformSlack), "clients without the capability mask nothing")
	assert.Nil(t, reg.MaskedFields(core.PlatformDrive))
}

func TestRegistryParamMapping(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterParamMapper(core.ActionCreateTask, core.PlatformNotion, core.PlatformTrello,
		func(params map[string]interface{}) map[string]interface{} {
			out := map[string]interface{}{"name": params["title"], "desc": params["body"]}
			return out
		})

	in := map[string]interface{}{"title": "migrate DNS", "body": "runbook attached"}

	mapped := reg.MapParams(core.ActionCreateTask, core.PlatformNotion, core.PlatformTrello, in)
	assert.Equal(t, "migrate DNS", mapped["name"])
	assert.Equal(t, "runbook attached", mapped["desc"])
	assert.NotContains(t, mapped, "title")

	// Mapping is keyed by (type, from, to); everything else passes through.
	same := reg.MapParams(core.ActionUpdateTask, core.PlatformNotion, core.PlatformTrello, in)
	assert.Equal(t, in, same)
	same = reg.MapParams(core.ActionCreateTask, core.PlatformTrello, core.PlatformNotion, in)
	assert.Equal(t, in, same)

	// A nil mapper is a registration mistake, not a wipe.
	reg.RegisterParamMapper(core.ActionCreateTask, core.PlatformNotion, core.PlatformTrello, nil)
	mapped = reg.MapParams(core.ActionCreateTask, core.PlatformNotion, core.PlatformTrello, in)
	assert.Equal(t, "migrate DNS", mapped["name"])
}

func TestRegistryPlatformsSorted(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(core.PlatformTrello, core.NewSimClient(core.PlatformTrello))
	reg.Register(core.PlatformDrive, core.NewSimClient(core.PlatformDrive))
	reg.Register(core.PlatformNotion, core.NewSimClient(core.PlatformNotion))

	assert.Equal(t,
		[]core.Platform{core.PlatformDrive, core.PlatformNotion, core.PlatformTrello},
		reg.Platforms())
}

// notifyOnlyClient is the minimal PlatformClient: no compensation, no
// field masking.
type notifyOnlyClient struct{}

func (notifyOnlyClient) Execute(ctx context.Context, actionType string, params map[string]interface{}) (*core.ExecuteResult, error) {
	return &core.ExecuteResult{ExternalID: "notify-1"}, nil
}

func (notifyOnlyClient) HealthCheck(ctx context.Context) error { return nil }
