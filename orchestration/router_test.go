package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
)

type routerRig struct {
	queue  *ActionQueue
	bus    *events.Bus
	router *Router
	sims   map[core.Platform]*core.SimClient
}

func newRouterRig(t *testing.T, maxSize int, cfg RouterConfig) *routerRig {
	t.Helper()
	logger := &core.NoOpLogger{}
	queue := NewActionQueue(maxSize, 0)
	t.Cleanup(queue.Close)
	bus := events.NewBus(256, logger)
	t.Cleanup(bus.Close)

	adapters := NewRegistry(logger)
	sims := make(map[core.Platform]*core.SimClient)
	for _, p := range []core.Platform{core.PlatformNotion, core.PlatformSlack} {
		sims[p] = core.NewSimClient(p)
		adapters.Register(p, sims[p])
	}

	return &routerRig{
		queue:  queue,
		bus:    bus,
		router: NewRouter(queue, adapters, bus, nil, logger, cfg),
		sims:   sims,
	}
}

func TestRouterAdmitsValidDecision(t *testing.T) {
	rig := newRouterRig(t, 10, RouterConfig{})
	sub := rig.bus.Subscribe(events.ActionQueued)
	defer sub.Unsubscribe()

	rec, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		CorrelationID: "corr-1",
		Type:          core.ActionCreateTask,
		Platform:      core.PlatformNotion,
		Params:        map[string]interface{}{"title": "hello"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotEmpty(t, rec.Decision.ID, "router assigns an ID when the decision has none")
	assert.Equal(t, core.PriorityNormal, rec.Priority, "empty claim defaults to normal")
	assert.Equal(t, core.StateQueued, rec.State)
	assert.Equal(t, 1, rig.queue.Len())

	e := nextEvent(t, sub, time.Second)
	assert.Equal(t, events.ActionQueued, e.Kind)
	payload, ok := e.Payload.(events.ActionQueuedPayload)
	require.True(t, ok)
	assert.Equal(t, rec.Decision.ID, payload.ActionID)
	assert.Equal(t, core.PriorityNormal, payload.Priority)
	assert.Equal(t, "corr-1", e.CorrelationID)
}

func TestRouterValidation(t *testing.T) {
	tests := []struct {
		name     string
		decision *core.ActionDecision
		sentinel error
	}{
		{
			name: "empty action type",
			decision: &core.ActionDecision{
				Platform: core.PlatformNotion,
				Params:   map[string]interface{}{"title": "x"},
			},
			sentinel: core.ErrUnknownActionType,
		},
		{
			name: "unknown platform",
			decision: &core.ActionDecision{
				Type:     core.ActionCreateTask,
				Platform: "fax",
				Params:   map[string]interface{}{"title": "x"},
			},
			sentinel: core.ErrUnknownPlatform,
		},
		{
			name: "unknown priority",
			decision: &core.ActionDecision{
				Type:     core.ActionCreateTask,
				Platform: core.PlatformNotion,
				Priority: "urgent",
				Params:   map[string]interface{}{"title": "x"},
			},
		},
		{
			name: "missing required param",
			decision: &core.ActionDecision{
				Type:     core.ActionCreateTask,
				Platform: core.PlatformNotion,
				Params:   map[string]interface{}{"body": "x"},
			},
		},
		{
			name: "nil param value counts as missing",
			decision: &core.ActionDecision{
				Type:     core.ActionNotify,
				Platform: core.PlatformSlack,
				Params:   map[string]interface{}{"message": nil},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRouterRig(t, 10, RouterConfig{})
			sub := rig.bus.Subscribe(events.ActionRejected)
			defer sub.Unsubscribe()

			rec, err := rig.router.Submit(context.Background(), tt.decision)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.Equal(t, core.KindValidation, core.KindOf(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
			assert.Equal(t, 0, rig.queue.Len(), "rejected decisions never enter the queue")

			e := nextEvent(t, sub, time.Second)
			payload, ok := e.Payload.(events.ActionRejectedPayload)
			require.True(t, ok)
			assert.Equal(t, events.ReasonValidationFailed, payload.Reason)
			assert.NotEmpty(t, payload.Detail)
		})
	}
}

func TestRouterNilDecision(t *testing.T) {
	rig := newRouterRig(t, 10, RouterConfig{})

	rec, err := rig.router.Submit(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRouterPriorityCap(t *testing.T) {
	rig := newRouterRig(t, 10, RouterConfig{MaxPriority: core.PriorityHigh})

	rec, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Priority: core.PriorityCritical,
		Params:   map[string]interface{}{"title": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.PriorityHigh, rec.Priority, "claims above the cap are downgraded")

	rec, err = rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Priority: core.PriorityLow,
		Params:   map[string]interface{}{"title": "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.PriorityLow, rec.Priority, "claims below the cap are never upgraded")
}

func TestRouterCustomValidationRule(t *testing.T) {
	rig := newRouterRig(t, 10, RouterConfig{})
	rig.router.RegisterValidation("archive_page", "page_id")

	_, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     "archive_page",
		Platform: core.PlatformNotion,
		Params:   map[string]interface{}{"title": "x"},
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     "archive_page",
		Platform: core.PlatformNotion,
		Params:   map[string]interface{}{"page_id": "pg-1"},
	})
	assert.NoError(t, err)
}

func TestRouterQueueFull(t *testing.T) {
	rig := newRouterRig(t, 1, RouterConfig{})
	sub := rig.bus.Subscribe(events.ActionRejected)
	defer sub.Unsubscribe()

	_, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Priority: core.PriorityCritical,
		Params:   map[string]interface{}{"message": "first"},
	})
	require.NoError(t, err)

	rec, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Priority: core.PriorityCritical,
		Params:   map[string]interface{}{"message": "second"},
	})
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, core.ErrQueueFull)

	var oe *core.OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, core.KindServiceUnavailable, oe.Kind)
	assert.Equal(t, "enqueue", oe.Op)

	e := nextEvent(t, sub, time.Second)
	payload, ok := e.Payload.(events.ActionRejectedPayload)
	require.True(t, ok)
	assert.Equal(t, events.ReasonQueueFull, payload.Reason)
}

func TestRouterEvictionDeliversTerminalResult(t *testing.T) {
	rig := newRouterRig(t, 1, RouterConfig{})
	sub := rig.bus.Subscribe(events.ActionQueued, events.ActionRejected)
	defer sub.Unsubscribe()

	victim, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		ID:       "victim",
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Priority: core.PriorityLow,
		Params:   map[string]interface{}{"message": "evict me"},
	})
	require.NoError(t, err)

	survivor, err := rig.router.Submit(context.Background(), &core.ActionDecision{
		ID:       "survivor",
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Priority: core.PriorityHigh,
		Params:   map[string]interface{}{"message": "keep me"},
	})
	require.NoError(t, err)
	require.NotNil(t, survivor)
	assert.Equal(t, 1, rig.queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := victim.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.KindServiceUnavailable, res.ErrorKind)
	assert.Equal(t, core.StateRejected, victim.State)

	e1 := nextEvent(t, sub, time.Second)
	assert.Equal(t, events.ActionQueued, e1.Kind)
	e2 := nextEvent(t, sub, time.Second)
	require.Equal(t, events.ActionRejected, e2.Kind)
	payload, ok := e2.Payload.(events.ActionRejectedPayload)
	require.True(t, ok)
	assert.Equal(t, "victim", payload.ActionID)
	assert.Equal(t, events.ReasonQueueFullEvicted, payload.Reason)
	e3 := nextEvent(t, sub, time.Second)
	assert.Equal(t, events.ActionQueued, e3.Kind)
}
