package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
)

func testPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		WorkerCount:     2,
		DequeueTimeout:  20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

// startPool runs the blocking Start in a goroutine and returns a channel
// that closes when it exits.
func startPool(t *testing.T, pool *WorkerPool) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(context.Background())
	}()
	t.Cleanup(func() {
		_ = pool.Stop(context.Background())
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("worker pool did not exit after Stop")
		}
	})
	return done
}

func enqueueRecord(t *testing.T, q *ActionQueue, decision *core.ActionDecision) *core.ActionRecord {
	t.Helper()
	rec := core.NewActionRecord(decision, effectivePriority(decision.Priority))
	_, err := q.Enqueue(&queuedAction{record: rec})
	require.NoError(t, err)
	return rec
}

// expectSilence fails if any event arrives on sub inside the window.
func expectSilence(t *testing.T, sub *events.Subscription, window time.Duration) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s: %+v", e.Kind, e.Payload)
	case <-time.After(window):
	}
}

func TestWorkerPoolProcessesQueue(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.sims(core.PlatformNotion)
	queue := NewActionQueue(100, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	sub := rig.bus.Subscribe(events.ActionCompleted)
	defer sub.Unsubscribe()
	startPool(t, pool)

	var recs []*core.ActionRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, enqueueRecord(t, queue, &core.ActionDecision{
			ID:       fmt.Sprintf("a%d", i),
			Type:     core.ActionCreateTask,
			Platform: core.PlatformNotion,
			Params:   map[string]interface{}{"title": fmt.Sprintf("task %d", i)},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, rec := range recs {
		res, err := rec.Wait(ctx)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, core.StateSucceeded, rec.State)
	}

	for i := 0; i < 5; i++ {
		e := nextEvent(t, sub, time.Second)
		assert.Equal(t, events.ActionCompleted, e.Kind)
	}
	assert.Equal(t, int64(5), pool.Processed())
}

func TestWorkerPoolDeliversFailure(t *testing.T) {
	rig := newTestRig(t, nil)
	sims := rig.sims(core.PlatformNotion)
	sims[core.PlatformNotion].FailNext(core.KindAuth, "token revoked")
	queue := NewActionQueue(100, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	sub := rig.bus.Subscribe(events.ActionFailed)
	defer sub.Unsubscribe()
	startPool(t, pool)

	rec := enqueueRecord(t, queue, &core.ActionDecision{
		ID:       "a1",
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Params:   map[string]interface{}{"title": "x"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := rec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.StateFailed, rec.State)
	assert.Equal(t, "token revoked", rec.LastError)

	e := nextEvent(t, sub, time.Second)
	payload, ok := e.Payload.(events.ActionFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "a1", payload.ActionID)
	assert.Equal(t, core.KindAuth, payload.ErrorKind)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.adapters.Register(core.PlatformNotion, panicClient{})
	sims := rig.sims(core.PlatformSlack)
	queue := NewActionQueue(100, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	startPool(t, pool)

	rec := enqueueRecord(t, queue, &core.ActionDecision{
		ID:       "boom",
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Params:   map[string]interface{}{"title": "x"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := rec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.KindClient, res.ErrorKind)
	assert.Contains(t, res.Error, "internal error")

	// The worker survives and keeps draining.
	next := enqueueRecord(t, queue, &core.ActionDecision{
		ID:       "after",
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Params:   map[string]interface{}{"message": "still alive"},
	})
	res, err = next.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, sims[core.PlatformSlack].Calls())
	assert.Equal(t, int64(2), pool.Processed())
}

func TestWorkerPoolCachedResultStaysSilent(t *testing.T) {
	rig := newTestRig(t, nil)
	sims := rig.sims(core.PlatformNotion)
	queue := NewActionQueue(100, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	startPool(t, pool)

	decision := &core.ActionDecision{
		ID:             "a1",
		Type:           core.ActionCreateTask,
		Platform:       core.PlatformNotion,
		Params:         map[string]interface{}{"title": "x"},
		IdempotencyKey: "ik-1",
	}
	first := enqueueRecord(t, queue, decision)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := first.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)

	sub := rig.bus.Subscribe(events.ActionCompleted, events.ActionFailed)
	defer sub.Unsubscribe()

	dup := enqueueRecord(t, queue, &core.ActionDecision{
		ID:             "a2",
		Type:           core.ActionCreateTask,
		Platform:       core.PlatformNotion,
		Params:         map[string]interface{}{"title": "x"},
		IdempotencyKey: "ik-1",
	})
	res, err = dup.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.True(t, res.OK)
	assert.Equal(t, 1, sims[core.PlatformNotion].Calls())

	// A cached replay must not re-announce the action's lifecycle.
	expectSilence(t, sub, 100*time.Millisecond)
}

func TestWorkerPoolStartTwice(t *testing.T) {
	rig := newTestRig(t, nil)
	queue := NewActionQueue(10, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	startPool(t, pool)

	require.Eventually(t, func() bool { return pool.Active() == 2 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Start(context.Background()), core.ErrAlreadyStarted)
}

func TestWorkerPoolStop(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.sims(core.PlatformNotion)
	queue := NewActionQueue(10, 0)
	defer queue.Close()

	pool := NewWorkerPool(queue, rig.exec, rig.adapters, rig.bus, nil, nil, testPoolConfig())
	done := startPool(t, pool)

	rec := enqueueRecord(t, queue, &core.ActionDecision{
		ID:       "a1",
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Params:   map[string]interface{}{"title": "x"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := rec.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Stop(context.Background()))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, 0, pool.Active())
}
