package events

import (
	"testing"
	"time"

	"github.com/actionplane/actionplane/core"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	queued := bus.Subscribe(ActionQueued)
	all := bus.Subscribe()

	bus.Publish(New(ActionQueued, "corr-1", ActionQueuedPayload{ActionID: "a1", Priority: core.PriorityHigh}))
	bus.Publish(New(ActionStarted, "corr-1", ActionStartedPayload{ActionID: "a1", Platform: core.PlatformNotion, Attempt: 1}))

	e := recv(t, queued)
	if e.Kind != ActionQueued {
		t.Errorf("kind = %s, want action:queued", e.Kind)
	}
	if e.Source != Source {
		t.Errorf("source = %q, want orchestrator", e.Source)
	}
	if e.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q", e.CorrelationID)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}

	// Filtered subscriber must not see the started event
	select {
	case extra := <-queued.Events():
		t.Errorf("unexpected event for filtered subscriber: %s", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	if first := recv(t, all); first.Kind != ActionQueued {
		t.Errorf("wildcard first = %s", first.Kind)
	}
	if second := recv(t, all); second.Kind != ActionStarted {
		t.Errorf("wildcard second = %s", second.Kind)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	slow := bus.SubscribeBuffered(1, ActionRetrying)

	for i := 0; i < 5; i++ {
		bus.Publish(New(ActionRetrying, "c", ActionRetryingPayload{ActionID: "a1", Attempt: i + 2}))
	}

	if got := slow.Dropped(); got != 4 {
		t.Errorf("Dropped() = %d, want 4", got)
	}
	stats := bus.Stats()
	if stats.Published != 5 {
		t.Errorf("Published = %d, want 5", stats.Published)
	}
	if stats.Dropped != 4 {
		t.Errorf("bus Dropped = %d, want 4", stats.Dropped)
	}

	// The one buffered event is still deliverable
	e := recv(t, slow)
	payload, ok := e.Payload.(ActionRetryingPayload)
	if !ok || payload.Attempt != 2 {
		t.Errorf("payload = %+v", e.Payload)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	sub := bus.Subscribe(ActionCompleted)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	bus.Publish(New(ActionCompleted, "c", nil))
	if bus.Stats().Subscribers != 0 {
		t.Errorf("Subscribers = %d, want 0", bus.Stats().Subscribers)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(8, nil)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after bus Close")
	}

	// Publishing after close is a silent no-op
	bus.Publish(New(ActionQueued, "c", nil))
	if bus.Stats().Published != 0 {
		t.Error("events published after close should not be counted")
	}

	late := bus.Subscribe(ActionQueued)
	if _, ok := <-late.Events(); ok {
		t.Error("subscription on a closed bus should be closed immediately")
	}
	late.Unsubscribe()
}

func TestKindPriorityTags(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{ActionQueued, "normal"},
		{ActionRetrying, "low"},
		{ActionFailed, "high"},
		{ActionRequiresApproval, "high"},
		{CircuitOpened, "high"},
		{WorkflowRolledBack, "high"},
		{WorkflowStepCompleted, "normal"},
	}
	for _, tt := range tests {
		if e := New(tt.kind, "", nil); e.Priority != tt.want {
			t.Errorf("priority(%s) = %q, want %q", tt.kind, e.Priority, tt.want)
		}
	}
}

func TestDecisionExtraction(t *testing.T) {
	d := &core.ActionDecision{ID: "a1", Type: core.ActionNotify, Platform: core.PlatformSlack}
	e := New(ActionReady, "corr", d)

	got, ok := e.Decision()
	if !ok || got.ID != "a1" {
		t.Errorf("Decision() = %+v, %v", got, ok)
	}

	if _, ok := New(ActionQueued, "", ActionQueuedPayload{}).Decision(); ok {
		t.Error("non-decision payload should not extract")
	}
}
