package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSimClientScript(t *testing.T) {
	client := NewSimClient(PlatformNotion)
	client.FailNext(KindRateLimit, "429")
	client.FailNTimes(2, KindTransient, "reset")

	ctx := context.Background()

	_, err := client.Execute(ctx, ActionCreateTask, nil)
	if KindOf(err) != KindRateLimit {
		t.Errorf("first call kind = %q, want rate_limit", KindOf(err))
	}
	for i := 0; i < 2; i++ {
		_, err = client.Execute(ctx, ActionCreateTask, nil)
		if KindOf(err) != KindTransient {
			t.Errorf("call %d kind = %q, want transient", i+2, KindOf(err))
		}
	}

	// Script exhausted: success with generated ID
	res, err := client.Execute(ctx, ActionCreateTask, map[string]interface{}{"title": "x"})
	if err != nil {
		t.Fatalf("Execute() after script: %v", err)
	}
	if res.ExternalID == "" {
		t.Error("success should carry an external ID")
	}
	if client.Calls() != 4 {
		t.Errorf("Calls() = %d, want 4", client.Calls())
	}
}

func TestSimClientLatencyHonorsContext(t *testing.T) {
	client := NewSimClient(PlatformDrive).WithLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Execute(ctx, ActionFileDocument, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Execute() should return promptly after cancellation")
	}
}

func TestSimClientCompensate(t *testing.T) {
	client := NewSimClient(PlatformTrello)

	res, err := client.Execute(context.Background(), ActionCreateTask, map[string]interface{}{"list": "todo"})
	if err != nil {
		t.Fatalf("Execute(): %v", err)
	}

	if _, err := client.Compensate(context.Background(), ActionCreateTask, res.ExternalID, nil); err != nil {
		t.Fatalf("Compensate(): %v", err)
	}

	undone := client.Compensated()
	if len(undone) != 1 || undone[0].ExternalID != res.ExternalID {
		t.Errorf("Compensated() = %+v", undone)
	}
}

func TestSimClientHealth(t *testing.T) {
	client := NewSimClient(PlatformSheets)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("healthy client returned %v", err)
	}

	boom := errors.New("quota exhausted")
	client.SetHealthError(boom)
	if err := client.HealthCheck(context.Background()); !errors.Is(err, boom) {
		t.Errorf("HealthCheck() = %v, want %v", err, boom)
	}
}

func TestSimClientMaskedFields(t *testing.T) {
	client := NewSimClient(PlatformSlack).WithMaskedFields("token")
	fields := client.MaskedFields()
	if len(fields) != 1 || fields[0] != "token" {
		t.Errorf("MaskedFields() = %v", fields)
	}
}
