package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimClient is a scriptable in-memory PlatformClient for local development
// and tests. Outcomes are queued with FailNext and friends; each Execute call
// consumes the next queued outcome, and once the queue is empty every call
// succeeds with a generated external ID.
//
// All methods are safe for concurrent use.
type SimClient struct {
	platform Platform
	latency  time.Duration

	mu          sync.Mutex
	script      []simOutcome
	calls       int
	healthErr   error
	maskFields  []string
	executed    []SimCall
	compensated []SimCall
}

type simOutcome struct {
	kind    ErrorKind
	message string
}

// SimCall records one Execute or Compensate invocation for assertions.
type SimCall struct {
	ActionType string
	ExternalID string
	Params     map[string]interface{}
}

// NewSimClient creates a simulated client for the given platform.
func NewSimClient(platform Platform) *SimClient {
	return &SimClient{platform: platform}
}

// WithLatency makes every call take at least d before returning.
func (s *SimClient) WithLatency(d time.Duration) *SimClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
	return s
}

// WithMaskedFields declares parameter names whose values must not appear in
// logs or journal records.
func (s *SimClient) WithMaskedFields(fields ...string) *SimClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maskFields = fields
	return s
}

// FailNext queues one failure with the given kind for the next Execute call.
func (s *SimClient) FailNext(kind ErrorKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, simOutcome{kind: kind, message: message})
}

// FailNTimes queues n consecutive failures of the same kind.
func (s *SimClient) FailNTimes(n int, kind ErrorKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.script = append(s.script, simOutcome{kind: kind, message: message})
	}
}

// SucceedNext queues one explicit success, useful between queued failures.
func (s *SimClient) SucceedNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, simOutcome{})
}

// SetHealthError makes HealthCheck return the given error until cleared.
func (s *SimClient) SetHealthError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// Calls returns how many Execute invocations the client has served.
func (s *SimClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Executed returns a copy of all recorded Execute invocations.
func (s *SimClient) Executed() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCall, len(s.executed))
	copy(out, s.executed)
	return out
}

// Compensated returns a copy of all recorded Compensate invocations.
func (s *SimClient) Compensated() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimCall, len(s.compensated))
	copy(out, s.compensated)
	return out
}

// Execute implements PlatformClient.
func (s *SimClient) Execute(ctx context.Context, actionType string, params map[string]interface{}) (*ExecuteResult, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls++
	n := s.calls
	s.executed = append(s.executed, SimCall{ActionType: actionType, Params: params})
	var outcome simOutcome
	if len(s.script) > 0 {
		outcome = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if outcome.kind != "" {
		msg := outcome.message
		if msg == "" {
			msg = fmt.Sprintf("simulated %s failure", outcome.kind)
		}
		return nil, NewPlatformError(s.platform, outcome.kind, msg)
	}

	return &ExecuteResult{
		ExternalID: fmt.Sprintf("sim-%s-%d", s.platform, n),
		Value: map[string]interface{}{
			"platform":    string(s.platform),
			"action_type": actionType,
		},
	}, nil
}

// Compensate implements Compensator. It always succeeds and records the call.
func (s *SimClient) Compensate(ctx context.Context, actionType, externalID string, params map[string]interface{}) (*ExecuteResult, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.compensated = append(s.compensated, SimCall{ActionType: actionType, ExternalID: externalID, Params: params})
	n := len(s.compensated)
	s.mu.Unlock()

	return &ExecuteResult{ExternalID: fmt.Sprintf("undo-%s-%d", s.platform, n)}, nil
}

// HealthCheck implements PlatformClient.
func (s *SimClient) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

// MaskedFields implements FieldMasker.
func (s *SimClient) MaskedFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maskFields
}

func (s *SimClient) sleep(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time checks
var (
	_ PlatformClient = (*SimClient)(nil)
	_ Compensator    = (*SimClient)(nil)
	_ FieldMasker    = (*SimClient)(nil)
)
