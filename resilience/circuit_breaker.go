// Package resilience provides the per-platform protection layers the
// executor pipeline runs every attempt through: a token-bucket rate limiter,
// a three-state circuit breaker, and a bounded-backoff retry engine. Each
// platform gets an independent set; state is never shared across platforms.
package resilience

import (
	"sync"
	"time"

	"github.com/actionplane/actionplane/core"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests until the reset timeout elapses
	StateOpen
	// StateHalfOpen allows limited probe requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives breaker activity for monitoring.
type MetricsCollector interface {
	RecordSuccess(platform string)
	RecordFailure(platform string, errorKind string)
	RecordStateChange(platform string, from, to string)
	RecordRejection(platform string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(platform string)                      {}
func (n *noopMetrics) RecordFailure(platform string, errorKind string)    {}
func (n *noopMetrics) RecordStateChange(platform string, from, to string) {}
func (n *noopMetrics) RecordRejection(platform string)                    {}

// TransitionListener observes state changes. Listeners run outside the
// breaker's lock, after the transition committed.
type TransitionListener func(platform core.Platform, from, to State, snap BreakerSnapshot)

// BreakerSnapshot is a point-in-time view of one breaker's counters.
type BreakerSnapshot struct {
	Platform         core.Platform `json:"platform"`
	State            string        `json:"state"`
	WindowFailures   int           `json:"window_failures"`
	ProbeSuccesses   int           `json:"probe_successes"`
	ProbesInFlight   int           `json:"probes_in_flight"`
	ConsecutiveOpens int           `json:"consecutive_opens"`
	OpenedAt         time.Time     `json:"opened_at,omitempty"`
	LastTransition   time.Time     `json:"last_transition,omitempty"`
	Rejections       uint64        `json:"rejections"`
}

// Breaker is a count-based three-state circuit breaker guarding one
// platform. It opens after FailureThreshold counted failures land inside
// FailureWindow, rejects while open, admits up to SuccessThreshold
// concurrent probes after ResetTimeout, and closes after SuccessThreshold
// consecutive probe successes. Failures whose kind does not count toward
// the breaker (rate limits, caller mistakes) never move the state machine.
type Breaker struct {
	platform core.Platform
	settings core.BreakerSettings
	logger   core.Logger
	metrics  MetricsCollector

	mu               sync.Mutex
	state            State
	failures         []time.Time // counted failure timestamps inside the window
	probeSuccesses   int
	probesInFlight   int
	openedAt         time.Time
	lastTransition   time.Time
	consecutiveOpens int
	rejections       uint64
	listeners        []TransitionListener

	now func() time.Time
}

// NewBreaker creates a breaker for one platform. Nil logger and metrics
// default to no-ops.
func NewBreaker(platform core.Platform, settings core.BreakerSettings, logger core.Logger, metrics MetricsCollector) *Breaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	return &Breaker{
		platform: platform,
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		state:    StateClosed,
		now:      time.Now,
	}
}

// OnTransition registers a listener for state changes.
func (b *Breaker) OnTransition(l TransitionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Allow gates one attempt. It returns nil when the attempt may proceed and
// a breaker_open classified error when the circuit rejects it. An open
// circuit whose reset timeout has elapsed transitions to half-open and
// grants the caller a probe slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.ResetTimeout {
			b.rejections++
			b.mu.Unlock()
			b.metrics.RecordRejection(string(b.platform))
			return b.rejectionError()
		}
		// Reset timeout elapsed: start probing
		notify := b.transitionLocked(StateHalfOpen)
		b.probesInFlight = 1
		b.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if b.probesInFlight >= b.settings.SuccessThreshold {
			b.rejections++
			b.mu.Unlock()
			b.metrics.RecordRejection(string(b.platform))
			return b.rejectionError()
		}
		b.probesInFlight++
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// OnSuccess reports a successful attempt. In half-open it consumes one probe
// slot; SuccessThreshold consecutive successes close the circuit.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	notify := noNotify

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.settings.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	case StateClosed:
		// Successes do not clear the failure window; only time does.
	case StateOpen:
		// Late result from an attempt that started before the open; ignore.
	}

	b.mu.Unlock()
	b.metrics.RecordSuccess(string(b.platform))
	notify()
}

// OnFailure reports a failed attempt of the given kind. Kinds that do not
// count toward the breaker release any probe slot without moving the state
// machine.
func (b *Breaker) OnFailure(kind core.ErrorKind) {
	counted := kind.CountsTowardBreaker()
	b.mu.Lock()
	notify := noNotify

	switch b.state {
	case StateClosed:
		if counted {
			now := b.now()
			b.failures = append(b.failures, now)
			b.pruneLocked(now)
			if len(b.failures) >= b.settings.FailureThreshold {
				notify = b.transitionLocked(StateOpen)
			}
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if counted {
			// A single counted probe failure reopens the circuit
			notify = b.transitionLocked(StateOpen)
		}
	case StateOpen:
		// Late result; the circuit is already open.
	}

	b.mu.Unlock()
	if counted {
		b.metrics.RecordFailure(string(b.platform), string(kind))
	}
	notify()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters for events and health reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Reset forces the breaker closed and clears all counters. Intended for
// operational tooling, not the execution path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := noNotify
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	}
	b.failures = nil
	b.consecutiveOpens = 0
	b.mu.Unlock()
	notify()
}

func (b *Breaker) snapshotLocked() BreakerSnapshot {
	snap := BreakerSnapshot{
		Platform:         b.platform,
		State:            b.state.String(),
		WindowFailures:   len(b.failures),
		ProbeSuccesses:   b.probeSuccesses,
		ProbesInFlight:   b.probesInFlight,
		ConsecutiveOpens: b.consecutiveOpens,
		LastTransition:   b.lastTransition,
		Rejections:       b.rejections,
	}
	if b.state == StateOpen {
		snap.OpenedAt = b.openedAt
	}
	return snap
}

// pruneLocked drops counted failures that fell out of the window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.settings.FailureWindow)
	keep := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.failures = keep
}

// transitionLocked commits a state change and returns the notification
// closure the caller must invoke after releasing the lock.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return noNotify
	}
	b.state = to
	b.lastTransition = b.now()

	switch to {
	case StateOpen:
		b.openedAt = b.lastTransition
		b.consecutiveOpens++
		b.probeSuccesses = 0
		b.probesInFlight = 0
		b.failures = nil
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.probesInFlight = 0
	case StateClosed:
		b.failures = nil
		b.consecutiveOpens = 0
		b.probeSuccesses = 0
		b.probesInFlight = 0
	}

	snap := b.snapshotLocked()
	listeners := make([]TransitionListener, len(b.listeners))
	copy(listeners, b.listeners)

	return func() {
		b.logger.Info("Circuit breaker state changed", map[string]interface{}{
			"platform":        string(b.platform),
			"from":            from.String(),
			"to":              to.String(),
			"window_failures": snap.WindowFailures,
			"reset_timeout":   b.settings.ResetTimeout.String(),
		})
		b.metrics.RecordStateChange(string(b.platform), from.String(), to.String())
		for _, l := range listeners {
			l(b.platform, from, to, snap)
		}
	}
}

func (b *Breaker) rejectionError() error {
	return &core.OrchestrationError{
		Op:       "breaker.Allow",
		Kind:     core.KindBreakerOpen,
		Platform: b.platform,
		Err:      core.ErrBreakerOpen,
	}
}

func noNotify() {}
