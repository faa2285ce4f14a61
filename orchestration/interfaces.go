package orchestration

import (
	"context"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
)

// Publisher is the outbound edge of the event plane. The router, workers,
// approval coordinator, and workflow engine publish lifecycle events through
// it; *events.Bus satisfies it directly.
type Publisher interface {
	Publish(e events.Event)
}

// ParamMapper rewrites an action's parameters for a different platform, e.g.
// a Notion status property becoming a Trello list id. Mappers must not
// mutate the input map.
type ParamMapper func(params map[string]interface{}) map[string]interface{}

// AdapterRegistry resolves platform tags to concrete clients and carries the
// cross-platform parameter mappings used during fallback dispatch.
type AdapterRegistry interface {
	// Client returns the registered client for the platform, or an error
	// wrapping core.ErrUnknownPlatform.
	Client(platform core.Platform) (core.PlatformClient, error)

	// Compensator reports the platform's rollback surface when its client
	// implements core.Compensator.
	Compensator(platform core.Platform) (core.Compensator, bool)

	// MaskedFields lists parameter names the platform's adapter declared
	// sensitive. Empty when the client does not implement core.FieldMasker.
	MaskedFields(platform core.Platform) []string

	// MapParams translates params from one platform's dialect to another's.
	// With no registered mapping the input is returned unchanged.
	MapParams(actionType string, from, to core.Platform, params map[string]interface{}) map[string]interface{}

	// Platforms lists every registered platform in stable order.
	Platforms() []core.Platform
}

// Journal is the append-only transition log used for restart recovery. Both
// backends (file, Redis) share the envelope format in journal.go. Append is
// best-effort from the caller's view: journal errors are logged, never
// propagated into action outcomes.
type Journal interface {
	Append(ctx context.Context, rec JournalRecord) error

	// Replay streams every stored record in append order. A non-nil error
	// from fn stops the replay.
	Replay(ctx context.Context, fn func(rec JournalRecord) error) error

	// Stats reports append counters for the health surface.
	Stats() JournalStats

	Close() error
}

// ApprovalStore persists pending reviews. Decide is the single mutation
// point for terminal status: implementations must apply it atomically so
// that exactly one caller wins when a timer and a human race.
type ApprovalStore interface {
	Create(ctx context.Context, review *PendingReview) error

	// Get returns the review or an error wrapping core.ErrUnknownReview.
	Get(ctx context.Context, reviewID string) (*PendingReview, error)

	// Decide transitions a pending review to the given terminal status and
	// returns the stored review. When the review is already terminal it
	// returns the existing review together with core.ErrAlreadyDecided.
	Decide(ctx context.Context, reviewID string, status ReviewStatus, reviewer, notes string, decidedAt time.Time) (*PendingReview, error)

	// ListPending returns reviews still awaiting a decision.
	ListPending(ctx context.Context) ([]*PendingReview, error)

	Delete(ctx context.Context, reviewID string) error

	Close() error
}

// Submitter admits a decision into the execution plane and returns the
// record whose Wait method yields the terminal result. The workflow engine
// and approval coordinator depend on this narrow surface instead of holding
// a reference back to the router, which keeps the dependency graph acyclic.
type Submitter interface {
	Submit(ctx context.Context, decision *core.ActionDecision) (*core.ActionRecord, error)
}

// nopPublisher drops events. Components fall back to it when constructed
// without a bus.
type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}
