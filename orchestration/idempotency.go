package orchestration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
)

// IdempotencyGuard enforces at-most-once external side effects per
// idempotency key within the configured TTL window.
//
// The first caller for a key owns execution and must call Complete with the
// terminal result. Concurrent callers for the same key receive a channel
// that closes when the owner finishes; callers after completion receive the
// cached result until the TTL expires. Terminal failures are cached too: a
// permanently failed attempt may still have touched the platform.
type IdempotencyGuard struct {
	mu      sync.Mutex
	entries map[string]*idemEntry

	ttl time.Duration
	now func() time.Time

	hits  atomic.Int64
	joins atomic.Int64
}

type idemEntry struct {
	result    *core.ActionResult // nil while in flight
	ready     chan struct{}      // closed on Complete
	expiresAt time.Time          // zero while in flight
}

// BeginResult is the outcome of claiming a key.
type BeginResult struct {
	// Proceed means the caller owns execution and must call Complete.
	Proceed bool

	// Result is the cached terminal result when the key already completed
	// inside the TTL window.
	Result *core.ActionResult

	// Ready is non-nil when another execution holds the key; it closes when
	// that execution completes. Callers re-Begin after it closes.
	Ready <-chan struct{}
}

// IdempotencyStats is a point-in-time snapshot for the health surface.
type IdempotencyStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Joins   int64 `json:"joins"`
}

// NewIdempotencyGuard creates a guard whose done entries live for ttl.
func NewIdempotencyGuard(ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = core.DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{
		entries: make(map[string]*idemEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Begin claims a key. Exactly one of the BeginResult fields is set.
func (g *IdempotencyGuard) Begin(key string) BeginResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if ok && entry.result != nil && g.now().After(entry.expiresAt) {
		delete(g.entries, key)
		ok = false
	}

	if !ok {
		g.entries[key] = &idemEntry{ready: make(chan struct{})}
		return BeginResult{Proceed: true}
	}
	if entry.result != nil {
		g.hits.Add(1)
		return BeginResult{Result: entry.result}
	}
	g.joins.Add(1)
	return BeginResult{Ready: entry.ready}
}

// Complete records the terminal result for a key the caller claimed with
// Begin and releases every joined waiter.
func (g *IdempotencyGuard) Complete(key string, result *core.ActionResult) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok || entry.result != nil {
		g.mu.Unlock()
		return
	}
	entry.result = result
	entry.expiresAt = g.now().Add(g.ttl)
	g.mu.Unlock()

	close(entry.ready)
}

// Abandon releases a claimed key without caching a result, so a later
// submission executes anew. Waiters are released and will re-Begin.
func (g *IdempotencyGuard) Abandon(key string) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok || entry.result != nil {
		g.mu.Unlock()
		return
	}
	delete(g.entries, key)
	g.mu.Unlock()

	close(entry.ready)
}

// Lookup returns the cached terminal result for a key, if present and fresh.
func (g *IdempotencyGuard) Lookup(key string) (*core.ActionResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok || entry.result == nil {
		return nil, false
	}
	if g.now().After(entry.expiresAt) {
		delete(g.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Restore seeds a done entry from a journal record and reports whether it
// took effect. completedAt positions the entry inside its original TTL
// window; already-expired entries are ignored.
func (g *IdempotencyGuard) Restore(key string, result *core.ActionResult, completedAt time.Time) bool {
	expiresAt := completedAt.Add(g.ttl)
	if !g.now().Before(expiresAt) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; ok {
		return false
	}
	ready := make(chan struct{})
	close(ready)
	g.entries[key] = &idemEntry{result: result, ready: ready, expiresAt: expiresAt}
	return true
}

// PurgeExpired removes done entries past their TTL and reports how many.
func (g *IdempotencyGuard) PurgeExpired() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	purged := 0
	for key, entry := range g.entries {
		if entry.result != nil && now.After(entry.expiresAt) {
			delete(g.entries, key)
			purged++
		}
	}
	return purged
}

// Stats reports guard counters for the health surface.
func (g *IdempotencyGuard) Stats() IdempotencyStats {
	g.mu.Lock()
	entries := len(g.entries)
	g.mu.Unlock()

	return IdempotencyStats{
		Entries: entries,
		Hits:    g.hits.Load(),
		Joins:   g.joins.Load(),
	}
}
