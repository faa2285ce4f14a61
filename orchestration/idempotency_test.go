package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
)

func TestIdempotencyFirstCallerProceeds(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	begin := g.Begin("k1")
	assert.True(t, begin.Proceed)
	assert.Nil(t, begin.Result)
	assert.Nil(t, begin.Ready)
}

func TestIdempotencyCachedResultAfterComplete(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	require.True(t, g.Begin("k1").Proceed)
	res := &core.ActionResult{ActionID: "a1", OK: true, ExternalID: "ext-1"}
	g.Complete("k1", res)

	begin := g.Begin("k1")
	assert.False(t, begin.Proceed)
	require.NotNil(t, begin.Result)
	assert.Equal(t, "ext-1", begin.Result.ExternalID)

	cached, ok := g.Lookup("k1")
	assert.True(t, ok)
	assert.Same(t, res, cached)

	stats := g.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestIdempotencyFailuresAreCachedToo(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	require.True(t, g.Begin("k1").Proceed)
	g.Complete("k1", &core.ActionResult{ActionID: "a1", OK: false, ErrorKind: core.KindAuth})

	begin := g.Begin("k1")
	require.NotNil(t, begin.Result)
	assert.False(t, begin.Result.OK)
	assert.Equal(t, core.KindAuth, begin.Result.ErrorKind)
}

func TestIdempotencyConcurrentJoin(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	require.True(t, g.Begin("k1").Proceed)

	join := g.Begin("k1")
	assert.False(t, join.Proceed)
	assert.Nil(t, join.Result)
	require.NotNil(t, join.Ready)

	select {
	case <-join.Ready:
		t.Fatal("ready channel closed before owner completed")
	default:
	}

	done := make(chan *core.ActionResult, 1)
	go func() {
		<-join.Ready
		again := g.Begin("k1")
		done <- again.Result
	}()

	g.Complete("k1", &core.ActionResult{ActionID: "a1", OK: true})

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.True(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("joined waiter never released")
	}

	assert.Equal(t, int64(1), g.Stats().Joins)
}

func TestIdempotencyAbandonReleasesKey(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	require.True(t, g.Begin("k1").Proceed)
	join := g.Begin("k1")
	require.NotNil(t, join.Ready)

	g.Abandon("k1")

	select {
	case <-join.Ready:
	case <-time.After(time.Second):
		t.Fatal("abandon did not release waiter")
	}

	// Nothing was cached, so the next claim owns execution again.
	assert.True(t, g.Begin("k1").Proceed)
}

func TestIdempotencyExpiry(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)
	clock := time.Now()
	g.now = func() time.Time { return clock }

	require.True(t, g.Begin("k1").Proceed)
	g.Complete("k1", &core.ActionResult{ActionID: "a1", OK: true})

	_, ok := g.Lookup("k1")
	assert.True(t, ok)

	clock = clock.Add(2 * time.Hour)

	_, ok = g.Lookup("k1")
	assert.False(t, ok)
	assert.True(t, g.Begin("k1").Proceed, "expired key should be claimable again")
}

func TestIdempotencyRestore(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)

	res := &core.ActionResult{ActionID: "a1", OK: true, ExternalID: "ext-9"}
	assert.True(t, g.Restore("k1", res, time.Now().Add(-time.Minute)))

	begin := g.Begin("k1")
	require.NotNil(t, begin.Result)
	assert.Equal(t, "ext-9", begin.Result.ExternalID)

	// A second restore for the same key is a no-op.
	assert.False(t, g.Restore("k1", &core.ActionResult{ActionID: "a2"}, time.Now()))

	// Entries whose TTL already elapsed are not restored.
	assert.False(t, g.Restore("k2", res, time.Now().Add(-2*time.Hour)))
	_, ok := g.Lookup("k2")
	assert.False(t, ok)
}

func TestIdempotencyPurgeExpired(t *testing.T) {
	g := NewIdempotencyGuard(time.Hour)
	clock := time.Now()
	g.now = func() time.Time { return clock }

	for _, key := range []string{"k1", "k2"} {
		require.True(t, g.Begin(key).Proceed)
		g.Complete(key, &core.ActionResult{ActionID: key, OK: true})
	}
	// An in-flight key must survive the purge regardless of age.
	require.True(t, g.Begin("inflight").Proceed)

	clock = clock.Add(2 * time.Hour)

	assert.Equal(t, 2, g.PurgeExpired())
	assert.Equal(t, 1, g.Stats().Entries)
}
