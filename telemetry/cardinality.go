package telemetry

import (
	"sync"
	"time"
)

// CardinalityLimiter prevents unbounded metric cardinality. Labels like
// action_type come from upstream decision payloads and are not under our
// control, so values beyond the per-label limit collapse into "other".
type CardinalityLimiter struct {
	limits map[string]int
	seen   sync.Map // map[metric.label]*sync.Map of value -> last-seen time

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter creates a limiter with per-label limits.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:   limits,
		stopChan: make(chan struct{}),
	}
	// Periodic cleanup to prevent memory growth
	go c.cleanupLoop()
	return c
}

// CheckAndLimit returns the value to record for a metric label, replacing
// it with "other" once the label's distinct-value limit is reached.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	key := metric + "." + label

	limit, hasLimit := c.limits[label]
	if !hasLimit {
		return value
	}

	valMapI, _ := c.seen.LoadOrStore(key, &sync.Map{})
	valMap := valMapI.(*sync.Map)

	count := 0
	valMap.Range(func(k, v interface{}) bool {
		count++
		return count < limit
	})

	if count >= limit {
		if _, exists := valMap.Load(value); !exists {
			return "other"
		}
	}

	// Store with timestamp for cleanup
	valMap.Store(value, time.Now())
	return value
}

// CurrentCardinality returns the total tracked distinct values.
func (c *CardinalityLimiter) CurrentCardinality() int {
	total := 0
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		count := 0
		valMap.Range(func(k, v interface{}) bool {
			count++
			return true
		})
		total += count
		return true
	})
	return total
}

// MaxCardinality returns the sum of all per-label limits.
func (c *CardinalityLimiter) MaxCardinality() int {
	total := 0
	for _, limit := range c.limits {
		total += limit
	}
	return total
}

// cleanupLoop periodically drops stale entries.
func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

// cleanup removes entries not seen in the last 10 minutes.
func (c *CardinalityLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, timeI interface{}) bool {
			if timeI.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop stops the cleanup goroutine.
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
