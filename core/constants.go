package core

import "time"

// Shared defaults referenced by components that can run without a full
// *Config, mirroring the values DefaultConfig ships.
const (
	// DefaultQueueMaxSize bounds the priority queue when no config is given.
	DefaultQueueMaxSize = 1000

	// DefaultStarvationGuardK forces service of lower-priority work after
	// this many consecutive higher-priority dequeues.
	DefaultStarvationGuardK = 16

	// DefaultWorkerCount sizes the worker pool when no config is given.
	DefaultWorkerCount = 5

	// DefaultActionDeadline bounds a single action execution end to end.
	DefaultActionDeadline = 30 * time.Second

	// DefaultIdempotencyTTL is how long terminal results stay cached for
	// duplicate-submission detection.
	DefaultIdempotencyTTL = time.Hour
)

// Redis key namespaces. Every Redis-backed store prefixes its keys so one
// instance can serve several environments.
const (
	// RedisReviewPrefix namespaces pending-review keys.
	RedisReviewPrefix = "actionplane:reviews"

	// RedisJournalPrefix namespaces the journal list key.
	RedisJournalPrefix = "actionplane:journal"
)
