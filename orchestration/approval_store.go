package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/actionplane/actionplane/core"
)

// ReviewStatus tracks a pending review through its lifecycle.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewTimedOut ReviewStatus = "timed-out"
)

// Terminal reports whether no further transitions can follow s.
func (s ReviewStatus) Terminal() bool {
	return s != ReviewPending && s != ""
}

// Timeout actions a review can be configured with.
const (
	TimeoutApprove = "approve"
	TimeoutReject  = "reject"
)

// PendingReview is the persisted state of one approval request. The
// coordinator is its sole mutator; stores serialize the terminal transition.
type PendingReview struct {
	ID            string               `json:"id"`
	ActionID      string               `json:"action_id"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Decision      *core.ActionDecision `json:"decision"`
	Reason        string               `json:"reason,omitempty"`
	QueuedAt      time.Time            `json:"queued_at"`
	TimeoutAt     time.Time            `json:"timeout_at"`
	TimeoutAction string               `json:"timeout_action"`
	Status        ReviewStatus         `json:"status"`
	Reviewer      string               `json:"reviewer,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	DecidedAt     time.Time            `json:"decided_at,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// In-memory store (default)
// ═══════════════════════════════════════════════════════════════════════════

// MemoryApprovalStore keeps reviews in a mutexed map. Reviews do not survive
// a restart; the journal's review_transition records are the only trace.
type MemoryApprovalStore struct {
	mu      sync.RWMutex
	reviews map[string]*PendingReview
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{reviews: make(map[string]*PendingReview)}
}

// Create implements ApprovalStore.
func (s *MemoryApprovalStore) Create(ctx context.Context, review *PendingReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reviews[review.ID]; exists {
		return fmt.Errorf("review %s already exists", review.ID)
	}
	stored := *review
	s.reviews[review.ID] = &stored
	return nil
}

// Get implements ApprovalStore.
func (s *MemoryApprovalStore) Get(ctx context.Context, reviewID string) (*PendingReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	review, ok := s.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownReview, reviewID)
	}
	out := *review
	return &out, nil
}

// Decide implements ApprovalStore. The map mutex serializes racing timer and
// caller transitions; the first one in wins.
func (s *MemoryApprovalStore) Decide(ctx context.Context, reviewID string, status ReviewStatus, reviewer, notes string, decidedAt time.Time) (*PendingReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	review, ok := s.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownReview, reviewID)
	}
	if review.Status.Terminal() {
		out := *review
		return &out, core.ErrAlreadyDecided
	}

	review.Status = status
	review.Reviewer = reviewer
	review.Notes = notes
	review.DecidedAt = decidedAt

	out := *review
	return &out, nil
}

// ListPending implements ApprovalStore, sorted by timeout for stable sweeps.
func (s *MemoryApprovalStore) ListPending(ctx context.Context) ([]*PendingReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*PendingReview
	for _, review := range s.reviews {
		if review.Status == ReviewPending {
			out := *review
			pending = append(pending, &out)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].TimeoutAt.Before(pending[j].TimeoutAt) })
	return pending, nil
}

// Delete implements ApprovalStore.
func (s *MemoryApprovalStore) Delete(ctx context.Context, reviewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reviews, reviewID)
	return nil
}

// Close implements ApprovalStore.
func (s *MemoryApprovalStore) Close() error { return nil }

// ═══════════════════════════════════════════════════════════════════════════
// Redis store
// ═══════════════════════════════════════════════════════════════════════════

const (
	reviewKeyPrefix   = "review:"
	pendingIndexKey   = "pending"
	defaultReviewTTL  = 24 * time.Hour
	decideCASAttempts = 3
)

// RedisApprovalStore persists reviews in Redis so they survive restarts and
// can be shared by replicas. The terminal transition is a WATCH-guarded
// compare-and-set on the review key.
type RedisApprovalStore struct {
	client *core.RedisClient
	ttl    time.Duration
	logger core.Logger
}

// NewRedisApprovalStore connects the store to Redis DB core.RedisDBReviews.
func NewRedisApprovalStore(redisURL string, ttl time.Duration, logger core.Logger) (*RedisApprovalStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ttl <= 0 {
		ttl = defaultReviewTTL
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBReviews,
		Namespace: core.RedisReviewPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &RedisApprovalStore{client: client, ttl: ttl, logger: logger}, nil
}

func reviewKey(reviewID string) string {
	return reviewKeyPrefix + reviewID
}

// Create implements ApprovalStore.
func (s *RedisApprovalStore) Create(ctx context.Context, review *PendingReview) error {
	data, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	if err := s.client.Set(ctx, reviewKey(review.ID), data, s.ttl); err != nil {
		return fmt.Errorf("store review: %w", err)
	}
	if err := s.client.SAdd(ctx, pendingIndexKey, review.ID); err != nil {
		return fmt.Errorf("index review: %w", err)
	}
	return nil
}

// Get implements ApprovalStore.
func (s *RedisApprovalStore) Get(ctx context.Context, reviewID string) (*PendingReview, error) {
	raw, err := s.client.Get(ctx, reviewKey(reviewID))
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownReview, reviewID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch review: %w", err)
	}
	var review PendingReview
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return nil, fmt.Errorf("unmarshal review: %w", err)
	}
	return &review, nil
}

// Decide implements ApprovalStore. Racing deciders are serialized by the
// WATCH: the loser's transaction aborts, and its retry observes the winner's
// terminal status.
func (s *RedisApprovalStore) Decide(ctx context.Context, reviewID string, status ReviewStatus, reviewer, notes string, decidedAt time.Time) (*PendingReview, error) {
	key := reviewKey(reviewID)

	var out *PendingReview
	var decideErr error

	cas := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.client.FormatKey(key)).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", core.ErrUnknownReview, reviewID)
		}
		if err != nil {
			return err
		}

		var review PendingReview
		if err := json.Unmarshal([]byte(raw), &review); err != nil {
			return fmt.Errorf("unmarshal review: %w", err)
		}
		if review.Status.Terminal() {
			out = &review
			decideErr = core.ErrAlreadyDecided
			return nil
		}

		review.Status = status
		review.Reviewer = reviewer
		review.Notes = notes
		review.DecidedAt = decidedAt

		data, err := json.Marshal(&review)
		if err != nil {
			return fmt.Errorf("marshal review: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.client.FormatKey(key), data, s.ttl)
			pipe.SRem(ctx, s.client.FormatKey(pendingIndexKey), reviewID)
			return nil
		})
		if err != nil {
			return err
		}
		out = &review
		return nil
	}

	for attempt := 0; attempt < decideCASAttempts; attempt++ {
		err := s.client.Watch(ctx, cas, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, decideErr
	}
	return nil, fmt.Errorf("decide review %s: too much contention", reviewID)
}

// ListPending implements ApprovalStore. Index entries whose review expired
// or already decided are dropped from the index as they are encountered.
func (s *RedisApprovalStore) ListPending(ctx context.Context) ([]*PendingReview, error) {
	ids, err := s.client.SMembers(ctx, pendingIndexKey)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}

	var pending []*PendingReview
	for _, id := range ids {
		review, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrUnknownReview) {
			if remErr := s.client.SRem(ctx, pendingIndexKey, id); remErr != nil {
				s.logger.Warn("Failed to prune expired review from index", map[string]interface{}{
					"review_id": id,
					"error":     remErr.Error(),
				})
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if review.Status != ReviewPending {
			continue
		}
		pending = append(pending, review)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].TimeoutAt.Before(pending[j].TimeoutAt) })
	return pending, nil
}

// Delete implements ApprovalStore.
func (s *RedisApprovalStore) Delete(ctx context.Context, reviewID string) error {
	if err := s.client.Del(ctx, reviewKey(reviewID)); err != nil {
		return err
	}
	return s.client.SRem(ctx, pendingIndexKey, reviewID)
}

// Close implements ApprovalStore.
func (s *RedisApprovalStore) Close() error {
	return s.client.Close()
}

// Compile-time checks
var (
	_ ApprovalStore = (*MemoryApprovalStore)(nil)
	_ ApprovalStore = (*RedisApprovalStore)(nil)
)
