package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
)

// queuedAction pairs an admitted record with the trace context captured at
// enqueue time so the dequeuing worker can link its span back to the
// originating trace.
type queuedAction struct {
	record  *core.ActionRecord
	traceID string
	spanID  string
}

// ActionQueue is the process-wide priority queue: one FIFO sub-queue per
// priority rank, bounded across all sub-queues by maxSize.
//
// Overflow policy: when full, an enqueue evicts the head of the
// lowest-priority non-empty sub-queue, but only if that priority is strictly
// lower than the incoming action's; otherwise the enqueue is rejected with
// core.ErrQueueFull. A critical enqueue therefore only fails when every
// queued action is itself critical.
//
// Starvation guard: after guardK consecutive dequeues that each left
// strictly lower-priority work waiting, the next dequeue is forced to serve
// the most urgent non-empty sub-queue below the one that would normally win.
type ActionQueue struct {
	mu     sync.Mutex
	sub    [][]*queuedAction
	size   int
	closed bool

	// streak counts consecutive dequeues that bypassed waiting
	// lower-priority work since the guard last fired or reset.
	streak int

	maxSize int
	guardK  int

	// ready carries one token per queued item, giving Dequeue a blocking
	// wait without holding the mutex. Token count equals item count at
	// every mutex boundary.
	ready    chan struct{}
	closedCh chan struct{}

	evicted    atomic.Int64
	rejected   atomic.Int64
	dequeued   atomic.Int64
	guardFired atomic.Int64
}

// QueueStats is a point-in-time snapshot for the health surface.
type QueueStats struct {
	Size       int            `json:"size"`
	MaxSize    int            `json:"max_size"`
	Depths     map[string]int `json:"depths"`
	Evicted    int64          `json:"evicted"`
	Rejected   int64          `json:"rejected"`
	Dequeued   int64          `json:"dequeued"`
	GuardFired int64          `json:"guard_fired"`
}

// NewActionQueue creates a bounded queue. maxSize below 1 falls back to the
// config default; guardK of 0 disables the starvation guard.
func NewActionQueue(maxSize, guardK int) *ActionQueue {
	if maxSize < 1 {
		maxSize = core.DefaultQueueMaxSize
	}
	if guardK < 0 {
		guardK = 0
	}

	sub := make([][]*queuedAction, len(core.Priorities))
	return &ActionQueue{
		sub:      sub,
		maxSize:  maxSize,
		guardK:   guardK,
		ready:    make(chan struct{}, maxSize),
		closedCh: make(chan struct{}),
	}
}

// Enqueue admits an item. When the queue is full it returns the evicted
// lower-priority item (the caller emits its rejection event), or
// core.ErrQueueFull when nothing strictly lower is queued.
func (q *ActionQueue) Enqueue(item *queuedAction) (*queuedAction, error) {
	rank := item.record.Priority.Rank()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, core.ErrQueueClosed
	}

	var victim *queuedAction
	if q.size >= q.maxSize {
		victim = q.evictLocked(rank)
		if victim == nil {
			q.mu.Unlock()
			q.rejected.Add(1)
			return nil, core.ErrQueueFull
		}
	}

	item.record.QueueEnqueuedAt = time.Now()
	item.record.State = core.StateQueued
	q.sub[rank] = append(q.sub[rank], item)
	q.size++

	if victim == nil {
		// The eviction case replaces an item, so its token stays valid.
		q.ready <- struct{}{}
	}
	q.mu.Unlock()

	if victim != nil {
		q.evicted.Add(1)
	}
	return victim, nil
}

// evictLocked removes the head of the lowest-priority non-empty sub-queue
// when that priority is strictly lower than rank.
func (q *ActionQueue) evictLocked(rank int) *queuedAction {
	for lvl := len(q.sub) - 1; lvl > rank; lvl-- {
		if len(q.sub[lvl]) == 0 {
			continue
		}
		victim := q.sub[lvl][0]
		q.sub[lvl] = q.sub[lvl][1:]
		q.size--
		return victim
	}
	return nil
}

// Dequeue blocks until an item is available, the timeout elapses (nil, nil),
// ctx is cancelled, or the queue is closed and drained.
func (q *ActionQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queuedAction, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-q.closedCh:
		// Closed: drain what remains, then report closed.
		select {
		case <-q.ready:
		default:
			return nil, core.ErrQueueClosed
		}
	}

	q.mu.Lock()
	item := q.pickLocked()
	q.mu.Unlock()

	if item == nil {
		return nil, nil
	}
	q.dequeued.Add(1)
	return item, nil
}

// pickLocked selects the next item honoring priority order and the
// starvation guard.
func (q *ActionQueue) pickLocked() *queuedAction {
	normal := -1
	for lvl := range q.sub {
		if len(q.sub[lvl]) > 0 {
			normal = lvl
			break
		}
	}
	if normal < 0 {
		return nil
	}

	pick := normal
	if q.guardK > 0 && q.streak >= q.guardK {
		for lvl := normal + 1; lvl < len(q.sub); lvl++ {
			if len(q.sub[lvl]) > 0 {
				pick = lvl
				break
			}
		}
	}

	item := q.sub[pick][0]
	q.sub[pick] = q.sub[pick][1:]
	q.size--

	lowerWaiting := false
	for lvl := pick + 1; lvl < len(q.sub); lvl++ {
		if len(q.sub[lvl]) > 0 {
			lowerWaiting = true
			break
		}
	}
	switch {
	case pick != normal:
		q.guardFired.Add(1)
		q.streak = 0
	case lowerWaiting:
		q.streak++
	default:
		q.streak = 0
	}

	return item
}

// Len reports the total number of queued items.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Depths reports per-priority queue depth keyed by priority name.
func (q *ActionQueue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.sub))
	for lvl, items := range q.sub {
		out[string(core.Priorities[lvl])] = len(items)
	}
	return out
}

// Stats reports queue counters for the health surface.
func (q *ActionQueue) Stats() QueueStats {
	q.mu.Lock()
	size := q.size
	depths := make(map[string]int, len(q.sub))
	for lvl, items := range q.sub {
		depths[string(core.Priorities[lvl])] = len(items)
	}
	q.mu.Unlock()

	return QueueStats{
		Size:       size,
		MaxSize:    q.maxSize,
		Depths:     depths,
		Evicted:    q.evicted.Load(),
		Rejected:   q.rejected.Load(),
		Dequeued:   q.dequeued.Load(),
		GuardFired: q.guardFired.Load(),
	}
}

// Close stops admissions. Queued items remain dequeuable until drained.
// Idempotent.
func (q *ActionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}
