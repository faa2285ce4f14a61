package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/actionplane/actionplane/core"
)

// DefaultBufferSize is the per-subscriber channel depth used when the
// subscriber does not request its own.
const DefaultBufferSize = 64

// Bus is an in-process fan-out of Events. Every subscriber owns a buffered
// channel; Publish never blocks. When a subscriber's buffer is full the
// event is dropped for that subscriber and counted, so one slow consumer
// cannot stall the execution pipeline.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	bufferSize int
	logger     core.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscription is one consumer's view of the bus. Events arrive on the
// channel returned by Events until Unsubscribe or bus Close.
type Subscription struct {
	id    string
	kinds map[Kind]bool // empty means all kinds
	ch    chan Event
	bus   *Bus

	dropped atomic.Int64
	once    sync.Once
}

// NewBus creates a bus with the given default buffer size per subscriber.
// Sizes below 1 fall back to DefaultBufferSize.
func NewBus(bufferSize int, logger core.Logger) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a consumer for the given kinds. With no kinds the
// subscription receives every event.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	return b.SubscribeBuffered(b.bufferSize, kinds...)
}

// SubscribeBuffered registers a consumer with its own buffer depth.
func (b *Bus) SubscribeBuffered(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = b.bufferSize
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan Event, buffer),
		bus:   b,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Closed bus hands back a subscription whose channel is already
		// closed so consumers see immediate termination.
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish fans the event out to every matching subscriber without blocking.
// Events published after Close are discarded.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Debug("Event dropped for slow subscriber", map[string]interface{}{
				"kind":           string(e.Kind),
				"subscriber":     sub.id,
				"correlation_id": e.CorrelationID,
			})
		}
	}
}

// Close terminates all subscriptions. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// BusStats is a point-in-time snapshot of bus activity.
type BusStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats reports bus activity counters for the health surface.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Events returns the subscription's receive channel. The channel closes on
// Unsubscribe and on bus Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription missed to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel. Idempotent
// and safe to call concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
