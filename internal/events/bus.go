package events

import (
	"sync"

	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Bus fans live run events out to in-process subscribers. Delivery is
// best-effort and never blocks the publisher: durability belongs to the
// event log, the bus only cuts replay latency for connected streams.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]map[*Subscription]struct{}
	queueSize int
	metrics   *observability.Metrics
}

// NewBus creates a bus whose subscriptions buffer queueSize events.
func NewBus(queueSize int, metrics *observability.Metrics) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:      make(map[int64]map[*Subscription]struct{}),
		queueSize: queueSize,
		metrics:   metrics,
	}
}

// Subscription is one consumer's view of a single run's live events.
type Subscription struct {
	runID int64
	bus   *Bus

	ch     chan *models.RunEvent
	lagged chan struct{}

	lagOnce   sync.Once
	closeOnce sync.Once
}

// Subscribe registers a listener for runID. The caller must drain Events and
// call Close when done.
func (b *Bus) Subscribe(runID int64) *Subscription {
	s := &Subscription{
		runID:  runID,
		bus:    b,
		ch:     make(chan *models.RunEvent, b.queueSize),
		lagged: make(chan struct{}),
	}
	b.mu.Lock()
	listeners := b.subs[runID]
	if listeners == nil {
		listeners = make(map[*Subscription]struct{})
		b.subs[runID] = listeners
	}
	listeners[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to every live subscriber of its run without blocking.
// When a subscriber's queue is full, a coalescible event is dropped on the
// floor; a structural event marks the subscriber lagged instead, since a
// consumer that silently lost structure could never trust its copy of the
// timeline again.
func (b *Bus) Publish(ev *models.RunEvent) {
	if b == nil || ev == nil {
		return
	}

	var lagging []*Subscription

	b.mu.RLock()
	for s := range b.subs[ev.RunID] {
		if s.isLagged() {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if ev.Type.Coalescible() {
				b.recordDrop("coalesced")
				continue
			}
			lagging = append(lagging, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range lagging {
		s.markLagged()
		b.recordDrop("lagging_consumer")
	}
}

// SubscriberCount reports live subscriptions for a run.
func (b *Bus) SubscriberCount(runID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

func (b *Bus) recordDrop(reason string) {
	if b.metrics != nil {
		b.metrics.RecordStreamDrop(reason)
	}
}

// Events is the receive channel. It is closed by Close, never by the bus, so
// a ranging consumer terminates only on its own cancellation.
func (s *Subscription) Events() <-chan *models.RunEvent {
	return s.ch
}

// Lagged is closed when a structural event could not be queued. The consumer
// must treat the subscription as broken and re-sync from the durable log.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Close removes the subscription from the bus and closes the event channel.
// Safe to call more than once. Closing the channel after removal is safe
// because publishers only reach subscriptions through the registry, under
// the lock Close holds while removing.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		listeners := s.bus.subs[s.runID]
		if listeners != nil {
			delete(listeners, s)
			if len(listeners) == 0 {
				delete(s.bus.subs, s.runID)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) markLagged() {
	s.lagOnce.Do(func() { close(s.lagged) })
}

func (s *Subscription) isLagged() bool {
	select {
	case <-s.lagged:
		return true
	default:
		return false
	}
}
