// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/eventrelay/internal/adapter/otel"
	"github.com/Strob0t/eventrelay/internal/domain/event"
)

// DefaultQueueSize bounds each subscription's queue when none is configured.
const DefaultQueueSize = 1024

// Bus is the in-process multicast channel between the publisher and live
// sessions. It keeps no history. Each subscription owns a bounded queue so
// a slow session never blocks Push; when a queue is full its oldest event
// is dropped.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
	metrics   *cfotel.Metrics
}

// NewBus creates a bus whose subscriptions buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// SetMetrics enables drop counting.
func (b *Bus) SetMetrics(m *cfotel.Metrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// Subscription is one receiver on the bus.
type Subscription struct {
	bus     *Bus
	filter  event.Filter
	ch      chan event.Event
	dropped atomic.Int64
	closed  bool // guarded by bus.mu
}

// C returns the receive channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once and after Bus.Close.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe registers a receiver for events matching filter (empty = all).
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(filter event.Filter) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan event.Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Push delivers ev to every current subscriber whose filter matches.
// Pushes are serialized, so all subscribers observe the same order.
func (b *Bus) Push(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		if !s.filter.Matches(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}

		// Queue full: make room by discarding the oldest queued event.
		// Only Push sends, and Push holds b.mu, so the retry cannot block.
		var lost event.Event
		select {
		case lost = <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
			lost = ev
		}
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("subscriber queue full, dropped oldest event",
				"dropped_id", lost.ID, "dropped_total", n, "queue_size", b.queueSize)
		}
		if b.metrics != nil {
			b.metrics.EventsDropped.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", "queue_full")))
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are born closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.closed = true
		close(s.ch)
		delete(b.subs, s)
	}
}
