package timeline

import (
	"context"
	"sync"
)

// Publisher forwards committed events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// HubMetrics receives subscription instrumentation. It may be nil.
type HubMetrics interface {
	SubscriberDelta(n int)
	EventDropped()
}

// Hub fans committed events out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics HubMetrics
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, metrics HubMetrics) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
	}
}

// Subscribe registers a live subscription for orderID. The subscription ends
// when ctx is cancelled or Close is called.
func (h *Hub) Subscribe(ctx context.Context, orderID string) *Subscription {
	sub := &Subscription{
		OrderID: orderID,
		events:  make(chan Event, h.buffer),
		done:    make(chan struct{}),
		hub:     h,
	}
	h.mu.Lock()
	set, ok := h.subs[orderID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[orderID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscriberDelta(1)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers ev to the current subscribers of its order.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.OrderID] {
		if !sub.offer(ev) && h.metrics != nil {
			h.metrics.EventDropped()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orderID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.OrderID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.OrderID)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscriberDelta(-1)
	}
}

// Subscription is a cancellable live stream of one order's events.
type Subscription struct {
	OrderID string

	events chan Event
	done   chan struct{}
	hub    *Hub
	once   sync.Once

	mu      sync.Mutex
	closed  bool
	lastSeq int
}

// Events yields events in append order. The channel is closed on Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
}

// offer reports false only when the event was dropped for a full buffer.
// Events at or below the last delivered sequence are ignored so that a late
// publish can never be delivered after a newer event.
func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ev.Seq <= s.lastSeq {
		return true
	}
	select {
	case s.events <- ev:
		s.lastSeq = ev.Seq
		return true
	default:
		return false
	}
}
