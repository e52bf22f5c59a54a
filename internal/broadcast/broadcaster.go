// Package broadcast fans enforcement events out to the live connections of a
// child. Delivery is at-most-once: a subscriber whose buffer is full misses
// the event, and devices poll the remaining budget as a backstop.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultSendBuffer is the per-subscriber buffer when none is configured.
const DefaultSendBuffer = 16

// Sink receives every event published on this instance. Emit must not block.
type Sink interface {
	Emit(ev Event)
}

// Subscription is one live connection of a child.
type Subscription struct {
	ChildID  string
	DeviceID string
	Role     Role

	events chan Event
	closed bool
}

// Events returns the channel the subscription receives on. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Broadcaster delivers events to local subscriptions and forwards them to sinks
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // key: childID
	buffer int
	sinks  []Sink
	logger zerolog.Logger
}

// New creates a broadcaster with the given per-subscriber buffer size
func New(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

// AddSink registers a sink. Call before publishing starts.
func (b *Broadcaster) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe registers a connection for the events of a child
func (b *Broadcaster) Subscribe(childID, deviceID string, role Role) *Subscription {
	sub := &Subscription{
		ChildID:  childID,
		DeviceID: deviceID,
		Role:     role,
		events:   make(chan Event, b.buffer),
	}

	b.mu.Lock()
	if _, ok := b.subs[childID]; !ok {
		b.subs[childID] = make(map[*Subscription]struct{})
	}
	b.subs[childID][sub] = struct{}{}
	b.mu.Unlock()

	metrics.Subscribers.Inc()
	b.logger.Debug().
		Str("child_id", childID).
		Str("device_id", deviceID).
		Str("role", string(role)).
		Msg("Subscribed")

	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)

	if subs, ok := b.subs[sub.ChildID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.ChildID)
		}
	}

	metrics.Subscribers.Dec()
}

// Publish delivers ev locally and hands it to every sink. It never blocks.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	b.Deliver(ev)

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Emit(ev)
	}
}

// Deliver sends ev to local subscriptions only. Full buffers drop the event.
func (b *Broadcaster) Deliver(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[ev.ChildID] {
		if !ev.matches(sub) {
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			metrics.EventsDropped.Inc()
			b.logger.Warn().
				Str("child_id", ev.ChildID).
				Str("device_id", sub.DeviceID).
				Str("kind", string(ev.Kind)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscriptions of a child
func (b *Broadcaster) SubscriberCount(childID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[childID])
}
