// Package events provides the in-process event bus connecting the sync
// engine's components to external collaborators (logging, CLI, API
// layers). Delivery is at-least-once for subscribers that keep up with
// their queue; a subscriber that falls behind loses its oldest events,
// counted per subscription. Nothing is persisted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an event topic on the bus.
type Type string

// Bus event types emitted by the core components.
const (
	TypeFileEvent         Type = "file_event"
	TypeSyncComplete      Type = "sync_complete"
	TypeCriticalFailure   Type = "critical_failure"
	TypeErrorHandled      Type = "error_handled"
	TypeHumanIntervention Type = "human_intervention_needed"
	TypeErrorsCleared     Type = "errors_cleared"
	TypeRetryError        Type = "retry_error"
	TypePredictionMade    Type = "prediction_made"
	TypeFailureProcessed  Type = "failure_processed"
	TypeSnapshotSaved     Type = "snapshot_saved"
)

// Event is a single bus message. Payload carries the emitting
// component's typed detail (prediction features, classified error, sync
// outcome) and must be treated as read-only by subscribers.
type Event struct {
	Type    Type      `json:"type"`
	Path    string    `json:"path,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Subscription is a registered consumer of bus events. Close it when
// done; leaking subscriptions keeps their queues alive forever.
type Subscription struct {
	ch      chan Event
	types   map[Type]bool // nil means all types
	dropped atomic.Int64

	closeOnce sync.Once
	bus       *Bus
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events discarded because the
// subscription's queue was full, resetting the counter.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Swap(0)
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans events out to subscribers. All methods are safe for
// concurrent use. Publish never blocks the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]bool),
		logger: logger,
	}
}

// Subscribe registers a consumer with the given queue depth. When types
// is empty the subscription receives every event; otherwise only the
// listed types are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		ch:  make(chan Event, buffer),
		bus: b,
	}

	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to every matching subscription. A full
// subscription queue sheds its oldest event to make room, so slow
// consumers see the newest state rather than stalling publishers.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}

		select {
		case sub.ch <- ev:
		default:
			// Shed the oldest queued event, then retry once.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}

			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(t Type, path string, payload any) {
	b.Publish(Event{Type: t, Path: path, Time: time.Now(), Payload: payload})
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
