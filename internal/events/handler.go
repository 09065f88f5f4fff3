// internal/events/handler.go
package events

import (
	"context"
	"sync"
)

// Handler processes events of a specific type.
type Handler interface {
	// Handle processes an event. Should not block.
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription represents a subscription to events.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id       string
	eventBus *Bus
	typ      EventType
}

// Unsubscribe removes this subscription from the event bus.
func (s *subscription) Unsubscribe() {
	s.eventBus.unsubscribe(s.id, s.typ)
}

// Recorder is a Publisher that keeps the most recent events in memory.
// The reporting API serves owners their recent notifications from it.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewRecorder returns a Recorder keeping at most capacity events (0 means unbounded).
func NewRecorder(capacity int) *Recorder {
	return &Recorder{capacity: capacity}
}

// Publish stores the event, evicting the oldest when full.
func (r *Recorder) Publish(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if r.capacity > 0 && len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
	return nil
}

// Handle lets a Recorder subscribe to a Bus.
func (r *Recorder) Handle(_ context.Context, event Event) error {
	return r.Publish(event)
}

// Events returns a copy of the stored events, optionally filtered by type.
func (r *Recorder) Events(types ...EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, e := range r.events {
		for _, t := range types {
			if e.Type() == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// ForOwner returns the stored events addressed to ownerID, oldest first.
func (r *Recorder) ForOwner(ownerID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Owner() == ownerID {
			out = append(out, e)
		}
	}
	return out
}
