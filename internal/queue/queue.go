// Package queue provides the two bounded circular buffers of the request →
// match → event pipeline. Both are fixed-capacity arrays with head/count
// bookkeeping: logical index i lives at physical slot (head+i) mod capacity,
// and head/count only ever advance. A full queue rejects the enqueue rather
// than growing, so back-pressure is explicit and caller-visible.
package queue

import (
	"errors"

	"github.com/pmx/exchange-core/internal/model"
)

var (
	// ErrRequestQueueFull is returned when the intake buffer is at capacity;
	// the caller retries after a matching crank drains it.
	ErrRequestQueueFull = errors.New("queue: request queue full")

	// ErrEventQueueFull is returned when the event buffer is at capacity;
	// the caller retries after a settlement crank drains it.
	ErrEventQueueFull = errors.New("queue: event queue full")
)

// RequestQueue buffers incoming intents between the intake surface and the
// matching engine.
type RequestQueue struct {
	head     uint64
	count    uint64
	requests []model.Request
}

// NewRequestQueue allocates a request ring with the given fixed capacity.
func NewRequestQueue(capacity int) *RequestQueue {
	return &RequestQueue{requests: make([]model.Request, capacity)}
}

// Len returns the number of buffered requests.
func (q *RequestQueue) Len() int { return int(q.count) }

// Cap returns the fixed capacity.
func (q *RequestQueue) Cap() int { return len(q.requests) }

// Enqueue copies the request into the ring, failing with
// ErrRequestQueueFull at capacity.
func (q *RequestQueue) Enqueue(r model.Request) error {
	if q.count >= uint64(len(q.requests)) {
		return ErrRequestQueueFull
	}
	q.requests[(q.head+q.count)%uint64(len(q.requests))] = r
	q.count++
	return nil
}

// DequeueUpTo pops min(n, count) oldest requests in FIFO order, advancing
// head and count. A non-positive n pops nothing.
func (q *RequestQueue) DequeueUpTo(n int) []model.Request {
	if n <= 0 {
		return nil
	}
	take := uint64(n)
	if take > q.count {
		take = q.count
	}
	out := make([]model.Request, 0, take)
	for i := uint64(0); i < take; i++ {
		out = append(out, q.requests[(q.head+i)%uint64(len(q.requests))])
	}
	q.head = (q.head + take) % uint64(len(q.requests))
	q.count -= take
	return out
}

// EventQueue buffers match outcomes between the matching engine (sole
// producer) and the settlement pass (sole consumer).
type EventQueue struct {
	head   uint64
	count  uint64
	events []model.Event
}

// NewEventQueue allocates an event ring with the given fixed capacity.
func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{events: make([]model.Event, capacity)}
}

// Len returns the number of buffered events.
func (q *EventQueue) Len() int { return int(q.count) }

// Cap returns the fixed capacity.
func (q *EventQueue) Cap() int { return len(q.events) }

// Push copies the event into the ring, failing with ErrEventQueueFull at
// capacity.
func (q *EventQueue) Push(e model.Event) error {
	if q.count >= uint64(len(q.events)) {
		return ErrEventQueueFull
	}
	q.events[(q.head+q.count)%uint64(len(q.events))] = e
	q.count++
	return nil
}

// PeekUpTo reads min(n, count) oldest events without consuming them. A
// non-positive n reads nothing.
func (q *EventQueue) PeekUpTo(n int) []model.Event {
	if n <= 0 {
		return nil
	}
	take := uint64(n)
	if take > q.count {
		take = q.count
	}
	out := make([]model.Event, 0, take)
	for i := uint64(0); i < take; i++ {
		out = append(out, q.events[(q.head+i)%uint64(len(q.events))])
	}
	return out
}

// PopUpTo consumes min(n, count) oldest events in FIFO order. Settlement
// idempotency rests entirely on this head/count advance: a popped event is
// never replayed.
func (q *EventQueue) PopUpTo(n int) []model.Event {
	out := q.PeekUpTo(n)
	q.head = (q.head + uint64(len(out))) % uint64(len(q.events))
	q.count -= uint64(len(out))
	return out
}
