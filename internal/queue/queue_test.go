package queue

import (
	"testing"

	"github.com/pmx/exchange-core/internal/model"
)

func TestRequestQueue_FIFO(t *testing.T) {
	q := NewRequestQueue(8)
	for id := uint64(1); id <= 5; id++ {
		if err := q.Enqueue(model.Request{OrderID: id}); err != nil {
			t.Fatalf("enqueue %d failed: %v", id, err)
		}
	}
	if q.Len() != 5 {
		t.Errorf("expected length 5, got %d", q.Len())
	}

	out := q.DequeueUpTo(3)
	if len(out) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(out))
	}
	for i, r := range out {
		if r.OrderID != uint64(i+1) {
			t.Errorf("position %d: expected order %d, got %d", i, i+1, r.OrderID)
		}
	}
	if q.Len() != 2 {
		t.Errorf("expected length 2 after dequeue, got %d", q.Len())
	}
}

func TestRequestQueue_FullRejects(t *testing.T) {
	q := NewRequestQueue(2)
	if err := q.Enqueue(model.Request{OrderID: 1}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(model.Request{OrderID: 2}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(model.Request{OrderID: 3}); err != ErrRequestQueueFull {
		t.Errorf("expected ErrRequestQueueFull, got %v", err)
	}
	// The rejected request must not displace buffered ones.
	out := q.DequeueUpTo(2)
	if out[0].OrderID != 1 || out[1].OrderID != 2 {
		t.Errorf("buffered requests corrupted: %d, %d", out[0].OrderID, out[1].OrderID)
	}
}

func TestRequestQueue_Wraparound(t *testing.T) {
	q := NewRequestQueue(4)
	next := uint64(1)
	want := uint64(1)
	// Push the head through the physical array twice over.
	for i := 0; i < 8; i++ {
		for q.Len() < q.Cap() {
			if err := q.Enqueue(model.Request{OrderID: next}); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			next++
		}
		for _, r := range q.DequeueUpTo(3) {
			if r.OrderID != want {
				t.Fatalf("expected order %d, got %d", want, r.OrderID)
			}
			want++
		}
	}
}

func TestRequestQueue_DequeueMoreThanBuffered(t *testing.T) {
	q := NewRequestQueue(4)
	q.Enqueue(model.Request{OrderID: 1})
	out := q.DequeueUpTo(10)
	if len(out) != 1 {
		t.Errorf("expected 1 request, got %d", len(out))
	}
	if len(q.DequeueUpTo(10)) != 0 {
		t.Error("empty queue must dequeue nothing")
	}
}

func TestRequestQueue_NonPositiveBatch(t *testing.T) {
	q := NewRequestQueue(4)
	q.Enqueue(model.Request{OrderID: 1})
	q.Enqueue(model.Request{OrderID: 2})

	if out := q.DequeueUpTo(0); len(out) != 0 {
		t.Errorf("n=0 must dequeue nothing, got %d", len(out))
	}
	if out := q.DequeueUpTo(-3); len(out) != 0 {
		t.Errorf("negative n must dequeue nothing, got %d", len(out))
	}
	if q.Len() != 2 {
		t.Errorf("buffered requests must survive, got %d", q.Len())
	}
}

func TestEventQueue_NonPositiveBatch(t *testing.T) {
	q := NewEventQueue(4)
	q.Push(model.Event{OrderID: 1})

	if out := q.PeekUpTo(-1); len(out) != 0 {
		t.Errorf("negative peek must read nothing, got %d", len(out))
	}
	if out := q.PopUpTo(-1); len(out) != 0 {
		t.Errorf("negative pop must consume nothing, got %d", len(out))
	}
	if q.Len() != 1 {
		t.Errorf("buffered event must survive, got %d", q.Len())
	}
}

func TestEventQueue_PeekDoesNotConsume(t *testing.T) {
	q := NewEventQueue(8)
	for id := uint64(1); id <= 3; id++ {
		if err := q.Push(model.Event{OrderID: id}); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	peeked := q.PeekUpTo(2)
	if len(peeked) != 2 || peeked[0].OrderID != 1 || peeked[1].OrderID != 2 {
		t.Fatalf("peek returned wrong events: %+v", peeked)
	}
	if q.Len() != 3 {
		t.Errorf("peek must not consume, length is %d", q.Len())
	}
	// Peeking again yields the same head.
	again := q.PeekUpTo(1)
	if again[0].OrderID != 1 {
		t.Errorf("second peek moved the head: %d", again[0].OrderID)
	}
}

func TestEventQueue_PopConsumes(t *testing.T) {
	q := NewEventQueue(4)
	for id := uint64(1); id <= 3; id++ {
		q.Push(model.Event{OrderID: id})
	}
	out := q.PopUpTo(1)
	if out[0].OrderID != 1 {
		t.Errorf("expected event 1, got %d", out[0].OrderID)
	}
	out = q.PopUpTo(5)
	if len(out) != 2 || out[0].OrderID != 2 || out[1].OrderID != 3 {
		t.Errorf("expected events 2 and 3, got %+v", out)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got length %d", q.Len())
	}
}

func TestEventQueue_FullRejects(t *testing.T) {
	q := NewEventQueue(1)
	if err := q.Push(model.Event{OrderID: 1}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := q.Push(model.Event{OrderID: 2}); err != ErrEventQueueFull {
		t.Errorf("expected ErrEventQueueFull, got %v", err)
	}
}

func TestEventQueue_Wraparound(t *testing.T) {
	q := NewEventQueue(4)
	next := uint64(1)
	want := uint64(1)
	for i := 0; i < 8; i++ {
		for q.Len() < q.Cap() {
			if err := q.Push(model.Event{OrderID: next}); err != nil {
				t.Fatalf("push failed: %v", err)
			}
			next++
		}
		for _, e := range q.PopUpTo(3) {
			if e.OrderID != want {
				t.Fatalf("expected event %d, got %d", want, e.OrderID)
			}
			want++
		}
	}
}
