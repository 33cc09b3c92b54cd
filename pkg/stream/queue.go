package stream

import (
	"context"
	"encoding/json"
	"sync"
)

// EventQueue bridges push-based event production to the pull-based chunk
// contract of the inference stream body. Strict FIFO, exactly one consumer.
// Close terminates iteration immediately, discarding anything still queued.
type EventQueue struct {
	mu     sync.Mutex
	events []Event

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newEventQueue() *EventQueue {
	return &EventQueue{
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends an event and signals the consumer. Pushes after Close are
// dropped.
func (q *EventQueue) Push(ev Event) {
	select {
	case <-q.closed:
		return
	default:
	}

	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Next implements inference.ChunkSource. It blocks until an event is queued
// or the queue closes; a fired close signal wins even when events remain.
// Each returned chunk is one event serialized as a UTF-8 JSON envelope.
func (q *EventQueue) Next(ctx context.Context) ([]byte, bool) {
	for {
		select {
		case <-q.closed:
			return nil, false
		default:
		}

		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()

			chunk, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			return chunk, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.closed:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close fires the close signal and discards queued events. Idempotent.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.events = nil
		q.mu.Unlock()
		close(q.closed)
	})
}

// Len reports the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// snapshot returns a copy of the queued events, for inspection in tests and
// close sequencing checks.
func (q *EventQueue) snapshot() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, len(q.events))
	copy(out, q.events)
	return out
}
