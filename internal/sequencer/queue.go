package sequencer

import (
	"context"
	"sync"
)

// submitQueue is a thread-safe FIFO feeding the single consumer loop.
//
// Any number of producers enqueue; exactly one consumer dequeues. The
// signal channel (buffered, size 1) coalesces wake-ups so the consumer
// can wait without spinning and without missing events.
type submitQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newSubmitQueue() *submitQueue {
	return &submitQueue{
		items:  make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds an event. Returns false if the queue is closed.
func (q *submitQueue) enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes the front event without blocking.
func (q *submitQueue) tryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// wait blocks until an event may be available or ctx is done.
func (q *submitQueue) wait(ctx context.Context) error {
	select {
	case <-q.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close rejects further enqueues and returns the drained remainder so the
// consumer can fail outstanding completions instead of dropping them.
func (q *submitQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
