// Package broadcast provides the per-document ordered fan-out topic.
//
// Every document-scoped event (edits, task progress, busy/idle, results)
// is published on one topic and observed by all attached sessions. A slow
// subscriber never blocks the publisher: each subscription has a bounded
// buffer and is dropped (its channel closed) on overflow.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription buffer size used when Subscribe is
// given a non-positive value.
const DefaultBuffer = 256

// Subscription is one subscriber's view of a topic. Messages arrive on C
// in publish order. C is closed when the subscriber is unsubscribed, the
// topic closes, or the buffer overflows; Overflowed distinguishes the
// last case.
type Subscription[T any] struct {
	C <-chan T

	id         int
	ch         chan T
	overflowed atomic.Bool
	closed     bool // guarded by the owning topic's mu
}

// Overflowed reports whether the subscription was dropped because the
// publisher outran its buffer.
func (s *Subscription[T]) Overflowed() bool {
	return s.overflowed.Load()
}

// Topic is an ordered publish/subscribe fan-out channel.
//
// Thread-safety: all methods are safe for concurrent use. Publish holds
// the lock across the fan-out loop, which is what makes delivery order
// identical for every subscriber.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[int]*Subscription[T]
	nextID int
	closed bool
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]*Subscription[T])}
}

// Subscribe attaches a new subscriber with the given buffer size
// (DefaultBuffer if non-positive). Returns nil if the topic is closed.
func (t *Topic[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, ch: ch, id: t.nextID}
	t.nextID++
	t.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches a subscription and closes its channel. Messages
// still buffered for it are discarded by the subscriber going away; that
// is expected, not an error. Idempotent.
func (t *Topic[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked(sub)
}

// Publish delivers msg to every live subscriber. Holding the lock across
// the fan-out makes each subscriber's delivery order match publish order;
// the order subscribers are visited within one publish is unspecified.
// A subscriber whose buffer is full is dropped rather than waited on.
func (t *Topic[T]) Publish(msg T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.overflowed.Store(true)
			t.dropLocked(sub)
		}
	}
}

// Close drops all subscribers and rejects further publishes and
// subscriptions. Idempotent.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, sub := range t.subs {
		t.dropLocked(sub)
	}
}

// Len returns the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic[T]) dropLocked(sub *Subscription[T]) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(t.subs, sub.id)
	close(sub.ch)
}
