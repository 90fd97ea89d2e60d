// Package queue implements the bounded FIFO work queues that sit between
// the feeder, the UDP worker group, and the TCP worker group: Put/Get/Len
// with bounded capacity and a shutdown marker distinct from any real item,
// backed by a native buffered channel so backpressure collapses into
// ordinary blocking channel sends/receives.
package queue

import "context"

// Item is the tagged union carried by the input and TCP-fallback queues:
// either a domain to query, or the shutdown marker. Shutdown is never a
// valid domain value.
type Item struct {
	Domain   string
	Shutdown bool
}

// Shutdown constructs the shutdown sentinel item.
func Shutdown() Item {
	return Item{Shutdown: true}
}

// Queue is a fixed-capacity FIFO of Item. The zero value is not usable;
// construct with New.
type Queue struct {
	ch chan Item
}

// New allocates a queue with the given capacity. Capacity must be positive;
// a zero or negative capacity is rounded up to 1 so Put never has a no-op
// buffer to deadlock against.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Item, capacity)}
}

// Put blocks until there is room in the queue or the context is cancelled.
// The queue itself is never closed; callers coordinate shutdown via the
// Shutdown item instead.
func (q *Queue) Put(ctx context.Context, item Item) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut attempts a non-blocking enqueue. It reports false when the queue
// is at capacity.
func (q *Queue) TryPut(item Item) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// Get blocks until an item is available or the context is cancelled.
func (q *Queue) Get(ctx context.Context) (Item, bool) {
	select {
	case item, ok := <-q.ch:
		return item, ok
	case <-ctx.Done():
		return Item{}, false
	}
}

// TryGet attempts a non-blocking dequeue. ok is false when the queue is
// currently empty.
func (q *Queue) TryGet() (item Item, ok bool) {
	select {
	case item, ok = <-q.ch:
		return item, ok
	default:
		return Item{}, false
	}
}

// Len reports the current item count, a point-in-time snapshot under
// concurrent use.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
