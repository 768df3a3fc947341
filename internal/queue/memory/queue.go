// Package memory provides the in-process task queue used by campaign runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Queue is an unbounded FIFO of task identifiers. Blocked DequeueOrWait
// callers are served strictly in arrival order.
type Queue struct {
	mu      sync.Mutex
	items   []string
	waiters []chan string
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// EnqueueAll appends the ids in order, handing them directly to blocked
// waiters first. The context guards against enqueueing into an abandoned run.
func (q *Queue) EnqueueAll(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if len(q.waiters) > 0 {
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			w <- id
			continue
		}
		q.items = append(q.items, id)
	}
	return nil
}

// Dequeue pops the oldest id without blocking.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// DequeueOrWait pops the oldest id, blocking until one arrives or ctx ends.
func (q *Queue) DequeueOrWait(ctx context.Context) (string, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		id := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return id, nil
	}
	w := make(chan string, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case id := <-w:
		return id, nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, c := range q.waiters {
			if c == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		// An id may have been handed off while cancellation raced; put it
		// back at the head so it is not lost.
		select {
		case id := <-w:
			q.mu.Lock()
			q.items = append([]string{id}, q.items...)
			q.mu.Unlock()
		default:
		}
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Remaining reports how many ids are queued.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain discards every queued id. Blocked waiters stay blocked; they belong
// to worker loops whose context the caller cancels alongside the drain.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
