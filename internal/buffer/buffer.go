package buffer

import (
	"sync"
)

// Queue is a FIFO of pending items owned by one transaction scope.
// Once discarded it silently drops further pushes.
type Queue[T any] struct {
	mu        sync.Mutex
	ts        []T
	discarded bool
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends e. It reports false when the queue was already discarded.
func (q *Queue[T]) Push(e T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.discarded {
		return false
	}
	q.ts = append(q.ts, e)
	return true
}

// Drain returns the queued items in insertion order and empties the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	es := q.ts
	q.ts = nil
	q.mu.Unlock()
	return es
}

// Discard drops everything queued and closes the queue for further pushes.
// It returns how many items were dropped.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ts)
	q.ts = nil
	q.discarded = true
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ts)
}
