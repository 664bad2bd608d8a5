// Package queue implements the two-buffer SwappingQueue: producers push to
// the active buffer under a short-lived mutex; the single consumer drains
// the frozen buffer lock-free, then calls SwitchContext once it is empty.
package queue

import (
	"sync"

	"github.com/brinelog/ingestd/entity"
)

// SwappingQueue is a double-buffered FIFO with exactly one consumer.
// Producers serialize on a single mutex guarding only the active buffer;
// the consumer reads the frozen buffer without taking that mutex, and
// SwitchContext only briefly acquires it to move active into frozen.
type SwappingQueue struct {
	mu     sync.Mutex
	active []entity.RawRequest

	// frozen is owned by the single consumer goroutine between calls to
	// SwitchContext and is never touched by producers.
	frozen []entity.RawRequest
}

// New returns an empty SwappingQueue.
func New() *SwappingQueue {
	return &SwappingQueue{}
}

// Push appends item to the active buffer. Safe for concurrent use by
// multiple producers.
func (q *SwappingQueue) Push(item entity.RawRequest) {
	q.mu.Lock()
	q.active = append(q.active, item)
	q.mu.Unlock()
}

// Size returns the number of items in the frozen buffer, i.e. what the
// consumer has yet to process this epoch. Must only be called by the
// consumer.
func (q *SwappingQueue) Size() int {
	return len(q.frozen)
}

// BacklogSize returns the number of items accumulated in the active buffer
// since the last SwitchContext. Safe for concurrent use.
func (q *SwappingQueue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Pull pops the front item of the frozen buffer. Must only be called by
// the single consumer, and only when Size() > 0.
func (q *SwappingQueue) Pull() entity.RawRequest {
	item := q.frozen[0]
	q.frozen = q.frozen[1:]
	return item
}

// SwitchContext atomically moves the active buffer into frozen. It must
// only be called once the consumer has fully drained frozen, so that
// items pushed during the previous drain are picked up strictly after it,
// preserving FIFO per active-buffer epoch.
func (q *SwappingQueue) SwitchContext() {
	q.mu.Lock()
	q.frozen, q.active = q.active, q.frozen[:0]
	q.mu.Unlock()
}
