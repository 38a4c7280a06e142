// Package chunkqueue implements the index queue shared by the download
// and upload supervisors. The queue has no fixed capacity: Push and
// PushBatch always append, whatever the number of indices already held.
package chunkqueue

import "sync"

// Queue is a thread-safe FIFO of chunk indices still to transfer. Workers
// Pop an index, transfer it, and either drop it (success) or Push it
// back (revert, on error or cancellation) — see spec §3's supervisor
// invariant.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	indices []uint64
	head    int
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// FromRange creates a queue preloaded with 0..n (exclusive).
func FromRange(n uint64) *Queue {
	q := New()
	indices := make([]uint64, n)
	for i := range indices {
		indices[i] = uint64(i)
	}
	q.PushBatch(indices)
	return q
}

// FromSet creates a queue preloaded with exactly the given indices, used
// for resuming an upload from the set of missing shards the server
// reports (spec §4.4, §8.6).
func FromSet(indices []uint64) *Queue {
	q := New()
	q.PushBatch(indices)
	return q
}

// Push reverts a single index back onto the queue.
func (q *Queue) Push(idx uint64) {
	q.mu.Lock()
	q.indices = append(q.indices, idx)
	q.cond.Signal()
	q.mu.Unlock()
}

// PushBatch adds multiple indices at once.
func (q *Queue) PushBatch(indices []uint64) {
	if len(indices) == 0 {
		return
	}
	q.mu.Lock()
	q.indices = append(q.indices, indices...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Pop removes and returns the next index. ok is false once the queue is
// both empty and closed.
func (q *Queue) Pop() (idx uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.indices)-q.head == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.indices)-q.head == 0 {
		return 0, false
	}

	idx = q.indices[q.head]
	q.head++
	if q.head > len(q.indices)/2 {
		q.indices = append([]uint64(nil), q.indices[q.head:]...)
		q.head = 0
	}
	return idx, true
}

// TryPop is a non-blocking variant of Pop for callers that must also
// watch a pause token or context alongside the queue (the supervisor
// loop in spec §4.3 never blocks indefinitely on the queue itself — it
// polls and falls back to "wait for in-flight workers" or "done").
func (q *Queue) TryPop() (idx uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.indices)-q.head == 0 {
		return 0, false
	}
	idx = q.indices[q.head]
	q.head++
	if q.head > len(q.indices)/2 {
		q.indices = append([]uint64(nil), q.indices[q.head:]...)
		q.head = 0
	}
	return idx, true
}

// Close marks the queue done: blocked Pop calls return ok=false once
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len reports the number of indices still queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.indices) - q.head
}

// Closed reports whether Close has been called. A TryPop caller uses
// this to tell "drained for good" from "empty for now, more may arrive
// via Push".
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
