package jit

import "sync"

// CompileQueue is a de-duplicating FIFO CompileRequestSink. The CPU loop
// pushes requests; a dispatcher drains them in arrival order.
type CompileQueue struct {
	mu      sync.Mutex
	queue   []uint64
	pending map[uint64]struct{}
}

func NewCompileQueue() *CompileQueue {
	return &CompileQueue{pending: make(map[uint64]struct{})}
}

// RequestCompile enqueues entryRIP unless it is already queued.
func (q *CompileQueue) RequestCompile(entryRIP uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[entryRIP]; ok {
		return
	}
	q.pending[entryRIP] = struct{}{}
	q.queue = append(q.queue, entryRIP)
}

// Drain removes and returns every queued RIP in FIFO order.
func (q *CompileQueue) Drain() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.queue
	q.queue = nil
	clear(q.pending)
	return drained
}

// Clear drops every queued request.
func (q *CompileQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	clear(q.pending)
}

func (q *CompileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
