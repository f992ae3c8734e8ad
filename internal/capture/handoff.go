package capture

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the number of chunks the handoff buffers.
const DefaultQueueCapacity = 32

// Handoff moves chunks from a device callback to the pipeline consumer.
//
// Push never blocks: a chunk that does not fit is dropped. Push and Close
// belong to the producer and must not run concurrently with each other;
// Close is called once the stream has stopped. Detach belongs to the
// consumer and makes further pushes no-ops.
type Handoff struct {
	ch       chan []float32
	detached chan struct{}

	closed     atomic.Bool
	closeOnce  sync.Once
	detachOnce sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewHandoff creates a handoff holding up to capacity chunks
func NewHandoff(capacity int) *Handoff {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Handoff{
		ch:       make(chan []float32, capacity),
		detached: make(chan struct{}),
	}
}

// Push copies samples into the queue. It reports whether the chunk was
// enqueued.
func (h *Handoff) Push(samples []float32) bool {
	if len(samples) == 0 || h.closed.Load() {
		return false
	}

	select {
	case <-h.detached:
		return false
	default:
	}

	// Only the producer sends, so a full queue stays full until we return.
	if len(h.ch) == cap(h.ch) {
		h.dropped.Add(1)
		return false
	}

	chunk := make([]float32, len(samples))
	copy(chunk, samples)

	select {
	case h.ch <- chunk:
		h.enqueued.Add(1)
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Close signals the consumer that no more chunks will arrive.
func (h *Handoff) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.ch)
	})
}

// Detach tells the producer the consumer has stopped reading.
func (h *Handoff) Detach() {
	h.detachOnce.Do(func() {
		close(h.detached)
	})
}

// Chunks returns the consumer side of the queue.
func (h *Handoff) Chunks() <-chan []float32 {
	return h.ch
}

// Detached is closed once the consumer stopped reading.
func (h *Handoff) Detached() <-chan struct{} {
	return h.detached
}

// Enqueued returns the number of chunks accepted so far
func (h *Handoff) Enqueued() uint64 {
	return h.enqueued.Load()
}

// Dropped returns the number of chunks dropped because the queue was full
func (h *Handoff) Dropped() uint64 {
	return h.dropped.Load()
}

// Len returns the number of chunks waiting
func (h *Handoff) Len() int {
	return len(h.ch)
}
