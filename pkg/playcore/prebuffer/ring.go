// ABOUTME: Lock-free single-producer single-consumer float32 ring buffer
// ABOUTME: Positions are absolute sample counters so readers can skip to a recorded mark
package prebuffer

import "sync/atomic"

// Ring is a fixed-capacity SPSC sample ring. One goroutine writes, one
// reads; neither blocks nor allocates. Head and tail count samples since
// creation and only wrap modulo the capacity when indexing.
type Ring struct {
	samples []float32
	size    uint64
	head    atomic.Uint64 // write position (producer)
	tail    atomic.Uint64 // read position (consumer)
}

// NewRing creates a ring holding capacity samples
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		samples: make([]float32, capacity),
		size:    uint64(capacity),
	}
}

// Cap returns the capacity in samples
func (r *Ring) Cap() int { return int(r.size) }

// Len returns the samples available to read
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Free returns the samples that can be written
func (r *Ring) Free() int {
	return int(r.size - (r.head.Load() - r.tail.Load()))
}

// Head returns the absolute write position
func (r *Ring) Head() uint64 { return r.head.Load() }

// Tail returns the absolute read position
func (r *Ring) Tail() uint64 { return r.tail.Load() }

// Write appends as many samples as fit and returns the count written
func (r *Ring) Write(samples []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()

	n := min(len(samples), int(r.size-(head-tail)))
	if n == 0 {
		return 0
	}

	start := int(head % r.size)
	first := min(n, int(r.size)-start)
	copy(r.samples[start:start+first], samples[:first])
	copy(r.samples, samples[first:n])

	r.head.Store(head + uint64(n))
	return n
}

// Read copies up to len(dst) samples, never past limit, and returns the count
func (r *Ring) Read(dst []float32, limit uint64) int {
	tail := r.tail.Load()
	head := min(r.head.Load(), limit)
	if head <= tail {
		return 0
	}

	n := min(len(dst), int(head-tail))
	start := int(tail % r.size)
	first := min(n, int(r.size)-start)
	copy(dst[:first], r.samples[start:start+first])
	copy(dst[first:n], r.samples[:n-first])

	r.tail.Store(tail + uint64(n))
	return n
}

// SkipTo advances the read position to mark, discarding everything before
// it. Marks behind the tail are ignored. Reader side only.
func (r *Ring) SkipTo(mark uint64) {
	tail := r.tail.Load()
	head := r.head.Load()
	mark = min(mark, head)
	if mark > tail {
		r.tail.Store(mark)
	}
}
