// ABOUTME: Lock-free queues between the control side and the render callback
// ABOUTME: A bounded MPSC command FIFO with reserved capacity and an SPSC notice ring
package playcore

import (
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
)

// Params is the immutable parameter block handed to the scheduler
type Params struct {
	Volume    float64
	Crossfade time.Duration
	Curve     mixer.Curve
	EQ        *dsp.Coefficients
}

type rtKind uint8

const (
	rtPlay rtKind = iota + 1
	rtPause
	rtStop
	rtSeek
	rtParams
	rtSetTracks
	rtSetNext
	rtRewind
	rtForcePause
)

// rtCommand is what the scheduler consumes. Structural commands carry the
// coordinator generation so stale notices can be recognized.
type rtCommand struct {
	kind    rtKind
	gen     uint64
	state   State
	params  *Params
	current *prebuffer.Track
	next    *prebuffer.Track
}

type commandSlot struct {
	seq atomic.Uint64
	cmd rtCommand
}

// commandQueue is a bounded multi-producer single-consumer FIFO using
// per-slot sequence numbers. Non-critical pushes fail once only the
// reserved slots are left.
type commandQueue struct {
	slots    []commandSlot
	mask     uint64
	limit    uint64
	enqueue  atomic.Uint64
	dequeued atomic.Uint64
	deq      uint64
	dropped  atomic.Uint64
}

func newCommandQueue(capacity, reserved int) *commandQueue {
	size := 1
	for size < capacity {
		size <<= 1
	}
	reserved = min(max(reserved, 0), size-1)

	q := &commandQueue{
		slots: make([]commandSlot, size),
		mask:  uint64(size - 1),
		limit: uint64(size - reserved),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// push enqueues cmd. It returns false when the queue is full, or when only
// reserved capacity is left and cmd is not critical.
func (q *commandQueue) push(cmd rtCommand, critical bool) bool {
	for {
		pos := q.enqueue.Load()
		if !critical && pos-q.dequeued.Load() >= q.limit {
			q.dropped.Add(1)
			return false
		}
		slot := &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				slot.cmd = cmd
				slot.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			q.dropped.Add(1)
			return false
		}
	}
}

// pop dequeues the oldest command. Consumer only.
func (q *commandQueue) pop() (rtCommand, bool) {
	pos := q.deq
	slot := &q.slots[pos&q.mask]
	if slot.seq.Load() != pos+1 {
		return rtCommand{}, false
	}
	cmd := slot.cmd
	slot.cmd = rtCommand{}
	slot.seq.Store(pos + q.mask + 1)
	q.deq = pos + 1
	q.dequeued.Store(pos + 1)
	return cmd, true
}

// Len returns an estimate of queued commands
func (q *commandQueue) Len() int {
	return int(q.enqueue.Load() - q.dequeued.Load())
}

type noticeKind uint8

const (
	noticeUnderrun noticeKind = iota + 1
	noticeTransitionStarted
	noticeTransitionCompleted
	noticeRefillNeeded
	noticeSpectrumReady
	noticeRewindNeeded
	noticeFormatChanged
	noticeEndOfQueue
	noticeScrubDone
	noticeScrubTimeout
)

func (k noticeKind) String() string {
	switch k {
	case noticeUnderrun:
		return "underrun"
	case noticeTransitionStarted:
		return "transition_started"
	case noticeTransitionCompleted:
		return "transition_completed"
	case noticeRefillNeeded:
		return "refill_needed"
	case noticeSpectrumReady:
		return "spectrum_ready"
	case noticeRewindNeeded:
		return "rewind_needed"
	case noticeFormatChanged:
		return "format_changed"
	case noticeEndOfQueue:
		return "end_of_queue"
	case noticeScrubDone:
		return "scrub_done"
	case noticeScrubTimeout:
		return "scrub_timeout"
	default:
		return "unknown"
	}
}

// notice is a fixed-size message from the render callback
type notice struct {
	kind  noticeKind
	gen   uint64
	track audio.TrackID
	from  audio.TrackID
	slot  int
}

const noticeCapacity = 256

// noticeRing is single-producer (render callback) single-consumer
// (coordinator). A full ring drops the notice.
type noticeRing struct {
	buf     [noticeCapacity]notice
	head    atomic.Uint64
	tail    atomic.Uint64
	dropped atomic.Uint64
}

func (r *noticeRing) post(n notice) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= noticeCapacity {
		r.dropped.Add(1)
		return false
	}
	r.buf[head%noticeCapacity] = n
	r.head.Store(head + 1)
	return true
}

func (r *noticeRing) take() (notice, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return notice{}, false
	}
	n := r.buf[tail%noticeCapacity]
	r.buf[tail%noticeCapacity] = notice{}
	r.tail.Store(tail + 1)
	return n, true
}
