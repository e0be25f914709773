// ABOUTME: Tests for the lock-free command FIFO and notice ring
// ABOUTME: Checks reserved capacity, ordering under concurrent producers and overflow accounting
package playcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueueRoundsToPowerOfTwo(t *testing.T) {
	q := newCommandQueue(5, 2)
	assert.Len(t, q.slots, 8)
	assert.Equal(t, uint64(6), q.limit)
}

func TestCommandQueueFIFO(t *testing.T) {
	q := newCommandQueue(8, 0)
	for i := 1; i <= 5; i++ {
		require.True(t, q.push(rtCommand{kind: rtParams, gen: uint64(i)}, false))
	}
	assert.Equal(t, 5, q.Len())

	for i := 1; i <= 5; i++ {
		cmd, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i), cmd.gen)
	}
	_, ok := q.pop()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestCommandQueueReservedCapacity(t *testing.T) {
	q := newCommandQueue(8, 2)

	for i := 0; i < 6; i++ {
		require.True(t, q.push(rtCommand{kind: rtParams}, false))
	}
	assert.False(t, q.push(rtCommand{kind: rtParams}, false), "non-critical must not use reserved slots")
	assert.Equal(t, uint64(1), q.dropped.Load())

	require.True(t, q.push(rtCommand{kind: rtPause}, true))
	require.True(t, q.push(rtCommand{kind: rtStop}, true))
	assert.False(t, q.push(rtCommand{kind: rtPlay}, true), "queue is full")

	// Draining frees room for both classes again
	for i := 0; i < 3; i++ {
		_, ok := q.pop()
		require.True(t, ok)
	}
	assert.True(t, q.push(rtCommand{kind: rtParams}, false))

	var kinds []rtKind
	for {
		cmd, ok := q.pop()
		if !ok {
			break
		}
		kinds = append(kinds, cmd.kind)
	}
	assert.Equal(t, []rtKind{rtParams, rtParams, rtParams, rtPause, rtStop, rtParams}, kinds)
}

func TestCommandQueueWrapsAround(t *testing.T) {
	q := newCommandQueue(4, 1)
	for round := 0; round < 50; round++ {
		require.True(t, q.push(rtCommand{kind: rtSeek, gen: uint64(round)}, true))
		require.True(t, q.push(rtCommand{kind: rtPlay, gen: uint64(round)}, true))
		a, ok := q.pop()
		require.True(t, ok)
		b, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, rtSeek, a.kind)
		assert.Equal(t, rtPlay, b.kind)
		assert.Equal(t, uint64(round), b.gen)
	}
}

func TestCommandQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 2000
	q := newCommandQueue(64, 0)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				// gen encodes producer and sequence
				if q.push(rtCommand{kind: rtParams, gen: uint64(p)<<32 | uint64(i)}, true) {
					i++
				}
			}
		}(p)
	}

	last := make([]int64, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	for received < producers*perProducer {
		cmd, ok := q.pop()
		if !ok {
			continue
		}
		p, seq := int(cmd.gen>>32), int64(cmd.gen&0xffffffff)
		require.Equal(t, last[p]+1, seq, "producer %d out of order", p)
		last[p] = seq
		received++
	}
	wg.Wait()

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestNoticeRingOverflow(t *testing.T) {
	var r noticeRing
	for i := 0; i < noticeCapacity; i++ {
		require.True(t, r.post(notice{kind: noticeRefillNeeded, gen: uint64(i)}))
	}
	assert.False(t, r.post(notice{kind: noticeUnderrun}))
	assert.Equal(t, uint64(1), r.dropped.Load())

	for i := 0; i < noticeCapacity; i++ {
		n, ok := r.take()
		require.True(t, ok)
		assert.Equal(t, uint64(i), n.gen)
	}
	_, ok := r.take()
	assert.False(t, ok)

	require.True(t, r.post(notice{kind: noticeEndOfQueue}))
	n, ok := r.take()
	require.True(t, ok)
	assert.Equal(t, noticeEndOfQueue, n.kind)
}

func TestNoticeKindString(t *testing.T) {
	assert.Equal(t, "underrun", noticeUnderrun.String())
	assert.Equal(t, "rewind_needed", noticeRewindNeeded.String())
	assert.Equal(t, "scrub_timeout", noticeScrubTimeout.String())
	assert.Equal(t, "unknown", noticeKind(0).String())
}
