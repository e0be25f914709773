// ABOUTME: Tests for the reference loader
// ABOUTME: Uses a fake sink with a bounded capacity to exercise refill-driven delivery
package loader

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu       sync.Mutex
	capacity int
	held     int
	reject   map[audio.TrackID]error
	seqs     map[audio.TrackID][]uint64
	samples  map[audio.TrackID]int
	ended    map[audio.TrackID]bool
	failures map[audio.TrackID]playcore.ErrorKind
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{
		capacity: capacity,
		reject:   make(map[audio.TrackID]error),
		seqs:     make(map[audio.TrackID][]uint64),
		samples:  make(map[audio.TrackID]int),
		ended:    make(map[audio.TrackID]bool),
		failures: make(map[audio.TrackID]playcore.ErrorKind),
	}
}

func (s *fakeSink) Push(id audio.TrackID, seq uint64, samples []float32, format audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reject[id]; err != nil {
		return err
	}
	if s.capacity > 0 && s.held+len(samples) > s.capacity {
		return prebuffer.ErrFull
	}
	s.held += len(samples)
	s.seqs[id] = append(s.seqs[id], seq)
	s.samples[id] += len(samples)
	return nil
}

func (s *fakeSink) MarkEndOfTrack(id audio.TrackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended[id] = true
	return nil
}

func (s *fakeSink) MarkError(id audio.TrackID, kind playcore.ErrorKind, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = kind
	return nil
}

func (s *fakeSink) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = 0
}

func (s *fakeSink) pushed(id audio.TrackID) (seqs []uint64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs[id]...), s.samples[id]
}

func (s *fakeSink) isEnded(id audio.TrackID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended[id]
}

func (s *fakeSink) failure(id audio.TrackID) playcore.ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

func newTestLoader(t *testing.T, sink Sink, config Config) *Loader {
	t.Helper()
	if config.BlockFrames == 0 {
		config.BlockFrames = 256
	}
	l := New(config, logging.NewTestLogger(t))
	l.Attach(sink)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func load(t *testing.T, l *Loader, id audio.TrackID, offset time.Duration, seq uint64) {
	t.Helper()
	desc, err := l.Resolve(id)
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background(), playcore.LoadRequest{Track: desc, Offset: offset, SeqFloor: seq}))
}

func TestLoaderDeliversWholeTrack(t *testing.T) {
	sink := newFakeSink(0)
	l := newTestLoader(t, sink, Config{})

	const id = audio.TrackID("tone:440:1s:8000")
	load(t, l, id, 0, 5)

	require.Eventually(t, func() bool { return sink.isEnded(id) }, 5*time.Second, 5*time.Millisecond)
	seqs, samples := sink.pushed(id)
	assert.Equal(t, 8000*2, samples)
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.Equal(t, uint64(5+i), seq)
	}
	assert.Eventually(t, func() bool { return l.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLoaderHonorsOffset(t *testing.T) {
	sink := newFakeSink(0)
	l := newTestLoader(t, sink, Config{})

	const id = audio.TrackID("tone:440:1s:8000")
	load(t, l, id, 750*time.Millisecond, 0)

	require.Eventually(t, func() bool { return sink.isEnded(id) }, 5*time.Second, 5*time.Millisecond)
	_, samples := sink.pushed(id)
	assert.Equal(t, 2000*2, samples)
}

func TestLoaderWaitsForRefill(t *testing.T) {
	sink := newFakeSink(1024)
	l := newTestLoader(t, sink, Config{RetryInterval: time.Hour})

	const id = audio.TrackID("tone:440:1s:8000")
	load(t, l, id, 0, 0)

	require.Eventually(t, func() bool {
		seqs, _ := sink.pushed(id)
		return len(seqs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	// Full: nothing more arrives without a refill
	time.Sleep(50 * time.Millisecond)
	seqs, _ := sink.pushed(id)
	assert.Len(t, seqs, 2)
	assert.False(t, sink.isEnded(id))

	sink.drain()
	l.Refill(playcore.RefillRequest{TrackID: id, FreeFrames: 512})
	require.Eventually(t, func() bool {
		seqs, _ := sink.pushed(id)
		return len(seqs) == 4
	}, 5*time.Second, 5*time.Millisecond)

	// Refills for unknown tracks are ignored
	l.Refill(playcore.RefillRequest{TrackID: "other"})
}

func TestLoaderReloadReplacesDelivery(t *testing.T) {
	sink := newFakeSink(1024)
	l := newTestLoader(t, sink, Config{RetryInterval: time.Hour})

	const id = audio.TrackID("tone:440:1s:8000")
	load(t, l, id, 0, 0)
	require.Eventually(t, func() bool {
		seqs, _ := sink.pushed(id)
		return len(seqs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	sink.drain()
	load(t, l, id, 500*time.Millisecond, 100)
	require.Eventually(t, func() bool {
		seqs, _ := sink.pushed(id)
		return len(seqs) >= 3 && seqs[len(seqs)-1] >= 100
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.Active())
}

func TestLoaderCancel(t *testing.T) {
	sink := newFakeSink(512)
	l := newTestLoader(t, sink, Config{RetryInterval: time.Hour})

	const id = audio.TrackID("tone:440:1s:8000")
	load(t, l, id, 0, 0)
	require.Eventually(t, func() bool { return l.Active() == 1 }, time.Second, 5*time.Millisecond)

	l.Cancel(id)
	assert.Zero(t, l.Active())
	l.Cancel(id)
	assert.False(t, sink.isEnded(id))
}

func TestLoaderStopsOnRejectedPush(t *testing.T) {
	sink := newFakeSink(0)
	const id = audio.TrackID("tone:440:1s:8000")
	sink.reject[id] = prebuffer.ErrStale
	l := newTestLoader(t, sink, Config{})

	load(t, l, id, 0, 0)
	require.Eventually(t, func() bool { return l.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, sink.isEnded(id))
}

type failingSource struct {
	toneSource
	after int
	err   error
}

func (s *failingSource) Read(dst []float32) (int, error) {
	if s.after <= 0 {
		return 0, s.err
	}
	s.after--
	return s.toneSource.Read(dst)
}

func TestLoaderReportsDecodeErrors(t *testing.T) {
	sink := newFakeSink(0)
	open := func(id audio.TrackID) (Source, error) {
		tone, err := newToneSource("tone:440:1s")
		if err != nil {
			return nil, err
		}
		return &failingSource{toneSource: *tone, after: 2, err: errors.New("bad frame")}, nil
	}
	l := newTestLoader(t, sink, Config{Open: open})

	const id = audio.TrackID("broken.flac")
	load(t, l, id, 0, 0)

	require.Eventually(t, func() bool { return sink.failure(id) == playcore.ErrorCorrupt }, 5*time.Second, 5*time.Millisecond)
	seqs, _ := sink.pushed(id)
	assert.Len(t, seqs, 2)
}

func TestLoaderLoadErrors(t *testing.T) {
	l := New(Config{}, logging.NewTestLogger(t))

	desc := audio.TrackDescriptor{ID: "tone:440", SampleRate: 48000, Channels: 2}
	err := l.Load(context.Background(), playcore.LoadRequest{Track: desc})
	assert.ErrorContains(t, err, "no sink")

	l.Attach(newFakeSink(0))
	err = l.Load(context.Background(), playcore.LoadRequest{Track: audio.TrackDescriptor{ID: "/nonexistent/a.mp3"}})
	assert.ErrorIs(t, err, os.ErrNotExist)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Load(ctx, playcore.LoadRequest{Track: desc}), context.Canceled)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Load(context.Background(), playcore.LoadRequest{Track: desc}), ErrClosed)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, playcore.ErrorNotFound, errorKind(os.ErrNotExist))
	assert.Equal(t, playcore.ErrorNetworkTimeout, errorKind(context.DeadlineExceeded))
	assert.Equal(t, playcore.ErrorCorrupt, errorKind(io.ErrUnexpectedEOF))
}
