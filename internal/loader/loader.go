// ABOUTME: Reference loader feeding decoded audio into the playback engine
// ABOUTME: One goroutine per loaded track pushes blocks until the prebuffer is full
package loader

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Load after Close
var ErrClosed = errors.New("loader: closed")

// Sink receives decoded audio; *playcore.Engine implements it
type Sink interface {
	Push(id audio.TrackID, seq uint64, samples []float32, format audio.Format) error
	MarkEndOfTrack(id audio.TrackID) error
	MarkError(id audio.TrackID, kind playcore.ErrorKind, cause error) error
}

// Config configures a Loader
type Config struct {
	// BlockFrames is the size of each pushed block
	BlockFrames int
	// RetryInterval bounds the wait for a refill signal when the prebuffer is full
	RetryInterval time.Duration
	// Open resolves track ids to sources; defaults to Open
	Open func(id audio.TrackID) (Source, error)
}

// Loader implements playcore.Loader over local files and tones
type Loader struct {
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	sink    Sink
	workers map[audio.TrackID]*worker
	closed  bool
}

type worker struct {
	cancel context.CancelFunc
	refill chan struct{}
}

var _ playcore.Loader = (*Loader)(nil)

// New creates a loader; Attach must be called before the engine starts
func New(config Config, logger zerolog.Logger) *Loader {
	if config.BlockFrames <= 0 {
		config.BlockFrames = 4096
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if config.Open == nil {
		config.Open = Open
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		config:  config,
		logger:  logger.With().Str("component", "loader").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[audio.TrackID]*worker),
	}
}

// Attach sets the sink decoded blocks are pushed to
func (l *Loader) Attach(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Resolve describes a track id using the configured opener
func (l *Loader) Resolve(id audio.TrackID) (audio.TrackDescriptor, error) {
	src, err := l.config.Open(id)
	if err != nil {
		return audio.TrackDescriptor{}, err
	}
	defer src.Close()
	return Describe(id, src), nil
}

// Load opens the track, seeks to the requested offset and starts delivery.
// A running delivery for the same track is replaced.
func (l *Loader) Load(ctx context.Context, req playcore.LoadRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := req.Track.ID

	src, err := l.config.Open(id)
	if err != nil {
		return err
	}
	if req.Offset > 0 {
		if err := src.Seek(req.Offset); err != nil {
			src.Close()
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		src.Close()
		return ErrClosed
	}
	if l.sink == nil {
		src.Close()
		return errors.New("loader: no sink attached")
	}
	if old := l.workers[id]; old != nil {
		old.cancel()
	}

	wctx, cancel := context.WithCancel(l.ctx)
	w := &worker{
		cancel: cancel,
		refill: make(chan struct{}, 1),
	}
	l.workers[id] = w
	sink := l.sink

	l.logger.Debug().
		Str("track", string(id)).
		Dur("offset", req.Offset).
		Uint64("seq", req.SeqFloor).
		Str("format", src.Format().String()).
		Msg("loading track")

	l.group.Go(func() error {
		l.deliver(wctx, w, sink, id, src, req.SeqFloor)
		return nil
	})
	return nil
}

// Refill wakes the track's delivery goroutine
func (l *Loader) Refill(req playcore.RefillRequest) {
	l.mu.Lock()
	w := l.workers[req.TrackID]
	l.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.refill <- struct{}{}:
	default:
	}
}

// Cancel stops delivery of a track
func (l *Loader) Cancel(id audio.TrackID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.workers[id]; w != nil {
		w.cancel()
		delete(l.workers, id)
	}
}

// Active returns the number of tracks being delivered
func (l *Loader) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// Close stops every delivery and waits for the goroutines to exit
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	l.cancel()
	l.mu.Unlock()
	return l.group.Wait()
}

func (l *Loader) deliver(ctx context.Context, w *worker, sink Sink, id audio.TrackID, src Source, seq uint64) {
	defer src.Close()
	defer func() {
		l.mu.Lock()
		if l.workers[id] == w {
			delete(l.workers, id)
		}
		l.mu.Unlock()
	}()

	logger := l.logger.With().Str("track", string(id)).Logger()
	format := src.Format()
	buf := make([]float32, l.config.BlockFrames*format.Channels)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := src.Read(buf)
		if n > 0 {
			if !l.push(ctx, w, sink, id, seq, buf[:n], format, logger) {
				return
			}
			seq++
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if markErr := sink.MarkEndOfTrack(id); markErr != nil {
				logger.Debug().Err(markErr).Msg("failed to mark end of track")
			}
			logger.Debug().Uint64("seq", seq).Msg("track fully delivered")
			return
		default:
			logger.Warn().Err(err).Msg("decode failed")
			if markErr := sink.MarkError(id, errorKind(err), err); markErr != nil {
				logger.Debug().Err(markErr).Msg("failed to report track error")
			}
			return
		}
	}
}

// push retries a block until it fits; false means delivery must stop
func (l *Loader) push(ctx context.Context, w *worker, sink Sink, id audio.TrackID, seq uint64, samples []float32, format audio.Format, logger zerolog.Logger) bool {
	for {
		err := sink.Push(id, seq, samples, format)
		if err == nil {
			return true
		}
		if !errors.Is(err, prebuffer.ErrFull) {
			// Stale, ended or unloaded: a newer delivery owns the track
			logger.Debug().Err(err).Uint64("seq", seq).Msg("push rejected")
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-w.refill:
		case <-time.After(l.config.RetryInterval):
		}
	}
}

func errorKind(err error) playcore.ErrorKind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return playcore.ErrorNotFound
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return playcore.ErrorNetworkTimeout
	default:
		return playcore.ErrorCorrupt
	}
}
