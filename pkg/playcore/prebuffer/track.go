// ABOUTME: Per-track prebuffer feeding the scheduler at the device format
// ABOUTME: Loader pushes source-rate blocks; the realtime reader resamples on the way out
package prebuffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/resample"
)

const (
	// stageFrames is how many source frames the reader pulls from the ring at once
	stageFrames = 1024

	// maxMarkers bounds format changes queued ahead of the reader
	maxMarkers = 4

	// minCapacityFrames keeps tiny configurations usable
	minCapacityFrames = 4 * stageFrames
)

var (
	// ErrFull is returned when a block does not fit; nothing was written
	ErrFull = errors.New("prebuffer: block does not fit")
	// ErrStale is returned for blocks older than the last seek
	ErrStale = errors.New("prebuffer: stale sequence number")
	// ErrOutOfOrder is returned for non-increasing sequence numbers
	ErrOutOfOrder = errors.New("prebuffer: sequence number out of order")
	// ErrEnded is returned when pushing after end of track
	ErrEnded = errors.New("prebuffer: track already ended")
	// ErrInvalidBlock is returned for blocks that do not belong to the track or are malformed
	ErrInvalidBlock = errors.New("prebuffer: invalid block")
)

// ErrorKind classifies loader failures reported for a track
type ErrorKind int32

const (
	ErrorNone ErrorKind = iota
	ErrorNotFound
	ErrorNetworkTimeout
	ErrorFormatMismatch
	ErrorCorrupt
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotFound:
		return "not_found"
	case ErrorNetworkTimeout:
		return "network_timeout"
	case ErrorFormatMismatch:
		return "format_mismatch"
	case ErrorCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// Recoverable reports whether the track keeps playing after the error
func (k ErrorKind) Recoverable() bool {
	return k == ErrorFormatMismatch
}

// Config sizes a track buffer
type Config struct {
	// Capacity is the most audio held ahead of the cursor
	Capacity time.Duration
	// LowWater triggers a refill request when the buffer drops below it
	LowWater time.Duration
	// Quality selects the resampler preset
	Quality resample.Quality
	// Output is the device format the reader produces
	Output audio.Format
}

type formatMarker struct {
	pos       uint64
	format    audio.Format
	resampler *resample.Resampler
}

// Track buffers one queued track. The loader side (Push, MarkEndOfTrack,
// MarkError, BeginSeek, Retarget) is serialized by a mutex and never runs
// on the realtime path. The reader side (Read, ApplySeek, ReadyFor,
// RemainingFrames, NeedsRefill) belongs to the scheduler.
type Track struct {
	desc audio.TrackDescriptor
	cfg  Config
	ring *Ring

	mu          sync.Mutex
	lastSeq     uint64
	haveSeq     bool
	writeFormat audio.Format

	markers    [maxMarkers]formatMarker
	markerHead atomic.Uint64
	markerTail atomic.Uint64

	seqFloor      atomic.Uint64
	ended         atomic.Bool
	failure       atomic.Int32
	resync        atomic.Bool
	seekGen       atomic.Uint64
	appliedGen    atomic.Uint64
	flushMark     atomic.Uint64
	seekTarget    atomic.Int64
	refillArmed   atomic.Bool
	formatChanged atomic.Bool
	drained       atomic.Bool
	position      atomic.Int64
	readRate      atomic.Int64
	readChannels  atomic.Int64

	// reader state
	rs         *resample.Resampler
	readFormat audio.Format
	out        audio.Format
	scratch    []float32
	stage      []float32
	stageOff   int
	stageLen   int
	base       time.Duration
	played     int64
}

// NewTrack allocates the ring and resampler for a track
func NewTrack(desc audio.TrackDescriptor, cfg Config) (*Track, error) {
	format := desc.Format()
	if !format.Valid() {
		return nil, fmt.Errorf("%w: track %s format %s", ErrInvalidBlock, desc.ID, format)
	}
	if !cfg.Output.Valid() {
		return nil, fmt.Errorf("%w: output format %s", ErrInvalidBlock, cfg.Output)
	}

	rs, err := resample.New(format.SampleRate, cfg.Output.SampleRate, format.Channels, cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", desc.ID, err)
	}

	capacity := max(format.FramesFor(cfg.Capacity), minCapacityFrames)

	t := &Track{
		desc:        desc,
		cfg:         cfg,
		ring:        NewRing(capacity * format.Channels),
		writeFormat: format,
		rs:          rs,
		readFormat:  format,
		out:         cfg.Output,
		scratch:     make([]float32, stageFrames*audio.MaxChannels),
		stage:       make([]float32, stageFrames*audio.MaxChannels),
	}
	t.refillArmed.Store(true)
	t.readRate.Store(int64(format.SampleRate))
	t.readChannels.Store(int64(format.Channels))
	return t, nil
}

// ID returns the track id
func (t *Track) ID() audio.TrackID { return t.desc.ID }

// Descriptor returns the track descriptor
func (t *Track) Descriptor() audio.TrackDescriptor { return t.desc }

// Push copies a block into the ring. The whole block is written or nothing is.
func (t *Track) Push(block audio.FrameBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if block.TrackID != t.desc.ID {
		return fmt.Errorf("%w: block for %s pushed to %s", ErrInvalidBlock, block.TrackID, t.desc.ID)
	}
	if !block.Format.Valid() || len(block.Samples)%block.Format.Channels != 0 {
		return fmt.Errorf("%w: %d samples in format %s", ErrInvalidBlock, len(block.Samples), block.Format)
	}
	if t.ended.Load() {
		return ErrEnded
	}
	if block.Seq < t.seqFloor.Load() {
		return fmt.Errorf("%w: seq %d below floor %d", ErrStale, block.Seq, t.seqFloor.Load())
	}
	if t.haveSeq && block.Seq <= t.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, block.Seq, t.lastSeq)
	}
	if len(block.Samples) > t.ring.Free() {
		return ErrFull
	}

	if block.Format.SampleRate != t.writeFormat.SampleRate || block.Format.Channels != t.writeFormat.Channels {
		if err := t.queueFormat(block.Format); err != nil {
			return err
		}
	}

	t.ring.Write(block.Samples)
	t.lastSeq = block.Seq
	t.haveSeq = true

	if t.AvailableSeconds() >= t.cfg.LowWater.Seconds() {
		t.refillArmed.Store(true)
	}
	return nil
}

// queueFormat builds the resampler for a new source format and records where
// in the ring it takes over (must hold t.mu)
func (t *Track) queueFormat(format audio.Format) error {
	head := t.markerHead.Load()
	if head-t.markerTail.Load() >= maxMarkers {
		return ErrFull
	}
	rs, err := resample.New(format.SampleRate, t.out.SampleRate, format.Channels, t.cfg.Quality)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	t.markers[head%maxMarkers] = formatMarker{
		pos:       t.ring.Head(),
		format:    format,
		resampler: rs,
	}
	t.markerHead.Store(head + 1)
	t.writeFormat = format
	return nil
}

// MarkEndOfTrack records that the loader has delivered the last block
func (t *Track) MarkEndOfTrack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended.Store(true)
}

// MarkError records a loader failure. A format mismatch resynchronizes the
// resampler and playback continues; other kinds end the track after the
// frames already buffered.
func (t *Track) MarkError(kind ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind.Recoverable() {
		t.resync.Store(true)
		return
	}
	t.failure.Store(int32(kind))
	t.ended.Store(true)
}

// Failure returns the terminal error kind, if any
func (t *Track) Failure() ErrorKind {
	return ErrorKind(t.failure.Load())
}

// Ended reports whether the loader marked the end of the track
func (t *Track) Ended() bool { return t.ended.Load() }

// BeginSeek starts a flush. Everything written so far is discarded when the
// reader applies the seek; blocks with sequence numbers below seqFloor are
// rejected from now on. Control context only.
func (t *Track) BeginSeek(offset time.Duration, seqFloor uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seqFloor.Store(seqFloor)
	t.haveSeq = false
	t.ended.Store(false)
	t.failure.Store(int32(ErrorNone))
	t.flushMark.Store(t.ring.Head())
	t.seekTarget.Store(int64(offset))
	t.refillArmed.Store(true)
	t.seekGen.Add(1)
}

// SeekPending reports whether a flush is waiting for the reader
func (t *Track) SeekPending() bool {
	return t.seekGen.Load() != t.appliedGen.Load()
}

// SeqFloor returns the lowest sequence number accepted
func (t *Track) SeqFloor() uint64 { return t.seqFloor.Load() }

// ApplySeek discards data up to the flush mark and restarts the stream at
// the seek target. Reader side.
func (t *Track) ApplySeek() {
	gen := t.seekGen.Load()
	if gen == t.appliedGen.Load() {
		return
	}
	mark := t.flushMark.Load()
	target := time.Duration(t.seekTarget.Load())

	for {
		m, ok := t.peekMarker()
		if !ok || m.pos > mark {
			break
		}
		t.swapFormat()
	}

	t.ring.SkipTo(mark)
	t.rs.Reset()
	t.stageOff, t.stageLen = 0, 0
	t.base = target
	t.played = 0
	t.position.Store(int64(target))
	t.drained.Store(false)
	t.appliedGen.Store(gen)
}

func (t *Track) peekMarker() (formatMarker, bool) {
	tail := t.markerTail.Load()
	if tail == t.markerHead.Load() {
		return formatMarker{}, false
	}
	return t.markers[tail%maxMarkers], true
}

// swapFormat installs the next queued format. Reader side.
func (t *Track) swapFormat() {
	tail := t.markerTail.Load()
	m := &t.markers[tail%maxMarkers]

	// Fold playback at the old rate into the base before switching
	t.base += t.playedDuration()
	t.played = 0

	t.rs = m.resampler
	t.readFormat = m.format
	t.readRate.Store(int64(m.format.SampleRate))
	t.readChannels.Store(int64(m.format.Channels))
	m.resampler = nil
	t.stageOff, t.stageLen = 0, 0
	t.markerTail.Store(tail + 1)
	t.formatChanged.Store(true)
}

// readLimit returns the ring position the reader may not pass. The head is
// loaded before markers and seek state so that any data it covers has its
// marker visible.
func (t *Track) readLimit() uint64 {
	limit := t.ring.Head()
	if t.SeekPending() {
		limit = min(limit, t.flushMark.Load())
	}
	if m, ok := t.peekMarker(); ok {
		limit = min(limit, m.pos)
	}
	return limit
}

func (t *Track) atMarker() bool {
	m, ok := t.peekMarker()
	return ok && m.pos <= t.ring.Tail()
}

// Read fills dst with up to frames frames in the output format and returns
// how many were written. Fewer frames than requested means the buffer ran
// dry or the track finished. Never allocates.
//
// The stage and the resampler stay in the source channel layout; channels
// are mapped onto the device layout only after resampling, so a device
// channel change never invalidates buffered audio.
func (t *Track) Read(dst []float32, frames int) int {
	ch := t.out.Channels
	frames = min(frames, len(dst)/ch)

	if t.resync.Swap(false) {
		t.rs.Reset()
		t.stageOff, t.stageLen = 0, 0
		t.formatChanged.Store(true)
	}

	produced := 0
	for produced < frames {
		srcCh := t.readFormat.Channels
		out := t.scratch[:min(frames-produced, stageFrames)*srcCh]

		if t.stageOff < t.stageLen {
			consumed, n := t.rs.Process(t.stage[t.stageOff*srcCh:t.stageLen*srcCh], out)
			t.stageOff += consumed
			produced += t.emit(dst, produced, n)
			if consumed == 0 && n == 0 {
				break
			}
			continue
		}

		limit := t.readLimit()
		if n := t.ring.Read(t.stage[:stageFrames*srcCh], limit) / srcCh; n > 0 {
			t.stageOff, t.stageLen = 0, n
			continue
		}

		if t.atMarker() {
			if n := t.rs.Drain(out); n > 0 {
				produced += t.emit(dst, produced, n)
				continue
			}
			t.swapFormat()
			continue
		}

		if t.ended.Load() && !t.SeekPending() && t.ring.Len() == 0 {
			n := t.rs.Drain(out)
			produced += t.emit(dst, produced, n)
			if n == 0 {
				t.drained.Store(true)
			}
		}
		break
	}

	t.played += int64(produced)
	t.position.Store(int64(t.base + t.playedDuration()))
	return produced
}

// emit maps n resampled frames from scratch into dst at frame offset at
func (t *Track) emit(dst []float32, at, n int) int {
	if n == 0 {
		return 0
	}
	ch := t.out.Channels
	return resample.MapChannels(dst[at*ch:], ch, t.scratch[:n*t.readFormat.Channels], t.readFormat.Channels, n)
}

func (t *Track) playedDuration() time.Duration {
	return time.Duration(t.played) * time.Second / time.Duration(t.out.SampleRate)
}

// bufferedSource returns source frames held by the ring, stage and resampler. Reader side.
func (t *Track) bufferedSource() float64 {
	ringFrames := t.ring.Len() / t.readFormat.Channels
	return float64(ringFrames+t.stageLen-t.stageOff) + t.rs.Pending()
}

// AvailableFrames returns buffered audio converted to output frames. Reader side.
func (t *Track) AvailableFrames() int {
	return int(t.bufferedSource() * float64(t.out.SampleRate) / float64(t.readFormat.SampleRate))
}

// ReadyFor reports whether frames output frames can be read, or the loader
// has finished so whatever is buffered is all there will be. Reader side.
func (t *Track) ReadyFor(frames int) bool {
	if t.SeekPending() {
		return false
	}
	return t.ended.Load() || t.AvailableFrames() >= frames
}

// RemainingFrames returns the output frames left until the end of the
// track, or -1 while unknown. Reader side.
func (t *Track) RemainingFrames() int64 {
	if t.drained.Load() {
		return 0
	}
	if t.ended.Load() {
		return int64(t.AvailableFrames())
	}
	if t.desc.Duration > 0 {
		left := t.desc.Duration - t.Position()
		return max(0, int64(left.Seconds()*float64(t.out.SampleRate)))
	}
	return -1
}

// Finished reports whether every frame of an ended track has been read
func (t *Track) Finished() bool { return t.drained.Load() }

// Position returns the playback offset within the track
func (t *Track) Position() time.Duration {
	return time.Duration(t.position.Load())
}

// AvailableSeconds returns the audio held in the ring. Safe from any goroutine.
func (t *Track) AvailableSeconds() float64 {
	rate := t.readRate.Load()
	channels := t.readChannels.Load()
	if rate == 0 || channels == 0 {
		return 0
	}
	return float64(int64(t.ring.Len())/channels) / float64(rate)
}

// NeedsRefill reports, once per low-water crossing, that the loader should
// deliver more audio. Reader side.
func (t *Track) NeedsRefill() bool {
	if t.ended.Load() {
		return false
	}
	if t.AvailableSeconds() >= t.cfg.LowWater.Seconds() {
		t.refillArmed.Store(true)
		return false
	}
	return t.refillArmed.CompareAndSwap(true, false)
}

// TakeFormatChange reports and clears a resampler swap or resync
func (t *Track) TakeFormatChange() bool {
	return t.formatChanged.Swap(false)
}

// FreeFrames returns how many source frames the ring can accept
func (t *Track) FreeFrames() int {
	channels := int(t.readChannels.Load())
	if channels == 0 {
		return 0
	}
	return t.ring.Free() / channels
}

// Output returns the format the reader produces
func (t *Track) Output() audio.Format { return t.out }

// Retarget switches the output format after the device was reacquired.
// Buffered, staged and in-flight audio and the playback position are kept. Control context, with
// the device stopped.
func (t *Track) Retarget(out audio.Format) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !out.Valid() {
		return fmt.Errorf("%w: output format %s", ErrInvalidBlock, out)
	}
	if out.SampleRate == t.out.SampleRate && out.Channels == t.out.Channels {
		return nil
	}

	t.base += t.playedDuration()
	t.played = 0

	// Resamplers run in the source layout, so only the rate changes
	if err := t.rs.Retarget(out.SampleRate); err != nil {
		return fmt.Errorf("track %s: %w", t.desc.ID, err)
	}
	for i := t.markerTail.Load(); i < t.markerHead.Load(); i++ {
		m := &t.markers[i%maxMarkers]
		if err := m.resampler.Retarget(out.SampleRate); err != nil {
			return fmt.Errorf("track %s: %w", t.desc.ID, err)
		}
	}

	t.out = out
	return nil
}

// Rate returns the source sample rate currently being read
func (t *Track) Rate() int { return int(t.readRate.Load()) }
