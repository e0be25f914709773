// ABOUTME: Realtime render callback pulling tracks through mixer, EQ and gain
// ABOUTME: Never blocks or allocates; talks to the coordinator only through lock-free queues
package playcore

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
)

// DefaultChunkFrames bounds the frames processed per internal step
const DefaultChunkFrames = 2048

// Stats holds render counters
type Stats struct {
	Callbacks        uint64
	Frames           uint64
	Underruns        uint64
	UnderrunFrames   uint64
	DroppedCommands  uint64
	DroppedNotices   uint64
	SpectrumOverruns uint64
	LateCallbacks    int64
	Load             float64
	Clock            time.Duration
	Reacquires       int64
	BufferSeconds    float64
}

type schedulerStats struct {
	callbacks      atomic.Uint64
	frames         atomic.Uint64
	underruns      atomic.Uint64
	underrunFrames atomic.Uint64
	load           atomic.Uint64
	clock          atomic.Int64
}

// Scheduler runs on the device callback thread. Everything outside the
// atomics is owned by Render; Reconfigure may only be called while the
// device is stopped.
type Scheduler struct {
	commands *commandQueue
	notices  *noticeRing
	monitor  *clock.Monitor
	eq       *dsp.EQ
	analyzer *dsp.Analyzer

	format       audio.Format
	chunk        int
	scrubTimeout time.Duration
	scrubLimit   int

	state   State
	gen     uint64
	current *prebuffer.Track
	next    *prebuffer.Track
	fade    mixer.Crossfade

	fadeDur    time.Duration
	fadeFrames int
	curve      mixer.Curve
	gain       float32
	target     float32

	waiting       bool
	waited        int
	scrubTimedOut bool
	starved       bool
	mixBuf        []float32

	forcePause atomic.Bool
	stats      schedulerStats
	statePub   atomic.Int32
	currentPub atomic.Pointer[prebuffer.Track]
	nextPub    atomic.Pointer[prebuffer.Track]
}

type schedulerConfig struct {
	Chunk        int
	ScrubTimeout time.Duration
	Params       *Params
}

func newScheduler(cfg schedulerConfig, commands *commandQueue, notices *noticeRing, monitor *clock.Monitor, eq *dsp.EQ, analyzer *dsp.Analyzer) *Scheduler {
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunkFrames
	}
	s := &Scheduler{
		commands:     commands,
		notices:      notices,
		monitor:      monitor,
		eq:           eq,
		analyzer:     analyzer,
		chunk:        cfg.Chunk,
		scrubTimeout: cfg.ScrubTimeout,
		mixBuf:       make([]float32, cfg.Chunk*audio.MaxChannels),
	}
	if cfg.Params != nil {
		s.applyParams(cfg.Params)
		s.gain = s.target
	}
	return s
}

// Reconfigure switches the scheduler to a new device format. The EQ
// coefficients must already be designed for the new rate.
func (s *Scheduler) Reconfigure(format audio.Format, coeffs *dsp.Coefficients) {
	s.format = format
	s.eq.SetChannels(format.Channels)
	if coeffs != nil {
		_ = s.eq.Swap(coeffs)
	}
	s.analyzer.SetSampleRate(format.SampleRate)
	s.fadeFrames = format.FramesFor(s.fadeDur)
	s.scrubLimit = format.FramesFor(s.scrubTimeout)
}

// ForcePause pauses at the next callback. Used when the command queue
// cannot take a pause.
func (s *Scheduler) ForcePause() {
	s.forcePause.Store(true)
}

// Render fills out with frames interleaved frames in the device format
func (s *Scheduler) Render(out []float32, frames int, deadline time.Time) {
	start := time.Now()
	s.monitor.Observe(frames, deadline)
	s.stats.callbacks.Add(1)

	s.drainCommands()
	if s.forcePause.Swap(false) && s.state.Active() {
		s.state = StatePaused
	}

	ch := s.format.Channels
	if ch == 0 {
		clear(out)
		return
	}
	frames = min(frames, len(out)/ch)
	active := s.state.Active()
	for done := 0; done < frames; {
		n := min(frames-done, s.chunk)
		s.renderChunk(out[done*ch:(done+n)*ch], n)
		done += n
	}
	clear(out[frames*ch:])

	if active {
		s.stats.clock.Add(int64(s.format.DurationOf(int64(frames))))
		if slot, ok := s.analyzer.Tick(); ok && !s.post(notice{kind: noticeSpectrumReady, slot: slot}) {
			s.analyzer.Release(slot)
		}
	}
	s.pollTrack(s.current)
	s.pollTrack(s.next)

	s.stats.frames.Add(uint64(frames))
	s.statePub.Store(int32(s.state))
	if period := s.format.DurationOf(int64(frames)); period > 0 {
		load := float64(time.Since(start)) / float64(period)
		s.stats.load.Store(math.Float64bits(load))
	}
}

func (s *Scheduler) renderChunk(out []float32, n int) {
	ch := s.format.Channels
	if !s.state.Active() || s.current == nil {
		clear(out[:n*ch])
		return
	}

	got := s.fill(out, n)
	clear(out[got*ch : n*ch])

	s.eq.Process(out, n)
	s.analyzer.Write(out, n, ch)
	s.applyGain(out, n)
}

// fill writes up to n frames of music and returns how many were written.
// Short returns leave the rest of the chunk to silence.
func (s *Scheduler) fill(out []float32, n int) int {
	ch := s.format.Channels
	pos := 0
	for pos < n && s.current != nil {
		if s.waiting {
			if !s.current.ReadyFor(n - pos) {
				s.wait(n - pos)
				return pos
			}
			s.endWait()
		}

		if s.fade.Active() {
			pos += s.mixFade(out[pos*ch:], n-pos)
			if !s.fade.Active() {
				s.completeTransition()
			}
			continue
		}

		want := n - pos
		if lead, ok := s.planTransition(want); ok {
			if lead == 0 {
				continue
			}
			want = lead
		}

		got := readTrack(s.current, out[pos*ch:], want, ch)
		pos += got
		if got == want {
			s.starved = false
			continue
		}
		if s.current.Finished() {
			s.splice()
			continue
		}
		s.underrun(n - pos)
		return pos
	}
	return pos
}

// planTransition decides whether the fade into the next track starts within
// the next avail frames. It returns the frames of pure outgoing audio to
// render first, or zero once the fade has begun.
func (s *Scheduler) planTransition(avail int) (int, bool) {
	next := s.next
	if next == nil || s.fadeFrames == 0 {
		return 0, false
	}
	remaining := s.current.RemainingFrames()
	if remaining < 0 || remaining > int64(s.fadeFrames+avail) {
		return 0, false
	}
	if !next.ReadyFor(s.fadeFrames) {
		return 0, false
	}

	// A short incoming track shortens the fade, so the outgoing track plays
	// pure for longer instead of being cut off
	length := mixer.Window(s.fadeFrames, remaining, int64(next.AvailableFrames()))
	if length == 0 {
		return 0, false
	}
	lead := remaining - int64(length)
	if lead > int64(avail) {
		return 0, false
	}
	if lead > 0 {
		return int(lead), true
	}
	s.fade.Begin(length, s.curve)
	s.post(notice{kind: noticeTransitionStarted, gen: s.gen, from: s.current.ID(), track: next.ID()})
	return 0, true
}

func (s *Scheduler) mixFade(out []float32, avail int) int {
	ch := s.format.Channels
	n := min(avail, s.fade.Remaining())

	a := readTrack(s.current, out, n, ch)
	clear(out[a*ch : n*ch])
	b := readTrack(s.next, s.mixBuf, n, ch)
	clear(s.mixBuf[b*ch : n*ch])

	s.fade.Mix(out, out, s.mixBuf, n, ch)
	return n
}

func (s *Scheduler) completeTransition() {
	from := s.current.ID()
	s.current, s.next = s.next, nil
	s.publishTracks()
	s.post(notice{kind: noticeTransitionCompleted, gen: s.gen, from: from, track: s.current.ID()})
}

// splice moves to the next track when the current one ended outside a fade
func (s *Scheduler) splice() {
	from := s.current.ID()
	if s.next == nil {
		s.current = nil
		s.state = StateStopped
		s.publishTracks()
		s.post(notice{kind: noticeEndOfQueue, gen: s.gen, from: from})
		return
	}
	s.current, s.next = s.next, nil
	s.publishTracks()
	s.post(notice{kind: noticeTransitionStarted, gen: s.gen, from: from, track: s.current.ID()})
	s.post(notice{kind: noticeTransitionCompleted, gen: s.gen, from: from, track: s.current.ID()})
}

func (s *Scheduler) underrun(missing int) {
	s.stats.underrunFrames.Add(uint64(missing))
	if s.starved {
		return
	}
	s.starved = true
	s.stats.underruns.Add(1)
	s.post(notice{kind: noticeUnderrun, gen: s.gen, track: s.current.ID()})
}

func (s *Scheduler) beginWait() {
	s.waiting = true
	s.waited = 0
	s.scrubTimedOut = false
	s.starved = false
}

// wait renders silence while a started or sought track fills up
func (s *Scheduler) wait(missing int) {
	s.waited += missing
	if s.scrubTimedOut || s.waited < s.scrubLimit {
		return
	}
	s.scrubTimedOut = true
	s.stats.underruns.Add(1)
	s.stats.underrunFrames.Add(uint64(s.waited))
	s.post(notice{kind: noticeScrubTimeout, gen: s.gen, track: s.current.ID()})
}

func (s *Scheduler) endWait() {
	s.waiting = false
	s.waited = 0
	s.scrubTimedOut = false
	if s.state == StateScrubbing {
		s.state = StatePlaying
		s.post(notice{kind: noticeScrubDone, gen: s.gen, track: s.current.ID()})
	}
}

// applyGain ramps from the previous gain to the target across the chunk
func (s *Scheduler) applyGain(out []float32, n int) {
	ch := s.format.Channels
	if s.gain == s.target {
		if s.gain == 1 {
			return
		}
		g := s.gain
		for i := range out[:n*ch] {
			out[i] *= g
		}
		return
	}

	step := (s.target - s.gain) / float32(n)
	g := s.gain
	for i := 0; i < n; i++ {
		g += step
		for c := i * ch; c < (i+1)*ch; c++ {
			out[c] *= g
		}
	}
	s.gain = s.target
}

func (s *Scheduler) drainCommands() {
	for {
		cmd, ok := s.commands.pop()
		if !ok {
			return
		}
		s.apply(cmd)
	}
}

func (s *Scheduler) apply(cmd rtCommand) {
	switch cmd.kind {
	case rtPlay:
		if s.current != nil && !s.state.Active() {
			s.state = StatePlaying
			s.beginWait()
		}
	case rtPause, rtForcePause:
		if s.state.Active() {
			s.state = StatePaused
		}
	case rtStop:
		s.gen = cmd.gen
		s.fade.Cancel()
		s.current, s.next = nil, nil
		s.state = StateStopped
	case rtSeek:
		s.gen = cmd.gen
		// The incoming track was partially consumed if a fade was running
		// or the scheduler already moved on to it.
		touched := cmd.next != nil && ((s.fade.Active() && s.next == cmd.next) || s.current == cmd.next)
		s.fade.Cancel()
		s.current, s.next = cmd.current, cmd.next
		applySeek(s.current)
		if touched {
			s.post(notice{kind: noticeRewindNeeded, gen: s.gen, track: cmd.next.ID()})
		} else {
			applySeek(s.next)
		}
		s.setState(cmd.state, StateScrubbing)
		s.beginWait()
	case rtParams:
		if cmd.params != nil {
			s.applyParams(cmd.params)
		}
	case rtSetTracks:
		s.gen = cmd.gen
		s.fade.Cancel()
		s.current, s.next = cmd.current, cmd.next
		applySeek(s.current)
		applySeek(s.next)
		s.setState(cmd.state, StatePlaying)
		s.beginWait()
	case rtSetNext:
		s.gen = cmd.gen
		if s.fade.Active() && cmd.next != s.next {
			s.fade.Cancel()
		}
		s.next = cmd.next
		applySeek(s.next)
	case rtRewind:
		if cmd.next != nil && cmd.next == s.next {
			s.next.ApplySeek()
		}
	}
	s.statePub.Store(int32(s.state))
	s.publishTracks()
}

// setState installs the coordinator's state after a structural command.
// An active session resumes as active.
func (s *Scheduler) setState(state, active State) {
	switch {
	case s.current == nil:
		s.state = StateStopped
	case state.Active():
		s.state = active
	default:
		s.state = state
	}
}

func (s *Scheduler) applyParams(p *Params) {
	s.target = float32(p.Volume)
	s.fadeDur = p.Crossfade
	s.fadeFrames = s.format.FramesFor(p.Crossfade)
	s.curve = p.Curve
	if p.EQ != nil && p.EQ.SampleRate() == s.format.SampleRate {
		_ = s.eq.Swap(p.EQ)
	}
}

func (s *Scheduler) pollTrack(t *prebuffer.Track) {
	if t == nil {
		return
	}
	if t.NeedsRefill() {
		s.post(notice{kind: noticeRefillNeeded, gen: s.gen, track: t.ID()})
	}
	if t.TakeFormatChange() {
		s.post(notice{kind: noticeFormatChanged, gen: s.gen, track: t.ID()})
	}
}

func (s *Scheduler) post(n notice) bool {
	return s.notices.post(n)
}

func (s *Scheduler) publishTracks() {
	s.currentPub.Store(s.current)
	s.nextPub.Store(s.next)
}

// State returns the state as of the last callback
func (s *Scheduler) State() State {
	return State(s.statePub.Load())
}

// Current returns the track being rendered
func (s *Scheduler) Current() *prebuffer.Track {
	return s.currentPub.Load()
}

// Next returns the track queued for the next transition
func (s *Scheduler) Next() *prebuffer.Track {
	return s.nextPub.Load()
}

// Stats returns the render counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Callbacks:        s.stats.callbacks.Load(),
		Frames:           s.stats.frames.Load(),
		Underruns:        s.stats.underruns.Load(),
		UnderrunFrames:   s.stats.underrunFrames.Load(),
		DroppedCommands:  s.commands.dropped.Load(),
		DroppedNotices:   s.notices.dropped.Load(),
		SpectrumOverruns: s.analyzer.Overruns(),
		LateCallbacks:    s.monitor.Stats().Late,
		Load:             math.Float64frombits(s.stats.load.Load()),
		Clock:            time.Duration(s.stats.clock.Load()),
	}
}

func applySeek(t *prebuffer.Track) {
	if t != nil {
		t.ApplySeek()
	}
}

// readTrack reads until frames frames were produced or the track runs dry
func readTrack(t *prebuffer.Track, dst []float32, frames, channels int) int {
	total := 0
	for total < frames {
		n := t.Read(dst[total*channels:], frames-total)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}
