// ABOUTME: Control coordinator applying commands and turning notices into events
// ABOUTME: Owns the play queue and session state; the only publisher on the event bus
package playcore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
	"github.com/rs/zerolog"
)

type request struct {
	cmd  Command
	done chan error
}

type internalKind int

const (
	msgDeviceLost internalKind = iota + 1
	msgDeviceReacquired
	msgDeviceClosed
	msgTrackError
)

// internalMsg carries device and loader reports into the coordinator
type internalMsg struct {
	kind    internalKind
	err     error
	format  audio.Format
	device  output.DeviceInfo
	track   audio.TrackID
	errKind ErrorKind
}

type coordinator struct {
	e        *Engine
	logger   zerolog.Logger
	requests chan request
	internal chan internalMsg

	queue   []audio.TrackDescriptor
	cursor  int
	current *prebuffer.Track
	next    *prebuffer.Track
	epochs  map[audio.TrackID]uint64
	state   State
	gen     uint64
	fading  bool

	// tracksGen is the generation of the last command that replaced the
	// scheduler's tracks or state; rtSetNext leaves it alone
	tracksGen uint64

	params      Params
	paramsDirty bool
	outbox      []rtCommand

	wasPlaying bool
	lastStamp  time.Time
}

func newCoordinator(e *Engine) *coordinator {
	return &coordinator{
		e:        e,
		logger:   e.logger.With().Str("component", "coordinator").Logger(),
		requests: make(chan request, e.cfg.RequestBuffer),
		internal: make(chan internalMsg, 64),
		epochs:   make(map[audio.TrackID]uint64),
		params: Params{
			Volume:    e.cfg.Volume,
			Crossfade: e.cfg.Crossfade,
			Curve:     e.cfg.Curve,
		},
	}
}

// submit hands a command to the coordinator and waits for its result.
// Non-critical commands are rejected rather than queued behind a backlog.
func (c *coordinator) submit(ctx context.Context, cmd Command) error {
	req := request{cmd: cmd, done: make(chan error, 1)}
	if cmd.Critical() {
		select {
		case c.requests <- req:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.e.stopping:
			return ErrClosed
		}
	} else {
		select {
		case c.requests <- req:
		default:
			return ErrCommandQueueFull
		}
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.e.stopping:
		return ErrClosed
	}
}

func (c *coordinator) run(ctx context.Context) error {
	noticeTicker := time.NewTicker(c.e.cfg.NoticeInterval)
	defer noticeTicker.Stop()
	publishTicker := time.NewTicker(c.e.cfg.PublishInterval)
	defer publishTicker.Stop()

	c.updateSnapshot()
	c.logger.Debug().Msg("coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case msg := <-c.internal:
			c.handleInternal(ctx, msg)

		case req := <-c.requests:
			c.drainInternal(ctx)
			c.drainNotices(ctx)
			err := c.handle(ctx, req.cmd)
			if err != nil {
				c.logger.Debug().Err(err).Str("command", req.cmd.String()).Msg("command rejected")
			}
			c.updateSnapshot()
			req.done <- err

		case <-noticeTicker.C:
			c.drainInternal(ctx)
			c.drainNotices(ctx)
			c.flush()

		case <-publishTicker.C:
			c.publishProgress()
			c.updateSnapshot()
		}
	}
}

func (c *coordinator) shutdown() {
	c.release(c.current)
	c.release(c.next)
	c.current, c.next = nil, nil
	c.logger.Debug().Msg("coordinator stopped")
}

func (c *coordinator) handle(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CmdPlay:
		return c.play(ctx)
	case CmdPause:
		return c.pause()
	case CmdStop:
		return c.stop()
	case CmdSeek:
		return c.seek(ctx, cmd.Offset)
	case CmdSetVolume:
		c.params.Volume = cmd.Volume
		c.sendParams()
	case CmdSetCrossfadeDuration:
		c.params.Crossfade = cmd.Duration
		c.sendParams()
	case CmdSetCrossfadeCurve:
		c.params.Curve = cmd.Curve
		c.sendParams()
	case CmdSetEQBand:
		if err := c.e.setBand(cmd.Band, cmd.GainDB); err != nil {
			return err
		}
		c.sendParams()
	case CmdEnqueueTrack:
		return c.enqueue(ctx, cmd.Track, cmd.Position)
	case CmdNextTrack:
		return c.skip(ctx, c.cursor+1)
	case CmdPreviousTrack:
		return c.previous(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCommand, cmd.Kind)
	}
	return nil
}

func (c *coordinator) play(ctx context.Context) error {
	if c.state.Active() {
		return nil
	}
	if c.current == nil {
		if len(c.queue) == 0 {
			return ErrQueueEmpty
		}
		if c.cursor < 0 || c.cursor >= len(c.queue) {
			c.cursor = 0
		}
		if err := c.loadTracks(ctx, c.cursor, 0); err != nil {
			return err
		}
	}
	c.send(rtCommand{kind: rtPlay}, true)
	c.setState(StatePlaying)
	return nil
}

func (c *coordinator) pause() error {
	if !c.state.Active() {
		return nil
	}
	c.send(rtCommand{kind: rtPause}, true)
	c.setState(StatePaused)
	return nil
}

func (c *coordinator) stop() error {
	if c.state == StateStopped && c.current == nil {
		return nil
	}
	c.gen++
	c.tracksGen = c.gen
	c.send(rtCommand{kind: rtStop, gen: c.gen}, true)
	c.release(c.current)
	c.release(c.next)
	c.current, c.next = nil, nil
	c.fading = false
	c.wasPlaying = false
	c.setState(StateStopped)
	return nil
}

func (c *coordinator) seek(ctx context.Context, offset time.Duration) error {
	if c.current == nil {
		return fmt.Errorf("%w: nothing loaded", ErrInvalidPosition)
	}
	if d := c.current.Descriptor().Duration; d > 0 && offset > d {
		return fmt.Errorf("%w: %s beyond %s", ErrInvalidPosition, offset, d)
	}
	if err := c.restart(ctx, c.current, offset); err != nil {
		return err
	}

	c.gen++
	c.tracksGen = c.gen
	c.fading = false
	c.send(rtCommand{kind: rtSeek, gen: c.gen, state: c.state, current: c.current, next: c.next}, true)
	if c.state == StatePlaying {
		c.setState(StateScrubbing)
	}
	return nil
}

func (c *coordinator) previous(ctx context.Context) error {
	if c.current != nil && c.current.Position() > c.e.cfg.PreviousRestart {
		return c.seek(ctx, 0)
	}
	if c.cursor > 0 {
		return c.skip(ctx, c.cursor-1)
	}
	if c.current != nil {
		return c.seek(ctx, 0)
	}
	return ErrQueueEmpty
}

func (c *coordinator) skip(ctx context.Context, index int) error {
	if index < 0 || index >= len(c.queue) {
		return fmt.Errorf("%w: no track at %d", ErrQueueEmpty, index)
	}
	if c.current == nil {
		c.cursor = index
		return nil
	}
	return c.loadTracks(ctx, index, 0)
}

func (c *coordinator) enqueue(ctx context.Context, desc audio.TrackDescriptor, pos int) error {
	if pos < 0 || pos > len(c.queue) {
		pos = len(c.queue)
	}
	// The track fading in stays next in line
	if c.fading && pos == c.cursor+1 {
		pos++
	}
	pos = min(pos, len(c.queue))

	c.queue = slices.Insert(c.queue, pos, desc)
	if c.current == nil {
		return nil
	}
	if pos <= c.cursor {
		c.cursor++
		return nil
	}
	if pos == c.cursor+1 {
		c.release(c.next)
		c.next = c.openNext(ctx)
		c.gen++
		c.send(rtCommand{kind: rtSetNext, gen: c.gen, next: c.next}, true)
	}
	return nil
}

// loadTracks makes queue[index] current, starting at offset, and preloads
// its successor. A preloaded next track is reused.
func (c *coordinator) loadTracks(ctx context.Context, index int, offset time.Duration) error {
	desc := c.queue[index]

	var cur *prebuffer.Track
	if c.next != nil && index == c.cursor+1 && offset == 0 && c.next.ID() == desc.ID {
		cur, c.next = c.next, nil
	}
	c.release(c.current)
	c.release(c.next)
	c.current, c.next = nil, nil

	if cur == nil {
		t, err := c.open(ctx, desc, offset)
		if err != nil {
			c.cursor = index
			c.setState(StateStopped)
			c.gen++
			c.tracksGen = c.gen
			c.send(rtCommand{kind: rtStop, gen: c.gen}, true)
			return err
		}
		cur = t
	}

	c.cursor = index
	c.current = cur
	c.next = c.openNext(ctx)
	c.fading = false
	if c.state == StateScrubbing {
		c.setState(StatePlaying)
	}
	c.gen++
	c.tracksGen = c.gen
	c.send(rtCommand{kind: rtSetTracks, gen: c.gen, state: c.state, current: c.current, next: c.next}, true)
	return nil
}

// open creates the buffer for a track and asks the loader to fill it
func (c *coordinator) open(ctx context.Context, desc audio.TrackDescriptor, offset time.Duration) (*prebuffer.Track, error) {
	t, err := c.e.createTrack(desc)
	if err != nil {
		return nil, err
	}
	if err := c.restart(ctx, t, offset); err != nil {
		c.e.removeTrack(t)
		return nil, err
	}
	return t, nil
}

// restart flushes a track and requests delivery from offset under a new
// sequence floor
func (c *coordinator) restart(ctx context.Context, t *prebuffer.Track, offset time.Duration) error {
	epoch := c.epochs[t.ID()] + 1
	c.epochs[t.ID()] = epoch
	floor := epoch << 32

	t.BeginSeek(offset, floor)
	req := LoadRequest{Track: t.Descriptor(), Offset: offset, SeqFloor: floor}
	if err := c.e.loader.Load(ctx, req); err != nil {
		return fmt.Errorf("failed to load track %s: %w", t.ID(), err)
	}
	return nil
}

func (c *coordinator) openNext(ctx context.Context) *prebuffer.Track {
	i := c.cursor + 1
	if i >= len(c.queue) {
		return nil
	}
	desc := c.queue[i]
	if c.current != nil && desc.ID == c.current.ID() {
		// One buffer per id; the repeat is loaded when the current ends
		return nil
	}
	t, err := c.open(ctx, desc, 0)
	if err != nil {
		c.logger.Warn().Err(err).Str("track", string(desc.ID)).Msg("failed to preload next track")
		return nil
	}
	return t
}

func (c *coordinator) release(t *prebuffer.Track) {
	if t == nil {
		return
	}
	c.e.loader.Cancel(t.ID())
	c.e.removeTrack(t)
}

// send forwards a command to the scheduler. Critical commands that do not
// fit wait in the outbox, keeping their order; dropped parameter updates are
// re-sent on the next tick.
func (c *coordinator) send(cmd rtCommand, critical bool) {
	if len(c.outbox) == 0 && c.e.commands.push(cmd, critical) {
		return
	}
	if !critical {
		c.paramsDirty = true
		return
	}
	c.outbox = append(c.outbox, cmd)
}

func (c *coordinator) flush() {
	for len(c.outbox) > 0 {
		if !c.e.commands.push(c.outbox[0], true) {
			return
		}
		c.outbox[0] = rtCommand{}
		c.outbox = c.outbox[1:]
	}
	if c.paramsDirty {
		c.sendParams()
	}
}

func (c *coordinator) sendParams() {
	c.paramsDirty = false
	p := c.params
	p.EQ = c.e.equalizer()
	c.send(rtCommand{kind: rtParams, params: &p}, false)
}

func (c *coordinator) drainInternal(ctx context.Context) {
	for {
		select {
		case msg := <-c.internal:
			c.handleInternal(ctx, msg)
		default:
			return
		}
	}
}

func (c *coordinator) handleInternal(ctx context.Context, msg internalMsg) {
	switch msg.kind {
	case msgDeviceLost:
		c.logger.Warn().Err(msg.err).Str("device", msg.device.ID).Msg("output device lost")
		c.e.bus.Publish(DeviceLost{baseEvent: c.stamp(), DeviceID: msg.device.ID, Err: msg.err})
		if c.state.Active() {
			c.wasPlaying = true
			c.setState(StatePaused)
		}

	case msgDeviceReacquired:
		c.logger.Info().
			Str("device", msg.device.ID).
			Int("rate", msg.format.SampleRate).
			Int("channels", msg.format.Channels).
			Msg("output device reacquired")
		c.e.bus.Publish(DeviceReacquired{
			baseEvent: c.stamp(),
			DeviceID:  msg.device.ID,
			NewRate:   msg.format.SampleRate,
			Channels:  msg.format.Channels,
		})
		c.sendParams()
		if c.wasPlaying {
			c.wasPlaying = false
			if c.current != nil && c.state == StatePaused {
				c.send(rtCommand{kind: rtPlay}, true)
				c.setState(StatePlaying)
			}
		}

	case msgDeviceClosed:
		c.logger.Error().Err(msg.err).Str("device", msg.device.ID).Msg("output device unrecoverable")
		c.wasPlaying = false
		c.e.bus.Publish(DeviceLost{baseEvent: c.stamp(), DeviceID: msg.device.ID, Terminal: true, Err: msg.err})
		if c.state.Active() {
			c.setState(StatePaused)
		}

	case msgTrackError:
		terr := &TrackError{TrackID: msg.track, Kind: msg.errKind, Recovered: msg.errKind.Recoverable(), Err: msg.err}
		c.logger.Warn().Err(terr).Msg("track error")
		c.e.bus.Publish(TrackErrorEvent{baseEvent: c.stamp(), Error: terr})
	}
	c.updateSnapshot()
}

func (c *coordinator) drainNotices(ctx context.Context) {
	for {
		n, ok := c.e.notices.take()
		if !ok {
			return
		}
		c.handleNotice(ctx, n)
	}
}

func (c *coordinator) handleNotice(ctx context.Context, n notice) {
	switch n.kind {
	case noticeUnderrun, noticeScrubTimeout:
		c.logger.Debug().Str("track", string(n.track)).Str("kind", n.kind.String()).Msg("underrun")
		c.e.bus.Publish(Underrun{baseEvent: c.stamp(), TrackID: n.track})

	case noticeTransitionStarted:
		if n.gen != c.gen || c.next == nil || c.next.ID() != n.track {
			return
		}
		c.fading = true
		c.e.bus.Publish(TrackTransitionStarted{baseEvent: c.stamp(), From: n.from, To: n.track})

	case noticeTransitionCompleted:
		if n.gen != c.gen || c.next == nil || c.next.ID() != n.track {
			return
		}
		old := c.current
		c.current, c.next = c.next, nil
		c.cursor++
		c.fading = false
		c.release(old)
		c.next = c.openNext(ctx)
		c.gen++
		c.send(rtCommand{kind: rtSetNext, gen: c.gen, next: c.next}, true)
		c.e.bus.Publish(TrackTransitionCompleted{baseEvent: c.stamp(), From: n.from, To: n.track})
		c.updateSnapshot()

	case noticeEndOfQueue:
		// A next-only update does not restart a stopped scheduler, so the
		// end of the current track still counts after one
		if n.gen != c.gen && !c.endedCurrent(n) {
			return
		}
		if c.cursor+1 < len(c.queue) {
			// The successor was not preloaded; start it now
			if err := c.loadTracks(ctx, c.cursor+1, 0); err != nil {
				c.logger.Warn().Err(err).Msg("failed to continue queue")
			}
			return
		}
		c.release(c.current)
		c.current = nil
		c.cursor = 0
		c.setState(StateStopped)
		c.updateSnapshot()

	case noticeScrubDone:
		if n.gen == c.gen && c.state == StateScrubbing {
			c.setState(StatePlaying)
		}

	case noticeRewindNeeded:
		if c.next == nil || c.next.ID() != n.track {
			return
		}
		if err := c.restart(ctx, c.next, 0); err != nil {
			c.logger.Warn().Err(err).Str("track", string(n.track)).Msg("failed to rewind next track")
			return
		}
		c.send(rtCommand{kind: rtRewind, next: c.next}, true)

	case noticeRefillNeeded:
		t := c.e.track(n.track)
		if t == nil {
			return
		}
		c.e.loader.Refill(RefillRequest{
			TrackID:    n.track,
			Buffered:   time.Duration(t.AvailableSeconds() * float64(time.Second)),
			FreeFrames: t.FreeFrames(),
		})

	case noticeFormatChanged:
		c.logger.Debug().Str("track", string(n.track)).Msg("track resampler swapped")

	case noticeSpectrumReady:
		seq, bins, ok := c.e.analyzer.Take(n.slot)
		if !ok {
			return
		}
		format, _ := c.e.deviceFormat()
		binHz := float64(format.SampleRate) / float64(c.e.analyzer.Size())
		c.e.bus.Publish(SpectrumFrame{baseEvent: c.stamp(), Seq: seq, BinHz: binHz, Bins: bins})
	}
}

func (c *coordinator) endedCurrent(n notice) bool {
	return n.gen >= c.tracksGen && c.current != nil && c.current.ID() == n.from
}

func (c *coordinator) publishProgress() {
	if c.current == nil {
		return
	}
	id := c.e.sessionID
	c.e.bus.Publish(PositionUpdate{
		baseEvent: c.stamp(),
		SessionID: id,
		TrackID:   c.current.ID(),
		Offset:    c.current.Position(),
		Clock:     time.Duration(c.e.scheduler.stats.clock.Load()),
	})

	health := BufferHealth{
		baseEvent: c.stamp(),
		SessionID: id,
		TrackID:   c.current.ID(),
		Seconds:   c.current.AvailableSeconds(),
	}
	if c.next != nil {
		health.NextTrackID = c.next.ID()
		health.NextSeconds = c.next.AvailableSeconds()
	}
	c.e.bus.Publish(health)
}

func (c *coordinator) setState(state State) {
	if state == c.state {
		return
	}
	from := c.state
	c.state = state
	c.logger.Debug().Stringer("from", from).Stringer("to", state).Msg("state changed")
	c.e.bus.Publish(StateChanged{baseEvent: c.stamp(), From: from, To: state})
}

// stamp returns a timestamp strictly after every earlier one
func (c *coordinator) stamp() baseEvent {
	now := time.Now()
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Nanosecond)
	}
	c.lastStamp = now
	return baseEvent{timestamp: now}
}

func (c *coordinator) updateSnapshot() {
	snap := &Snapshot{
		SessionID: c.e.sessionID,
		State:     c.state,
		Queue:     slices.Clone(c.queue),
		Cursor:    c.cursor,
		Volume:    c.params.Volume,
		Crossfade: c.params.Crossfade,
		Curve:     c.params.Curve,
		UpdatedAt: time.Now(),
	}
	if c.current != nil {
		snap.TrackID = c.current.ID()
		snap.Offset = c.current.Position()
		snap.Duration = c.current.Descriptor().Duration
		snap.BufferSeconds = c.current.AvailableSeconds()
	}
	if c.next != nil {
		snap.NextTrackID = c.next.ID()
	}
	if eq := c.e.equalizer(); eq != nil {
		for _, b := range eq.Bands() {
			snap.EQGains = append(snap.EQGains, b.GainDB)
		}
	}
	snap.Format, snap.Device = c.e.deviceFormat()
	snap.DeviceStatus = c.e.device.Status()
	c.e.snapshot.Store(snap)
}
