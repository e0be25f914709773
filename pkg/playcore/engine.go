// ABOUTME: Engine owning the device, scheduler, coordinator and event bus
// ABOUTME: Public API for control surfaces and the loader
package playcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/audio/resample"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// placeholderRate sizes the DSP stages until a device is configured
const placeholderRate = 48000

// Config configures an Engine. Start from DefaultConfig.
type Config struct {
	// BufferCapacity is the most audio held ahead of the cursor per track
	BufferCapacity time.Duration
	// LowWater is the buffer level below which a refill is requested
	LowWater time.Duration

	Crossfade time.Duration
	Curve     mixer.Curve
	Quality   resample.Quality
	Volume    float64

	EQBands       []dsp.Band
	SpectrumSize  int
	SpectrumEvery int

	// CommandQueueSize and ReservedCommands size the realtime command FIFO
	CommandQueueSize int
	ReservedCommands int
	// RequestBuffer bounds commands waiting for the coordinator
	RequestBuffer int

	NoticeInterval  time.Duration
	PublishInterval time.Duration
	ScrubTimeout    time.Duration

	// PreviousRestart is how far into a track Previous restarts it instead
	PreviousRestart time.Duration

	ChunkFrames int
	Device      device.Config
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BufferCapacity:   5 * time.Second,
		LowWater:         2 * time.Second,
		Curve:            mixer.EqualPower,
		Quality:          resample.QualityMedium,
		Volume:           1.0,
		EQBands:          dsp.DefaultBands(),
		SpectrumSize:     dsp.DefaultWindowSize,
		SpectrumEvery:    4,
		CommandQueueSize: 256,
		ReservedCommands: 32,
		RequestBuffer:    32,
		NoticeInterval:   5 * time.Millisecond,
		PublishInterval:  250 * time.Millisecond,
		ScrubTimeout:     500 * time.Millisecond,
		PreviousRestart:  3 * time.Second,
		ChunkFrames:      DefaultChunkFrames,
		Device:           device.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.LowWater <= 0 || c.LowWater >= c.BufferCapacity {
		c.LowWater = c.BufferCapacity * 2 / 5
	}
	if len(c.EQBands) == 0 {
		c.EQBands = def.EQBands
	}
	if c.SpectrumSize <= 0 {
		c.SpectrumSize = def.SpectrumSize
	}
	if c.SpectrumEvery <= 0 {
		c.SpectrumEvery = def.SpectrumEvery
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = def.CommandQueueSize
	}
	if c.ReservedCommands <= 0 || c.ReservedCommands >= c.CommandQueueSize {
		c.ReservedCommands = c.CommandQueueSize / 8
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = def.RequestBuffer
	}
	if c.NoticeInterval <= 0 {
		c.NoticeInterval = def.NoticeInterval
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = def.PublishInterval
	}
	if c.ScrubTimeout <= 0 {
		c.ScrubTimeout = def.ScrubTimeout
	}
	if c.PreviousRestart <= 0 {
		c.PreviousRestart = def.PreviousRestart
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = def.ChunkFrames
	}
	c.Volume = max(0, min(1, c.Volume))
}

// Engine is one playback core instance
type Engine struct {
	cfg       Config
	logger    zerolog.Logger
	loader    Loader
	sessionID string

	bus       *Bus
	commands  *commandQueue
	notices   *noticeRing
	monitor   *clock.Monitor
	analyzer  *dsp.Analyzer
	scheduler *Scheduler
	device    *device.Manager
	coord     *coordinator
	snapshot  atomic.Pointer[Snapshot]

	mu         sync.RWMutex
	tracks     map[audio.TrackID]*prebuffer.Track
	format     audio.Format
	deviceInfo output.DeviceInfo
	coeffs     *dsp.Coefficients

	started  atomic.Bool
	closed   atomic.Bool
	stopping chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New creates an engine playing through backend and fed by loader
func New(cfg Config, backend output.Backend, loader Loader, logger zerolog.Logger) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("playcore: nil output backend")
	}
	if loader == nil {
		return nil, errors.New("playcore: nil loader")
	}
	cfg.applyDefaults()

	coeffs, err := dsp.NewCoefficients(placeholderRate, cfg.EQBands)
	if err != nil {
		return nil, fmt.Errorf("failed to design equalizer: %w", err)
	}
	eq, err := dsp.NewEQ(2, coeffs)
	if err != nil {
		return nil, fmt.Errorf("failed to create equalizer: %w", err)
	}
	analyzer, err := dsp.NewAnalyzer(placeholderRate, cfg.SpectrumSize, cfg.SpectrumEvery)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With().Str("component", "engine").Logger(),
		loader:    loader,
		sessionID: uuid.New().String(),
		bus:       NewBus(),
		commands:  newCommandQueue(cfg.CommandQueueSize, cfg.ReservedCommands),
		notices:   &noticeRing{},
		monitor:   clock.NewMonitor(cfg.Device.SilenceThreshold),
		analyzer:  analyzer,
		tracks:    make(map[audio.TrackID]*prebuffer.Track),
		coeffs:    coeffs,
		stopping:  make(chan struct{}),
	}

	params := &Params{Volume: cfg.Volume, Crossfade: cfg.Crossfade, Curve: cfg.Curve, EQ: coeffs}
	e.scheduler = newScheduler(schedulerConfig{
		Chunk:        cfg.ChunkFrames,
		ScrubTimeout: cfg.ScrubTimeout,
		Params:       params,
	}, e.commands, e.notices, e.monitor, eq, analyzer)

	e.device = device.New(backend, e.scheduler.Render, e.monitor, cfg.Device, device.Hooks{
		Configure:  e.configure,
		Lost:       e.deviceLost,
		Reacquired: e.deviceReacquired,
		Closed:     e.deviceClosed,
	}, logger)
	e.coord = newCoordinator(e)
	e.snapshot.Store(&Snapshot{SessionID: e.sessionID, Volume: cfg.Volume, Crossfade: cfg.Crossfade, Curve: cfg.Curve})

	return e, nil
}

// Start acquires the output device and starts the coordinator and device watchdog
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := e.device.Acquire(ctx, e.cfg.Device.DeviceID); err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to acquire output device: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.coord.run(gctx) })
	g.Go(func() error { return e.device.Run(gctx) })
	e.cancel = cancel
	e.group = g

	format, info := e.deviceFormat()
	e.logger.Info().
		Str("session", e.sessionID).
		Str("device", info.Name).
		Int("rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("engine started")
	return nil
}

// Close stops playback and releases the device
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopping)

	var err error
	if e.cancel != nil {
		e.cancel()
		err = e.group.Wait()
	}
	if relErr := e.device.Release(); relErr != nil && err == nil {
		err = relErr
	}
	e.bus.Close()
	e.logger.Info().Msg("engine closed")
	return err
}

// Submit applies a command and returns its result. Critical commands wait
// for room; parameter changes fail with ErrCommandQueueFull under backlog.
func (e *Engine) Submit(ctx context.Context, cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	if cmd.Kind == CmdSetEQBand && cmd.Band >= len(e.cfg.EQBands) {
		return fmt.Errorf("%w: %d", dsp.ErrBandIndex, cmd.Band)
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	return e.coord.submit(ctx, cmd)
}

// Play starts or resumes playback
func (e *Engine) Play(ctx context.Context) error {
	return e.Submit(ctx, Command{Kind: CmdPlay})
}

// Pause pauses playback
func (e *Engine) Pause(ctx context.Context) error {
	return e.Submit(ctx, Command{Kind: CmdPause})
}

// Stop stops playback and unloads the current track
func (e *Engine) Stop(ctx context.Context) error {
	return e.Submit(ctx, Command{Kind: CmdStop})
}

// Seek moves within the current track
func (e *Engine) Seek(ctx context.Context, offset time.Duration) error {
	return e.Submit(ctx, Command{Kind: CmdSeek, Offset: offset})
}

// SetVolume sets the output level in [0, 1]
func (e *Engine) SetVolume(ctx context.Context, volume float64) error {
	return e.Submit(ctx, Command{Kind: CmdSetVolume, Volume: volume})
}

// SetCrossfadeDuration sets the transition length; zero splices tracks
func (e *Engine) SetCrossfadeDuration(ctx context.Context, d time.Duration) error {
	return e.Submit(ctx, Command{Kind: CmdSetCrossfadeDuration, Duration: d})
}

// SetCrossfadeCurve selects the fade gain curve
func (e *Engine) SetCrossfadeCurve(ctx context.Context, curve mixer.Curve) error {
	return e.Submit(ctx, Command{Kind: CmdSetCrossfadeCurve, Curve: curve})
}

// SetEQBand sets one equalizer band gain
func (e *Engine) SetEQBand(ctx context.Context, band int, gainDB float64) error {
	return e.Submit(ctx, Command{Kind: CmdSetEQBand, Band: band, GainDB: gainDB})
}

// Enqueue inserts a track at position; a negative position appends
func (e *Engine) Enqueue(ctx context.Context, track audio.TrackDescriptor, position int) error {
	return e.Submit(ctx, Command{Kind: CmdEnqueueTrack, Track: track, Position: position})
}

// Next skips to the next queued track
func (e *Engine) Next(ctx context.Context) error {
	return e.Submit(ctx, Command{Kind: CmdNextTrack})
}

// Previous restarts the current track or goes back one entry
func (e *Engine) Previous(ctx context.Context) error {
	return e.Submit(ctx, Command{Kind: CmdPreviousTrack})
}

// Push delivers decoded float samples for a loaded track
func (e *Engine) Push(id audio.TrackID, seq uint64, samples []float32, format audio.Format) error {
	return e.PushBlock(audio.FrameBlock{TrackID: id, Seq: seq, Format: format, Samples: samples})
}

// PushInt32 delivers 24-bit samples for a loaded track
func (e *Engine) PushInt32(id audio.TrackID, seq uint64, samples []int32, format audio.Format) error {
	buf := make([]float32, len(samples))
	audio.Int32ToFloat(buf, samples)
	return e.Push(id, seq, buf, format)
}

// PushBlock delivers a frame block; the samples are copied
func (e *Engine) PushBlock(block audio.FrameBlock) error {
	if e.closed.Load() {
		return ErrClosed
	}
	t := e.track(block.TrackID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, block.TrackID)
	}
	return t.Push(block)
}

// MarkEndOfTrack records that the loader delivered the last block
func (e *Engine) MarkEndOfTrack(id audio.TrackID) error {
	t := e.track(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	t.MarkEndOfTrack()
	return nil
}

// MarkError reports a loader failure for a track
func (e *Engine) MarkError(id audio.TrackID, kind ErrorKind, cause error) error {
	t := e.track(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	t.MarkError(kind)
	e.sendInternal(internalMsg{kind: msgTrackError, track: id, errKind: kind, err: cause})
	return nil
}

// Subscribe returns a subscription receiving every published event
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.bus.Subscribe(buffer)
}

// Unsubscribe stops delivery to a subscription
func (e *Engine) Unsubscribe(s *Subscription) {
	e.bus.Unsubscribe(s)
}

// Snapshot returns the latest session snapshot
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

// Stats returns render and device counters
func (e *Engine) Stats() Stats {
	s := e.scheduler.Stats()
	s.Reacquires = e.device.Reacquires()
	if t := e.scheduler.Current(); t != nil {
		s.BufferSeconds = t.AvailableSeconds()
	}
	return s
}

// ClockStats returns the device clock estimate
func (e *Engine) ClockStats() clock.Stats {
	return e.monitor.Stats()
}

// Devices lists the backend's devices and their status
func (e *Engine) Devices() ([]device.Descriptor, error) {
	return e.device.Devices()
}

// SessionID identifies this engine's session
func (e *Engine) SessionID() string {
	return e.sessionID
}

// EQBands returns the equalizer topology with current gains
func (e *Engine) EQBands() []dsp.Band {
	return e.equalizer().Bands()
}

func (e *Engine) track(id audio.TrackID) *prebuffer.Track {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tracks[id]
}

func (e *Engine) createTrack(desc audio.TrackDescriptor) (*prebuffer.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tracks[desc.ID]; ok {
		return nil, fmt.Errorf("track %s already loaded", desc.ID)
	}
	t, err := prebuffer.NewTrack(desc, prebuffer.Config{
		Capacity: e.cfg.BufferCapacity,
		LowWater: e.cfg.LowWater,
		Quality:  e.cfg.Quality,
		Output:   e.format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create track buffer: %w", err)
	}
	e.tracks[desc.ID] = t
	return t, nil
}

func (e *Engine) removeTrack(t *prebuffer.Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracks[t.ID()] == t {
		delete(e.tracks, t.ID())
	}
}

func (e *Engine) equalizer() *dsp.Coefficients {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coeffs
}

func (e *Engine) setBand(index int, gainDB float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.coeffs.WithBand(index, gainDB)
	if err != nil {
		return err
	}
	e.coeffs = c
	return nil
}

func (e *Engine) deviceFormat() (audio.Format, output.DeviceInfo) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.format, e.deviceInfo
}

// configure runs before the device stream starts, on first acquisition and
// every reacquisition, so no callback sees a stale rate
func (e *Engine) configure(format audio.Format, info output.DeviceInfo) error {
	e.mu.Lock()
	coeffs, err := e.coeffs.WithSampleRate(format.SampleRate)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to redesign equalizer: %w", err)
	}
	e.coeffs = coeffs
	e.format = format
	e.deviceInfo = info
	tracks := make([]*prebuffer.Track, 0, len(e.tracks))
	for _, t := range e.tracks {
		tracks = append(tracks, t)
	}
	e.mu.Unlock()

	for _, t := range tracks {
		if err := t.Retarget(format); err != nil {
			e.logger.Warn().Err(err).Str("track", string(t.ID())).Msg("failed to retarget track")
		}
	}
	e.scheduler.Reconfigure(format, coeffs)
	return nil
}

func (e *Engine) deviceLost(info output.DeviceInfo, err error) {
	if !e.commands.push(rtCommand{kind: rtForcePause}, true) {
		e.scheduler.ForcePause()
	}
	e.sendInternal(internalMsg{kind: msgDeviceLost, device: info, err: err})
}

func (e *Engine) deviceReacquired(format audio.Format, info output.DeviceInfo) {
	e.sendInternal(internalMsg{kind: msgDeviceReacquired, format: format, device: info})
}

func (e *Engine) deviceClosed(info output.DeviceInfo, err error) {
	e.sendInternal(internalMsg{kind: msgDeviceClosed, device: info, err: err})
}

func (e *Engine) sendInternal(msg internalMsg) {
	select {
	case e.coord.internal <- msg:
	case <-e.stopping:
	}
}
