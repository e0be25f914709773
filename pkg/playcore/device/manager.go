// ABOUTME: Device manager owning the output stream lifecycle
// ABOUTME: Detects loss by stop notification or callback silence and reacquires with backoff
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a device
type Status int32

const (
	StatusUninitialized Status = iota
	StatusAcquiring
	StatusActive
	StatusInactive
	StatusLost
	StatusReacquiring
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusAcquiring:
		return "acquiring"
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusLost:
		return "lost"
	case StatusReacquiring:
		return "reacquiring"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Config controls acquisition and recovery
type Config struct {
	// DeviceID selects a device; empty means the system default
	DeviceID string
	// Stream requests a format; zero fields mean device native
	Stream output.StreamConfig

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	// WatchdogInterval is how often callback health is sampled
	WatchdogInterval time.Duration
	// SilenceThreshold declares the device lost after this long without
	// callbacks; zero disables silence detection
	SilenceThreshold time.Duration
}

// DefaultConfig returns the recovery defaults
func DefaultConfig() Config {
	return Config{
		BackoffBase:      100 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		MaxAttempts:      8,
		WatchdogInterval: 100 * time.Millisecond,
		SilenceThreshold: time.Second,
	}
}

// Hooks let the engine react to device transitions. Configure runs before
// each stream starts; a failure aborts that acquisition. Status sees every
// status change in order.
type Hooks struct {
	Configure  func(format audio.Format, info output.DeviceInfo) error
	Lost       func(info output.DeviceInfo, err error)
	Reacquired func(format audio.Format, info output.DeviceInfo)
	Closed     func(info output.DeviceInfo, err error)
	Status     func(from, to Status)
}

// Descriptor is a device with its status
type Descriptor struct {
	output.DeviceInfo
	Status Status `json:"status"`
}

type lossEvent struct {
	gen uint64
	err error
}

// Manager keeps exactly one stream active
type Manager struct {
	backend output.Backend
	render  output.RenderFunc
	monitor *clock.Monitor
	cfg     Config
	hooks   Hooks
	logger  zerolog.Logger

	mu        sync.Mutex
	stream    output.Stream
	info      output.DeviceInfo
	format    audio.Format
	requested string
	streamGen uint64

	status     atomic.Int32
	reacquires atomic.Int64
	losses     chan lossEvent
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a manager. render is registered with every stream it opens.
func New(backend output.Backend, render output.RenderFunc, monitor *clock.Monitor, cfg Config, hooks Hooks, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	return &Manager{
		backend: backend,
		render:  render,
		monitor: monitor,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger.With().Str("component", "device").Str("backend", backend.Name()).Logger(),
		losses:  make(chan lossEvent, 4),
		sleep:   sleepContext,
	}
}

// Status returns the lifecycle state of the selected device
func (m *Manager) Status() Status {
	return Status(m.status.Load())
}

// Reacquires counts successful recoveries
func (m *Manager) Reacquires() int64 {
	return m.reacquires.Load()
}

// Active returns the device and format of the open stream
func (m *Manager) Active() (output.DeviceInfo, audio.Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.format
}

// Devices enumerates the backend's devices. The selected device reports the
// manager status; every other device is inactive.
func (m *Manager) Devices() ([]Descriptor, error) {
	infos, err := m.backend.Devices()
	if err != nil {
		return nil, newDeviceError("", err)
	}

	m.mu.Lock()
	activeID := m.info.ID
	m.mu.Unlock()
	status := m.Status()

	out := make([]Descriptor, len(infos))
	for i, info := range infos {
		out[i] = Descriptor{DeviceInfo: info, Status: StatusInactive}
		if activeID != "" && info.ID == activeID {
			out[i].Status = status
		}
	}
	return out, nil
}

// Acquire opens and starts a stream on a device
func (m *Manager) Acquire(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch m.Status() {
	case StatusActive, StatusAcquiring, StatusReacquiring:
		return &DeviceError{Kind: ErrorBusy, DeviceID: deviceID, Err: output.ErrDeviceBusy}
	}

	m.setStatus(StatusAcquiring)
	m.mu.Lock()
	m.requested = deviceID
	m.mu.Unlock()

	if err := m.open(deviceID); err != nil {
		m.setStatus(StatusUninitialized)
		return err
	}
	m.setStatus(StatusActive)
	return nil
}

// open opens, configures and starts a stream
func (m *Manager) open(deviceID string) error {
	m.mu.Lock()
	m.streamGen++
	gen := m.streamGen
	m.mu.Unlock()

	onStop := func(err error) {
		select {
		case m.losses <- lossEvent{gen: gen, err: err}:
		default:
		}
	}

	stream, err := m.backend.Open(deviceID, m.cfg.Stream, m.render, onStop)
	if err != nil {
		return newDeviceError(deviceID, err)
	}

	format := stream.Format()
	info := stream.Device()
	if m.hooks.Configure != nil {
		if err := m.hooks.Configure(format, info); err != nil {
			_ = stream.Close()
			return &DeviceError{Kind: ErrorUnsupported, DeviceID: info.ID, Err: err}
		}
	}
	m.monitor.Reset(format.SampleRate)

	m.mu.Lock()
	m.stream = stream
	m.info = info
	m.format = format
	m.mu.Unlock()

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		m.mu.Lock()
		m.stream = nil
		m.mu.Unlock()
		return newDeviceError(info.ID, err)
	}

	m.logger.Info().
		Str("device", info.Name).
		Str("id", info.ID).
		Int("rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("device active")
	return nil
}

// Run watches the active stream and recovers it until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-m.losses:
			m.mu.Lock()
			current := ev.gen == m.streamGen
			m.mu.Unlock()
			if current && m.Status() == StatusActive {
				m.recover(ctx, ev.err)
			}

		case <-ticker.C:
			if m.Status() != StatusActive {
				continue
			}
			if m.monitor.Sample() == clock.QualityLost {
				m.recover(ctx, fmt.Errorf("%w for %s", ErrSilent, m.monitor.SinceLast().Round(time.Millisecond)))
			}
		}
	}
}

// recover handles a lost stream: it notifies, closes, and reopens with
// exponential backoff, falling back to the default device when the
// selected one disappeared
func (m *Manager) recover(ctx context.Context, cause error) {
	m.setStatus(StatusLost)
	lostErr := &DeviceError{Kind: ErrorLost, Err: cause}

	m.mu.Lock()
	info := m.info
	stream := m.stream
	m.stream = nil
	requested := m.requested
	m.mu.Unlock()
	lostErr.DeviceID = info.ID

	m.logger.Warn().Err(cause).Str("device", info.ID).Msg("device lost")
	if m.hooks.Lost != nil {
		m.hooks.Lost(info, lostErr)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("error closing lost stream")
		}
	}

	m.setStatus(StatusReacquiring)
	delay := m.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := m.sleep(ctx, delay); err != nil {
			return
		}
		delay = min(delay*2, m.cfg.BackoffMax)

		err := m.open(requested)
		var de *DeviceError
		if err != nil && requested != "" && errors.As(err, &de) && de.Kind == ErrorNotFound {
			m.logger.Info().Str("device", requested).Msg("device gone, falling back to default")
			err = m.open("")
		}
		if err == nil {
			m.setStatus(StatusActive)
			m.reacquires.Add(1)
			newInfo, format := m.Active()
			if m.hooks.Reacquired != nil {
				m.hooks.Reacquired(format, newInfo)
			}
			return
		}

		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reacquire failed")
	}

	m.setStatus(StatusClosed)
	closedErr := &DeviceError{Kind: ErrorLost, DeviceID: info.ID, Err: fmt.Errorf("gave up after %d attempts: %w", m.cfg.MaxAttempts, lastErr)}
	m.logger.Error().Err(closedErr).Msg("device unrecoverable")
	if m.hooks.Closed != nil {
		m.hooks.Closed(info, closedErr)
	}
}

// Release closes the stream; the manager cannot be reused
func (m *Manager) Release() error {
	m.setStatus(StatusClosed)
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func (m *Manager) setStatus(s Status) {
	old := Status(m.status.Swap(int32(s)))
	if old == s {
		return
	}
	m.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("device status")
	if m.hooks.Status != nil {
		m.hooks.Status(old, s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
