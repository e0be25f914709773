// ABOUTME: Malgo-based output backend with device enumeration and hi-res formats
// ABOUTME: Uses miniaudio via malgo; the device thread pulls frames from the render callback
package output

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// Malgo is a Backend built on miniaudio
type Malgo struct {
	logger zerolog.Logger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
}

// NewMalgo creates a miniaudio backend. The audio context is created on first use.
func NewMalgo(logger zerolog.Logger) *Malgo {
	return &Malgo{
		logger: logger.With().Str("backend", "malgo").Logger(),
	}
}

// Name identifies the backend
func (m *Malgo) Name() string { return "malgo" }

// context returns the shared miniaudio context (must hold m.mu)
func (m *Malgo) context() (*malgo.AllocatedContext, error) {
	if m.malgoCtx != nil {
		return m.malgoCtx, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", classify(err))
	}
	m.malgoCtx = ctx
	return ctx, nil
}

// Devices lists playback devices with their preferred native format
func (m *Malgo) Devices() ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, infos, err := m.enumerate()
	return infos, err
}

// enumerate returns the raw and translated device lists (must hold m.mu)
func (m *Malgo) enumerate() ([]malgo.DeviceInfo, []DeviceInfo, error) {
	ctx, err := m.context()
	if err != nil {
		return nil, nil, err
	}

	raw, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate playback devices: %w", classify(err))
	}

	infos := make([]DeviceInfo, 0, len(raw))
	for i := range raw {
		d := raw[i]
		// Enumeration only fills basic info on some backends
		if d.FormatCount == 0 {
			if full, err := ctx.DeviceInfo(malgo.Playback, d.ID, malgo.Shared); err == nil {
				d.Formats = full.Formats
				d.FormatCount = full.FormatCount
			}
		}

		info := DeviceInfo{
			ID:      d.ID.String(),
			Name:    d.Name(),
			Default: d.IsDefault != 0,
		}
		for _, f := range d.Formats {
			if f.SampleRate > 0 && info.NativeRate == 0 {
				info.NativeRate = int(f.SampleRate)
			}
			if int(f.Channels) > info.Channels {
				info.Channels = int(f.Channels)
			}
		}
		infos = append(infos, info)
	}
	return raw, infos, nil
}

// Open initializes a device stream. Zero rate or channels take the device's
// native values, which miniaudio reports after initialization.
func (m *Malgo) Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, infos, err := m.enumerate()
	if err != nil {
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	info := DeviceInfo{ID: deviceID, Name: "default", Default: true}
	if deviceID != "" || len(infos) > 0 {
		info, err = selectDevice(infos, deviceID)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", deviceID, err)
		}
		for i := range raw {
			if raw[i].ID.String() == info.ID {
				deviceConfig.Playback.DeviceID = raw[i].ID.Pointer()
				break
			}
		}
	}

	sampleFormat := cfg.Format
	if sampleFormat == "" {
		sampleFormat = FormatF32
	}
	deviceConfig.Playback.Format = malgoFormat(sampleFormat)
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	deviceConfig.Alsa.NoMMap = 1

	s := &malgoStream{
		backend: m,
		info:    info,
		onStop:  onStop,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSample, pInputSamples []byte, frameCount uint32) {
			if r := s.renderer.Load(); r != nil {
				r.fill(pOutputSample, int(frameCount))
			}
		},
		Stop: s.stopped,
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device %q: %w", info.Name, classify(err))
	}

	s.device = device
	s.format = audio.Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.PlaybackChannels()),
		BitDepth:   sampleFormat.BitDepth(),
	}
	if info.NativeRate == 0 {
		s.info.NativeRate = s.format.SampleRate
	}
	if info.Channels == 0 {
		s.info.Channels = s.format.Channels
	}
	s.renderer.Store(newRenderer(render, s.format, sampleFormat))

	m.logger.Info().
		Str("device", info.Name).
		Int("rate", s.format.SampleRate).
		Int("channels", s.format.Channels).
		Str("format", formatName(deviceConfig.Playback.Format)).
		Msg("playback device initialized")

	return s, nil
}

// Close releases the miniaudio context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			m.logger.Warn().Err(err).Msg("malgo context uninit error")
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

type malgoStream struct {
	backend  *Malgo
	device   *malgo.Device
	info     DeviceInfo
	format   audio.Format
	renderer atomic.Pointer[renderer]
	onStop   StopFunc
	closing  atomic.Bool
	stopOnce sync.Once
}

func (s *malgoStream) Format() audio.Format { return s.format }
func (s *malgoStream) Device() DeviceInfo   { return s.info }

// Start begins playback
func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", classify(err))
	}
	return nil
}

// stopped runs when miniaudio stops the device. Stops we did not ask for
// mean the device went away.
func (s *malgoStream) stopped() {
	if s.closing.Load() || s.onStop == nil {
		return
	}
	s.stopOnce.Do(func() {
		go s.onStop(ErrDeviceLost)
	})
}

// Close stops and uninitializes the device
func (s *malgoStream) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		s.backend.logger.Warn().Err(err).Msg("device stop error")
	}
	s.device.Uninit()
	s.renderer.Store(nil)
	return nil
}

func malgoFormat(f SampleFormat) malgo.FormatType {
	switch f {
	case FormatS16:
		return malgo.FormatS16
	case FormatS24:
		return malgo.FormatS24
	case FormatS32:
		return malgo.FormatS32
	default:
		return malgo.FormatF32
	}
}

// formatName returns human-readable format name
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatS32:
		return "S32"
	case malgo.FormatF32:
		return "F32"
	default:
		return fmt.Sprintf("Unknown(%d)", format)
	}
}
