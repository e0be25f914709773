// ABOUTME: Oto-based output backend for the system default device
// ABOUTME: A pull reader feeds oto's player from the render callback
package output

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

const (
	otoDefaultRate     = 48000
	otoDefaultChannels = 2
	otoDeviceID        = "default"
)

// oto only allows one context per process
var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat audio.Format
	otoErr    error
)

// Oto is a Backend exposing the default device through oto
type Oto struct {
	logger zerolog.Logger
}

// NewOto creates an oto backend
func NewOto(logger zerolog.Logger) *Oto {
	return &Oto{logger: logger.With().Str("backend", "oto").Logger()}
}

// Name identifies the backend
func (o *Oto) Name() string { return "oto" }

// Devices reports the single default device oto can drive
func (o *Oto) Devices() ([]DeviceInfo, error) {
	rate := otoDefaultRate
	channels := otoDefaultChannels
	if otoCtx != nil {
		rate = otoFormat.SampleRate
		channels = otoFormat.Channels
	}
	return []DeviceInfo{{
		ID:         otoDeviceID,
		Name:       "System default (oto)",
		NativeRate: rate,
		Channels:   channels,
		Default:    true,
	}}, nil
}

// Open creates the process-wide oto context on first use. Later opens must
// request the same format since oto cannot reinitialize.
func (o *Oto) Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error) {
	if deviceID != "" && deviceID != otoDeviceID {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrDeviceNotFound)
	}

	format := audio.Format{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BitDepth:   32,
	}
	if format.SampleRate == 0 {
		format.SampleRate = otoDefaultRate
	}
	if format.Channels == 0 {
		format.Channels = otoDefaultChannels
	}

	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatFloat32LE,
		}
		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("failed to create oto context: %w", classify(err))
			return
		}
		<-readyChan
		otoCtx = ctx
		otoFormat = format
	})
	if otoErr != nil {
		return nil, otoErr
	}

	if otoFormat.SampleRate != format.SampleRate || otoFormat.Channels != format.Channels {
		if cfg.SampleRate != 0 || cfg.Channels != 0 {
			return nil, fmt.Errorf("oto context fixed at %s, requested %s: %w",
				otoFormat, format, ErrUnsupportedFormat)
		}
		format = otoFormat
	}

	s := &otoStream{
		logger: o.logger,
		format: format,
		info: DeviceInfo{
			ID:         otoDeviceID,
			Name:       "System default (oto)",
			NativeRate: format.SampleRate,
			Channels:   format.Channels,
			Default:    true,
		},
	}
	s.reader = &otoReader{
		renderer:      newRenderer(render, format, FormatF32),
		bytesPerFrame: 4 * format.Channels,
	}
	s.player = otoCtx.NewPlayer(s.reader)
	if cfg.PeriodFrames > 0 {
		s.player.SetBufferSize(cfg.PeriodFrames * s.reader.bytesPerFrame)
	}

	o.logger.Info().
		Int("rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("playback device initialized")

	return s, nil
}

// Close suspends the shared context; oto keeps it alive for the process
func (o *Oto) Close() error {
	if otoCtx != nil {
		return otoCtx.Suspend()
	}
	return nil
}

// otoReader is pulled by oto's mixer goroutine
type otoReader struct {
	renderer      *renderer
	bytesPerFrame int
	closed        atomic.Bool
}

func (r *otoReader) Read(p []byte) (int, error) {
	frames := len(p) / r.bytesPerFrame
	if frames == 0 {
		return 0, nil
	}
	n := frames * r.bytesPerFrame
	if r.closed.Load() {
		clear(p[:n])
		return n, nil
	}
	r.renderer.fill(p[:n], frames)
	return n, nil
}

type otoStream struct {
	logger zerolog.Logger
	player *oto.Player
	reader *otoReader
	format audio.Format
	info   DeviceInfo
}

func (s *otoStream) Format() audio.Format { return s.format }
func (s *otoStream) Device() DeviceInfo   { return s.info }

// Start begins playback
func (s *otoStream) Start() error {
	if err := otoCtx.Resume(); err != nil {
		return fmt.Errorf("failed to resume oto context: %w", classify(err))
	}
	s.player.Play()
	return nil
}

// Close stops the player
func (s *otoStream) Close() error {
	if !s.reader.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.player.Pause()
	if err := s.player.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("oto player close error")
	}
	return nil
}
