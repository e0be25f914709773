//go:build portaudio

// ABOUTME: PortAudio output backend
// ABOUTME: Cross-platform device enumeration and float32 callback streams via PortAudio
package output

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// PortAudio is a Backend built on PortAudio
type PortAudio struct {
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewPortAudio creates a PortAudio backend
func NewPortAudio(logger zerolog.Logger) *PortAudio {
	return &PortAudio{logger: logger.With().Str("backend", "portaudio").Logger()}
}

// Name identifies the backend
func (p *PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) init() error {
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", classify(err))
	}
	p.initialized = true
	return nil
}

// Devices lists output-capable devices
func (p *PortAudio) Devices() ([]DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, infos, err := p.enumerate()
	return infos, err
}

func (p *PortAudio) enumerate() ([]*portaudio.DeviceInfo, []DeviceInfo, error) {
	if err := p.init(); err != nil {
		return nil, nil, err
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate devices: %w", classify(err))
	}
	def, _ := portaudio.DefaultOutputDevice()

	var raw []*portaudio.DeviceInfo
	var infos []DeviceInfo
	for _, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		raw = append(raw, d)
		infos = append(infos, DeviceInfo{
			ID:         strconv.Itoa(d.Index),
			Name:       d.Name,
			NativeRate: int(d.DefaultSampleRate),
			Channels:   d.MaxOutputChannels,
			Default:    def != nil && def.Index == d.Index,
		})
	}
	return raw, infos, nil
}

// Open prepares a float32 output stream
func (p *PortAudio) Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, infos, err := p.enumerate()
	if err != nil {
		return nil, err
	}
	info, err := selectDevice(infos, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", deviceID, err)
	}

	var dev *portaudio.DeviceInfo
	for i, d := range infos {
		if d.ID == info.ID {
			dev = raw[i]
		}
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 32}
	if format.SampleRate == 0 {
		format.SampleRate = info.NativeRate
	}
	if format.Channels == 0 {
		format.Channels = min(info.Channels, 2)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	if cfg.PeriodFrames > 0 {
		params.FramesPerBuffer = cfg.PeriodFrames
	}

	r := newRenderer(render, format, FormatF32)
	stream, err := portaudio.OpenStream(params, func(out []float32) {
		r.fillFloat(out, len(out)/format.Channels)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", classify(err))
	}

	p.logger.Info().
		Str("device", info.Name).
		Int("rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("playback device initialized")

	return &portAudioStream{stream: stream, info: info, format: format}, nil
}

// Close terminates PortAudio
func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

type portAudioStream struct {
	stream *portaudio.Stream
	info   DeviceInfo
	format audio.Format
	once   sync.Once
}

func (s *portAudioStream) Format() audio.Format { return s.format }
func (s *portAudioStream) Device() DeviceInfo   { return s.info }

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", classify(err))
	}
	return nil
}

func (s *portAudioStream) Close() error {
	var err error
	s.once.Do(func() {
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
