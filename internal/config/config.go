// ABOUTME: Player configuration loaded from YAML with PLAYCORE_* overrides
// ABOUTME: Converts file settings into engine, device and service configuration
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/audio/resample"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PLAYCORE_"

// Config is the full player configuration
type Config struct {
	Volume    float64         `yaml:"volume"`
	Device    DeviceConfig    `yaml:"device"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Crossfade CrossfadeConfig `yaml:"crossfade"`
	Resampler ResamplerConfig `yaml:"resampler"`
	EQ        EQConfig        `yaml:"eq"`
	Spectrum  SpectrumConfig  `yaml:"spectrum"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig selects the output and its recovery policy
type DeviceConfig struct {
	Backend          string        `yaml:"backend"`
	ID               string        `yaml:"id"`
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	PeriodFrames     int           `yaml:"period_frames"`
	SampleFormat     string        `yaml:"sample_format"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
}

type BufferConfig struct {
	Capacity time.Duration `yaml:"capacity"`
	LowWater time.Duration `yaml:"low_water"`
}

type CrossfadeConfig struct {
	Duration time.Duration `yaml:"duration"`
	Curve    string        `yaml:"curve"`
}

type ResamplerConfig struct {
	Quality string `yaml:"quality"`
}

type EQConfig struct {
	Bands []dsp.Band `yaml:"bands"`
}

type SpectrumConfig struct {
	Size  int `yaml:"size"`
	Every int `yaml:"every"`
}

// ControlConfig configures the websocket control server and its advertisement
type ControlConfig struct {
	Listen string `yaml:"listen"`
	Name   string `yaml:"name"`
	MDNS   bool   `yaml:"mdns"`
	MPRIS  bool   `yaml:"mpris"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() Config {
	engine := playcore.DefaultConfig()
	return Config{
		Volume: 1.0,
		Device: DeviceConfig{
			Backend:          "malgo",
			SampleFormat:     string(output.FormatF32),
			BackoffBase:      engine.Device.BackoffBase,
			BackoffMax:       engine.Device.BackoffMax,
			MaxAttempts:      engine.Device.MaxAttempts,
			SilenceThreshold: engine.Device.SilenceThreshold,
		},
		Buffer: BufferConfig{
			Capacity: engine.BufferCapacity,
			LowWater: engine.LowWater,
		},
		Crossfade: CrossfadeConfig{Curve: engine.Curve.String()},
		Resampler: ResamplerConfig{Quality: engine.Quality.String()},
		EQ:        EQConfig{Bands: dsp.DefaultBands()},
		Spectrum:  SpectrumConfig{Size: engine.SpectrumSize, Every: engine.SpectrumEvery},
		Control:   ControlConfig{Listen: ":8927", MDNS: true},
		Metrics:   MetricsConfig{Listen: ":9464"},
		Log:       LogConfig{Level: "info", Format: string(logging.FormatConsole), File: "playcore.log"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PLAYCORE_* environment variables
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
		"LOG_FILE":             &c.Log.File,
		"DEVICE_BACKEND":       &c.Device.Backend,
		"DEVICE_ID":            &c.Device.ID,
		"DEVICE_SAMPLE_FORMAT": &c.Device.SampleFormat,
		"CROSSFADE_CURVE":      &c.Crossfade.Curve,
		"RESAMPLER_QUALITY":    &c.Resampler.Quality,
		"CONTROL_LISTEN":       &c.Control.Listen,
		"CONTROL_NAME":         &c.Control.Name,
		"METRICS_LISTEN":       &c.Metrics.Listen,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"BUFFER_CAPACITY":          &c.Buffer.Capacity,
		"BUFFER_LOW_WATER":         &c.Buffer.LowWater,
		"CROSSFADE":                &c.Crossfade.Duration,
		"DEVICE_SILENCE_THRESHOLD": &c.Device.SilenceThreshold,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"DEVICE_SAMPLE_RATE": &c.Device.SampleRate,
		"DEVICE_CHANNELS":    &c.Device.Channels,
		"SPECTRUM_SIZE":      &c.Spectrum.Size,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"METRICS_ENABLED": &c.Metrics.Enabled,
		"CONTROL_MDNS":    &c.Control.MDNS,
		"CONTROL_MPRIS":   &c.Control.MPRIS,
	}
	for key, dst := range bools {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := os.LookupEnv(EnvPrefix + "VOLUME"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sVOLUME: %w", EnvPrefix, err)
		}
		c.Volume = f
	}
	return nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error

	if c.Volume < 0 || c.Volume > 1 {
		errs = append(errs, fmt.Errorf("volume %.2f out of range [0,1]", c.Volume))
	}
	if !validBackend(c.Device.Backend) {
		errs = append(errs, fmt.Errorf("device.backend %q: want one of %s", c.Device.Backend, strings.Join(output.Backends, ", ")))
	}
	if _, err := parseSampleFormat(c.Device.SampleFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Device.SampleRate < 0 || c.Device.Channels < 0 || c.Device.PeriodFrames < 0 {
		errs = append(errs, errors.New("device: sample_rate, channels and period_frames must not be negative"))
	}
	if c.Device.BackoffMax < c.Device.BackoffBase {
		errs = append(errs, errors.New("device.backoff_max must not be below backoff_base"))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer.capacity must be positive"))
	}
	if c.Buffer.LowWater < 0 || c.Buffer.LowWater >= c.Buffer.Capacity {
		errs = append(errs, errors.New("buffer.low_water must be below buffer.capacity"))
	}
	if c.Crossfade.Duration < 0 {
		errs = append(errs, errors.New("crossfade.duration must not be negative"))
	}
	if _, err := mixer.ParseCurve(c.Crossfade.Curve); err != nil {
		errs = append(errs, err)
	}
	if _, err := resample.ParseQuality(c.Resampler.Quality); err != nil {
		errs = append(errs, err)
	}
	if _, err := dsp.NewCoefficients(48000, c.EQ.Bands); err != nil {
		errs = append(errs, fmt.Errorf("eq: %w", err))
	}
	for i, b := range c.EQ.Bands {
		if b.Frequency <= 0 || b.Frequency >= 20000 {
			errs = append(errs, fmt.Errorf("eq.bands[%d]: frequency %.1f out of range", i, b.Frequency))
		}
	}
	if c.Spectrum.Size != 0 && (c.Spectrum.Size < 64 || c.Spectrum.Size&(c.Spectrum.Size-1) != 0) {
		errs = append(errs, fmt.Errorf("spectrum.size %d must be a power of two of at least 64", c.Spectrum.Size))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// EngineConfig converts the settings into an engine configuration
func (c Config) EngineConfig() (playcore.Config, error) {
	if err := c.Validate(); err != nil {
		return playcore.Config{}, err
	}
	curve, _ := mixer.ParseCurve(c.Crossfade.Curve)
	quality, _ := resample.ParseQuality(c.Resampler.Quality)
	format, _ := parseSampleFormat(c.Device.SampleFormat)

	cfg := playcore.DefaultConfig()
	cfg.Volume = c.Volume
	cfg.BufferCapacity = c.Buffer.Capacity
	cfg.LowWater = c.Buffer.LowWater
	cfg.Crossfade = c.Crossfade.Duration
	cfg.Curve = curve
	cfg.Quality = quality
	cfg.EQBands = append([]dsp.Band(nil), c.EQ.Bands...)
	if c.Spectrum.Size > 0 {
		cfg.SpectrumSize = c.Spectrum.Size
	}
	if c.Spectrum.Every > 0 {
		cfg.SpectrumEvery = c.Spectrum.Every
	}

	cfg.Device.DeviceID = c.Device.ID
	cfg.Device.Stream = output.StreamConfig{
		SampleRate:   c.Device.SampleRate,
		Channels:     c.Device.Channels,
		PeriodFrames: c.Device.PeriodFrames,
		Format:       format,
	}
	cfg.Device.BackoffBase = c.Device.BackoffBase
	cfg.Device.BackoffMax = c.Device.BackoffMax
	cfg.Device.MaxAttempts = c.Device.MaxAttempts
	cfg.Device.SilenceThreshold = c.Device.SilenceThreshold
	return cfg, nil
}

func validBackend(name string) bool {
	for _, b := range output.Backends {
		if strings.EqualFold(name, b) {
			return true
		}
	}
	return false
}

func parseSampleFormat(s string) (output.SampleFormat, error) {
	switch f := output.SampleFormat(strings.ToLower(s)); f {
	case "":
		return output.FormatF32, nil
	case output.FormatF32, output.FormatS16, output.FormatS24, output.FormatS32:
		return f, nil
	}
	return "", fmt.Errorf("device.sample_format %q: want f32, s16, s24 or s32", s)
}
