// ABOUTME: Tests for configuration loading, env overrides and validation
// ABOUTME: Checks YAML overlays defaults and conversion into engine settings
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/audio/resample"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	engine, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, mixer.EqualPower, engine.Curve)
	assert.Equal(t, resample.QualityMedium, engine.Quality)
	assert.Zero(t, engine.Crossfade)
	assert.Len(t, engine.EQBands, 10)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
volume: 0.5
device:
  backend: virtual
  sample_rate: 44100
  sample_format: s16
crossfade:
  duration: 4s
  curve: s_curve
resampler:
  quality: best
eq:
  bands:
    - {frequency: 100, q: 0.7, gain_db: 3}
    - {frequency: 8000, q: 0.7, gain_db: -2}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Volume)
	assert.Equal(t, "virtual", cfg.Device.Backend)
	assert.Equal(t, 4*time.Second, cfg.Crossfade.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Buffer, cfg.Buffer)
	assert.Equal(t, Default().Device.MaxAttempts, cfg.Device.MaxAttempts)

	engine, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, mixer.SCurve, engine.Curve)
	assert.Equal(t, resample.QualityBest, engine.Quality)
	assert.Equal(t, 44100, engine.Device.Stream.SampleRate)
	assert.Equal(t, output.FormatS16, engine.Device.Stream.Format)
	require.Len(t, engine.EQBands, 2)
	assert.Equal(t, 3.0, engine.EQBands[0].GainDB)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "volume: [1, 2]\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "speakers: 2\n"))
	assert.ErrorContains(t, err, "speakers")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PLAYCORE_LOG_LEVEL", "debug")
	t.Setenv("PLAYCORE_DEVICE_BACKEND", "oto")
	t.Setenv("PLAYCORE_CROSSFADE", "2500ms")
	t.Setenv("PLAYCORE_DEVICE_SAMPLE_RATE", "96000")
	t.Setenv("PLAYCORE_METRICS_ENABLED", "true")
	t.Setenv("PLAYCORE_VOLUME", "0.25")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "oto", cfg.Device.Backend)
	assert.Equal(t, 2500*time.Millisecond, cfg.Crossfade.Duration)
	assert.Equal(t, 96000, cfg.Device.SampleRate)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 0.25, cfg.Volume)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"PLAYCORE_CROSSFADE":          "soon",
		"PLAYCORE_DEVICE_SAMPLE_RATE": "fast",
		"PLAYCORE_CONTROL_MDNS":       "maybe",
		"PLAYCORE_VOLUME":             "loud",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			cfg := Default()
			err := cfg.ApplyEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"volume", func(c *Config) { c.Volume = 1.5 }, "volume"},
		{"backend", func(c *Config) { c.Device.Backend = "alsa" }, "device.backend"},
		{"sample format", func(c *Config) { c.Device.SampleFormat = "u8" }, "sample_format"},
		{"backoff", func(c *Config) { c.Device.BackoffMax = time.Millisecond }, "backoff_max"},
		{"low water", func(c *Config) { c.Buffer.LowWater = c.Buffer.Capacity }, "low_water"},
		{"negative crossfade", func(c *Config) { c.Crossfade.Duration = -time.Second }, "crossfade.duration"},
		{"curve", func(c *Config) { c.Crossfade.Curve = "cosine" }, "curve"},
		{"quality", func(c *Config) { c.Resampler.Quality = "ultra" }, "quality"},
		{"no bands", func(c *Config) { c.EQ.Bands = nil }, "eq"},
		{"band frequency", func(c *Config) { c.EQ.Bands[0].Frequency = 0 }, "eq.bands[0]"},
		{"spectrum", func(c *Config) { c.Spectrum.Size = 1000 }, "spectrum.size"},
		{"metrics", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, "metrics.listen"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			_, err = cfg.EngineConfig()
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Volume = -1
	cfg.Crossfade.Curve = "cosine"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume")
	assert.Contains(t, err.Error(), "cosine")
}
