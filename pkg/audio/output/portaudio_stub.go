//go:build !portaudio

// ABOUTME: PortAudio stub when library not available
// ABOUTME: Provides compile-time placeholder when PortAudio not installed
package output

import (
	"errors"

	"github.com/rs/zerolog"
)

var errPortAudioDisabled = errors.New("PortAudio support not enabled (build with -tags portaudio)")

// PortAudio backend (stub)
type PortAudio struct{}

// NewPortAudio creates a PortAudio backend
func NewPortAudio(logger zerolog.Logger) *PortAudio {
	return &PortAudio{}
}

// Name identifies the backend
func (p *PortAudio) Name() string { return "portaudio" }

// Devices is unavailable without the portaudio build tag
func (p *PortAudio) Devices() ([]DeviceInfo, error) {
	return nil, errPortAudioDisabled
}

// Open is unavailable without the portaudio build tag
func (p *PortAudio) Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error) {
	return nil, errPortAudioDisabled
}

// Close releases resources
func (p *PortAudio) Close() error {
	return nil
}
