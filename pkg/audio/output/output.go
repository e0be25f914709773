// ABOUTME: Audio output backend and stream interface definitions
// ABOUTME: Devices pull interleaved float32 frames from a registered render callback
package output

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/rs/zerolog"
)

var (
	// ErrDeviceNotFound is returned when no device matches the requested id
	ErrDeviceNotFound = errors.New("output: device not found")
	// ErrDeviceBusy is returned when the device is held elsewhere
	ErrDeviceBusy = errors.New("output: device busy")
	// ErrUnsupportedFormat is returned when the device rejects the stream format
	ErrUnsupportedFormat = errors.New("output: unsupported format")
	// ErrPermissionDenied is returned when the OS refuses access to the device
	ErrPermissionDenied = errors.New("output: permission denied")
	// ErrDeviceLost is passed to the stop callback when the device disappears
	ErrDeviceLost = errors.New("output: device lost")
)

// RenderFunc fills buf with frames interleaved frames before deadline.
// It runs on the device's callback thread.
type RenderFunc func(buf []float32, frames int, deadline time.Time)

// StopFunc is invoked when the backend stops a stream on its own
type StopFunc func(err error)

// DeviceInfo describes an output device
type DeviceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	NativeRate int    `json:"native_rate"`
	Channels   int    `json:"channels"`
	Default    bool   `json:"default"`
}

// SampleFormat is the device-side sample encoding
type SampleFormat string

const (
	FormatF32 SampleFormat = "f32"
	FormatS16 SampleFormat = "s16"
	FormatS24 SampleFormat = "s24"
	FormatS32 SampleFormat = "s32"
)

// BitDepth returns the bits per sample of the encoding
func (f SampleFormat) BitDepth() int {
	switch f {
	case FormatS16:
		return 16
	case FormatS24:
		return 24
	default:
		return 32
	}
}

// StreamConfig requests a stream format. Zero values mean device native.
type StreamConfig struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	Format       SampleFormat
}

// Backend enumerates and opens devices of one audio API
type Backend interface {
	// Name identifies the backend
	Name() string

	// Devices lists playback devices
	Devices() ([]DeviceInfo, error)

	// Open prepares a stream on a device; an empty id selects the default device
	Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error)

	// Close releases backend resources
	Close() error
}

// Stream is an opened device stream
type Stream interface {
	// Format returns the negotiated format
	Format() audio.Format

	// Device returns the device the stream was opened on
	Device() DeviceInfo

	// Start begins invoking the render callback
	Start() error

	// Close stops callbacks and releases the device
	Close() error
}

// classify maps backend error text onto the output sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return errors.Join(ErrDeviceBusy, err)
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"):
		return errors.Join(ErrPermissionDenied, err)
	case strings.Contains(msg, "format"), strings.Contains(msg, "not supported"):
		return errors.Join(ErrUnsupportedFormat, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "not found"):
		return errors.Join(ErrDeviceNotFound, err)
	}
	return err
}

// selectDevice resolves an id against a device list
func selectDevice(devices []DeviceInfo, id string) (DeviceInfo, error) {
	if len(devices) == 0 {
		return DeviceInfo{}, ErrDeviceNotFound
	}
	if id == "" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		return devices[0], nil
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return DeviceInfo{}, ErrDeviceNotFound
}

// Backends lists the names accepted by NewBackend
var Backends = []string{"malgo", "oto", "portaudio", "virtual"}

// NewBackend creates a backend by name. The virtual backend renders in
// realtime so headless runs behave like a sound card.
func NewBackend(name string, logger zerolog.Logger) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "malgo":
		return NewMalgo(logger), nil
	case "oto":
		return NewOto(logger), nil
	case "portaudio":
		return NewPortAudio(logger), nil
	case "virtual":
		return NewVirtual(VirtualOptions{Realtime: true}), nil
	}
	return nil, fmt.Errorf("unknown output backend %q (want one of %s)", name, strings.Join(Backends, ", "))
}
