// ABOUTME: Output backend tests
// ABOUTME: Exercises the virtual backend, sample encoders and device selection
package output

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendsImplementInterface(t *testing.T) {
	var _ Backend = (*Malgo)(nil)
	var _ Backend = (*Oto)(nil)
	var _ Backend = (*PortAudio)(nil)
	var _ Backend = (*Virtual)(nil)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("Virtual", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "virtual", b.Name())

	_, err = NewBackend("alsa", zerolog.Nop())
	assert.ErrorContains(t, err, "unknown output backend")
}

func formatFor(rate, channels int) audio.Format {
	return audio.Format{SampleRate: rate, Channels: channels, BitDepth: 32}
}

func constantRender(value float32, calls *atomic.Int64) RenderFunc {
	return func(buf []float32, frames int, deadline time.Time) {
		for i := range buf[:frames*2] {
			buf[i] = value
		}
		if calls != nil {
			calls.Add(1)
		}
	}
}

func TestVirtualOpenNative(t *testing.T) {
	v := NewVirtual(VirtualOptions{PeriodFrames: 256, CaptureFrames: 1024})

	devices, err := v.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 48000, devices[0].NativeRate)

	var calls atomic.Int64
	stream, err := v.Open("", StreamConfig{}, constantRender(0.25, &calls), nil)
	require.NoError(t, err)
	assert.Equal(t, 48000, stream.Format().SampleRate)
	assert.Equal(t, 2, stream.Format().Channels)
	assert.Equal(t, VirtualDeviceID, stream.Device().ID)

	// Nothing renders before Start
	assert.Zero(t, v.Pump(1))

	require.NoError(t, stream.Start())
	assert.Equal(t, 3, v.Pump(3))
	assert.EqualValues(t, 3, calls.Load())

	capture := v.Capture()
	assert.Len(t, capture, 3*256*2)
	assert.InDelta(t, 0.25, capture[0], 1e-9)

	require.NoError(t, stream.Close())
	assert.Zero(t, v.Pump(1))
}

func TestVirtualBusyAndNotFound(t *testing.T) {
	v := NewVirtual(VirtualOptions{})

	v.SetBusy(VirtualDeviceID, true)
	_, err := v.Open("", StreamConfig{}, constantRender(0, nil), nil)
	assert.ErrorIs(t, err, ErrDeviceBusy)

	_, err = v.Open("missing", StreamConfig{}, constantRender(0, nil), nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	v.SetBusy(VirtualDeviceID, false)
	v.FailOpens(1, ErrPermissionDenied)
	_, err = v.Open("", StreamConfig{}, constantRender(0, nil), nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	stream, err := v.Open("", StreamConfig{}, constantRender(0, nil), nil)
	require.NoError(t, err)
	defer stream.Close()

	// Only one stream at a time
	_, err = v.Open("", StreamConfig{}, constantRender(0, nil), nil)
	assert.ErrorIs(t, err, ErrDeviceBusy)
}

func TestVirtualSimulateLoss(t *testing.T) {
	v := NewVirtual(VirtualOptions{})

	var stopErr atomic.Value
	stream, err := v.Open("", StreamConfig{}, constantRender(0, nil), func(err error) {
		stopErr.Store(err)
	})
	require.NoError(t, err)
	require.NoError(t, stream.Start())
	require.Equal(t, 1, v.Pump(1))

	v.SimulateLoss(true)
	assert.Zero(t, v.Pump(1))
	assert.ErrorIs(t, stopErr.Load().(error), ErrDeviceLost)
	require.NoError(t, stream.Close())

	v.SetNativeRate(VirtualDeviceID, 44100)
	stream, err = v.Open("", StreamConfig{}, constantRender(0, nil), nil)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 44100, stream.Format().SampleRate)
	assert.Equal(t, 2, v.Opens())
}

func TestVirtualRealtime(t *testing.T) {
	v := NewVirtual(VirtualOptions{Realtime: true, PeriodFrames: 48})

	var calls atomic.Int64
	stream, err := v.Open("", StreamConfig{}, constantRender(0, &calls), nil)
	require.NoError(t, err)
	require.NoError(t, stream.Start())

	assert.Eventually(t, func() bool { return calls.Load() >= 5 }, 2*time.Second, time.Millisecond)
	require.NoError(t, stream.Close())

	after := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestRendererEncodings(t *testing.T) {
	render := func(buf []float32, frames int, deadline time.Time) {
		for i := 0; i < frames; i++ {
			buf[i*2] = 0.5
			buf[i*2+1] = -1.5
		}
	}

	tests := []struct {
		format SampleFormat
		check  func(t *testing.T, out []byte)
	}{
		{FormatF32, func(t *testing.T, out []byte) {
			assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(out[0:])))
			assert.Equal(t, float32(-1), math.Float32frombits(binary.LittleEndian.Uint32(out[4:])))
		}},
		{FormatS16, func(t *testing.T, out []byte) {
			assert.InDelta(t, 16383, int16(binary.LittleEndian.Uint16(out[0:])), 1)
			assert.InDelta(t, -32768, int16(binary.LittleEndian.Uint16(out[2:])), 1)
		}},
		{FormatS24, func(t *testing.T, out []byte) {
			v := int32(out[0]) | int32(out[1])<<8 | int32(int8(out[2]))<<16
			assert.InDelta(t, 4194303, v, 1)
		}},
		{FormatS32, func(t *testing.T, out []byte) {
			v := int32(binary.LittleEndian.Uint32(out[0:]))
			assert.InDelta(t, float64(4194303<<8), float64(v), 256)
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			r := newRenderer(render, formatFor(48000, 2), tt.format)
			out := make([]byte, 16*2*tt.format.BitDepth()/8)
			r.fill(out, 16)
			tt.check(t, out)
		})
	}
}

func TestRendererChunksLargePeriods(t *testing.T) {
	var calls int
	render := func(buf []float32, frames int, deadline time.Time) {
		calls++
		assert.LessOrEqual(t, frames, maxScratchFrames)
	}
	r := newRenderer(render, formatFor(48000, 2), FormatF32)
	out := make([]byte, (maxScratchFrames+10)*2*4)
	r.fill(out, maxScratchFrames+10)
	assert.Equal(t, 2, calls)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(errors.New("Device or resource busy")), ErrDeviceBusy)
	assert.ErrorIs(t, classify(errors.New("access denied")), ErrPermissionDenied)
	assert.ErrorIs(t, classify(errors.New("format not supported")), ErrUnsupportedFormat)
	assert.ErrorIs(t, classify(errors.New("no device available")), ErrDeviceNotFound)

	plain := errors.New("something else")
	assert.Equal(t, plain, classify(plain))
}

func TestSelectDevice(t *testing.T) {
	devices := []DeviceInfo{{ID: "a"}, {ID: "b", Default: true}}

	d, err := selectDevice(devices, "")
	require.NoError(t, err)
	assert.Equal(t, "b", d.ID)

	d, err = selectDevice(devices, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)

	_, err = selectDevice(devices, "c")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = selectDevice(nil, "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
