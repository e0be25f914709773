// ABOUTME: Tests for audio types
// ABOUTME: Tests format arithmetic and sample conversions
package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFrameMath(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitDepth: 24}

	require.True(t, f.Valid())
	assert.Equal(t, 12000, f.FramesFor(250*time.Millisecond))
	assert.Equal(t, 2*time.Second, f.DurationOf(96000))
	assert.Equal(t, "48000Hz/2ch/24bit", f.String())

	assert.False(t, Format{SampleRate: 48000, Channels: MaxChannels + 1}.Valid())
	assert.False(t, Format{SampleRate: 0, Channels: 2}.Valid())
}

func TestTrackDescriptor(t *testing.T) {
	desc := TrackDescriptor{ID: "a", SampleRate: 44100, Channels: 2, BitDepth: 16, Duration: 180 * time.Second}

	assert.Equal(t, int64(44100*180), desc.Frames())
	assert.Equal(t, Format{SampleRate: 44100, Channels: 2, BitDepth: 16}, desc.Format())
	assert.Zero(t, TrackDescriptor{ID: "live", SampleRate: 44100, Channels: 2}.Frames())
}

func TestFrameBlockFrames(t *testing.T) {
	block := FrameBlock{Format: Format{SampleRate: 48000, Channels: 2}, Samples: make([]float32, 10)}
	assert.Equal(t, 5, block.Frames())
	assert.Zero(t, FrameBlock{}.Frames())
}

func TestIntegerConversions(t *testing.T) {
	// 16-bit samples are left-justified into the 24-bit range
	for _, s := range []int16{0, 100, -100, 32767, -32768} {
		wide := SampleFromInt16(s)
		assert.Equal(t, int32(s)<<8, wide)
		assert.Equal(t, s, SampleToInt16(wide))
	}

	assert.Equal(t, [3]byte{0x56, 0x34, 0x12}, SampleTo24Bit(0x123456))
	assert.Equal(t, [3]byte{0x00, 0xFF, 0xFF}, SampleTo24Bit(-256))
}

func TestFloatConversions(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int32
	}{
		{"zero", 0, 0},
		{"half", 0.5, 4194304},
		{"negative half", -0.5, -4194304},
		{"clip high", 1.5, Max24Bit},
		{"clip low", -1.5, Min24Bit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SampleFromFloat(tt.in))
		})
	}

	assert.InDelta(t, 1.0/256, SampleToFloat(SampleFromInt16(128)), 1e-9)
	assert.Equal(t, float32(1), Clamp(1.7))
	assert.Equal(t, float32(-1), Clamp(-3))
	assert.Equal(t, float32(0.25), Clamp(0.25))
}

func TestInt32ToFloat(t *testing.T) {
	src := []int32{0, 4194304, -8388608}
	dst := make([]float32, 2)

	require.Equal(t, 2, Int32ToFloat(dst, src))
	assert.Equal(t, []float32{0, 0.5}, dst)
}
