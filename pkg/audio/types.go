// ABOUTME: Audio type definitions shared by the playback core
// ABOUTME: Defines formats, track descriptors, frame blocks and sample conversions
package audio

import (
	"fmt"
	"time"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// MaxChannels bounds every per-channel buffer in the realtime path
	MaxChannels = 8
)

// Format describes a PCM stream format
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Valid reports whether the format can be rendered
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Channels <= MaxChannels
}

// FramesFor converts a duration to a frame count at this format's rate
func (f Format) FramesFor(d time.Duration) int {
	return int(d.Seconds() * float64(f.SampleRate))
}

// DurationOf converts a frame count to a duration at this format's rate
func (f Format) DurationOf(frames int64) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// TrackID identifies a track across the loader and the core
type TrackID string

// TrackDescriptor is immutable once assigned to a queue slot
type TrackDescriptor struct {
	ID         TrackID
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Format returns the native stream format of the track
func (t TrackDescriptor) Format() Format {
	return Format{SampleRate: t.SampleRate, Channels: t.Channels, BitDepth: t.BitDepth}
}

// Frames returns the track length in native frames, 0 if unknown
func (t TrackDescriptor) Frames() int64 {
	return int64(t.Duration.Seconds() * float64(t.SampleRate))
}

// FrameBlock is an interleaved block of decoded samples in [-1, 1].
// The core copies Samples on push; the producer keeps ownership of the slice.
type FrameBlock struct {
	TrackID TrackID
	Seq     uint64
	Format  Format
	Samples []float32
}

// Frames returns the number of whole frames in the block
func (b FrameBlock) Frames() int {
	if b.Format.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleToFloat converts a 24-bit int32 sample to a float in [-1, 1)
func SampleToFloat(sample int32) float32 {
	return float32(sample) / 8388608.0
}

// SampleFromFloat converts a float sample to the 24-bit int32 range with clamping
func SampleFromFloat(sample float32) int32 {
	scaled := int64(sample * 8388608.0)
	if scaled > Max24Bit {
		scaled = Max24Bit
	} else if scaled < Min24Bit {
		scaled = Min24Bit
	}
	return int32(scaled)
}

// Int32ToFloat converts a slice of 24-bit samples into dst, returning the samples written
func Int32ToFloat(dst []float32, src []int32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = SampleToFloat(src[i])
	}
	return n
}

// Clamp limits a float sample to [-1, 1]
func Clamp(sample float32) float32 {
	if sample > 1 {
		return 1
	}
	if sample < -1 {
		return -1
	}
	return sample
}
