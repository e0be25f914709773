// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, TrackDescriptor, FrameBlock and sample conversions
// Package audio provides fundamental audio types shared by the playback core.
//
// This package defines:
//   - Format: sample rate, channel count and bit depth of a PCM stream
//   - TrackDescriptor: immutable description of a queued track
//   - FrameBlock: interleaved float32 samples tagged with track id and sequence number
//
// It also provides conversions between 16-bit, packed 24-bit, int32 and float samples.
//
// Example:
//
//	block := audio.FrameBlock{
//	    TrackID: "track-1",
//	    Seq:     1,
//	    Format:  audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16},
//	    Samples: samples,
//	}
//
//	// Convert decoder output in the 24-bit range to floats
//	audio.Int32ToFloat(block.Samples, decoded)
package audio
