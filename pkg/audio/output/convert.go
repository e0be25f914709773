// ABOUTME: Bridges device byte buffers to the float32 render callback
// ABOUTME: Encodes rendered frames as f32, s16, packed s24 or s32 little-endian
package output

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
)

// maxScratchFrames bounds the frames rendered per callback slice
const maxScratchFrames = 8192

// renderer owns the float scratch used between a device callback and the
// render function. It is allocated when the stream opens; fill never allocates.
type renderer struct {
	render     RenderFunc
	channels   int
	sampleRate int
	format     SampleFormat
	scratch    []float32
}

func newRenderer(render RenderFunc, format audio.Format, sampleFormat SampleFormat) *renderer {
	if sampleFormat == "" {
		sampleFormat = FormatF32
	}
	return &renderer{
		render:     render,
		channels:   format.Channels,
		sampleRate: format.SampleRate,
		format:     sampleFormat,
		scratch:    make([]float32, maxScratchFrames*format.Channels),
	}
}

// period returns the playback duration of a frame count
func (r *renderer) period(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(r.sampleRate)
}

// fill renders frames into a device byte buffer
func (r *renderer) fill(out []byte, frames int) {
	deadline := time.Now().Add(r.period(frames))
	bytesPerFrame := r.format.BitDepth() / 8 * r.channels

	for done := 0; done < frames; {
		n := min(frames-done, maxScratchFrames)
		samples := r.scratch[:n*r.channels]
		r.render(samples, n, deadline)

		dst := out[done*bytesPerFrame : (done+n)*bytesPerFrame]
		switch r.format {
		case FormatS16:
			write16Bit(dst, samples)
		case FormatS24:
			write24Bit(dst, samples)
		case FormatS32:
			write32Bit(dst, samples)
		default:
			writeFloat32(dst, samples)
		}
		done += n
	}
}

// fillFloat renders straight into a float buffer
func (r *renderer) fillFloat(out []float32, frames int) {
	deadline := time.Now().Add(r.period(frames))
	r.render(out[:frames*r.channels], frames, deadline)
	for i := range out[:frames*r.channels] {
		out[i] = audio.Clamp(out[i])
	}
}

func writeFloat32(output []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(audio.Clamp(s)))
	}
}

// write16Bit converts samples to 16-bit output
func write16Bit(output []byte, samples []float32) {
	for i, s := range samples {
		sample16 := audio.SampleToInt16(audio.SampleFromFloat(s))
		output[i*2] = byte(sample16)
		output[i*2+1] = byte(sample16 >> 8)
	}
}

// write24Bit converts samples to packed 24-bit output (3 bytes per sample)
func write24Bit(output []byte, samples []float32) {
	for i, s := range samples {
		b := audio.SampleTo24Bit(audio.SampleFromFloat(s))
		output[i*3] = b[0]
		output[i*3+1] = b[1]
		output[i*3+2] = b[2]
	}
}

// write32Bit converts samples to 32-bit output, 24-bit value in the upper bits
func write32Bit(output []byte, samples []float32) {
	for i, s := range samples {
		sample32 := audio.SampleFromFloat(s) << 8
		binary.LittleEndian.PutUint32(output[i*4:], uint32(sample32))
	}
}
