// ABOUTME: Channel layout conversion between interleaved streams
// ABOUTME: Maps mono, stereo and multichannel frames onto the device layout
package resample

// MapChannels converts frames interleaved with srcCh channels into dst
// interleaved with dstCh channels. Mono sources are duplicated, mono
// targets receive the average, otherwise shared channels are copied and
// extra target channels are silent. Returns the frames written.
func MapChannels(dst []float32, dstCh int, src []float32, srcCh int, frames int) int {
	if srcCh <= 0 || dstCh <= 0 {
		return 0
	}
	frames = min(frames, len(src)/srcCh, len(dst)/dstCh)

	switch {
	case srcCh == dstCh:
		copy(dst[:frames*dstCh], src[:frames*srcCh])

	case srcCh == 1:
		for i := 0; i < frames; i++ {
			s := src[i]
			out := dst[i*dstCh : (i+1)*dstCh]
			for c := range out {
				out[c] = s
			}
		}

	case dstCh == 1:
		scale := 1 / float32(srcCh)
		for i := 0; i < frames; i++ {
			var sum float32
			for _, s := range src[i*srcCh : (i+1)*srcCh] {
				sum += s
			}
			dst[i] = sum * scale
		}

	default:
		shared := min(srcCh, dstCh)
		for i := 0; i < frames; i++ {
			in := src[i*srcCh : (i+1)*srcCh]
			out := dst[i*dstCh : (i+1)*dstCh]
			copy(out[:shared], in[:shared])
			for c := shared; c < dstCh; c++ {
				out[c] = 0
			}
		}
	}

	return frames
}
