// ABOUTME: Stateful polyphase resampler for converting audio sample rates
// ABOUTME: Windowed-sinc interpolation with selectable quality and exact rational stepping
package resample

import (
	"errors"
	"fmt"
)

const (
	// phases is the resolution of the polyphase kernel table
	phases = 256

	// chunkFrames is the input history headroom beyond the filter span
	chunkFrames = 1024
)

var (
	// ErrInvalidRate is returned for non-positive sample rates
	ErrInvalidRate = errors.New("resample: invalid sample rate")
	// ErrInvalidChannels is returned for unsupported channel counts
	ErrInvalidChannels = errors.New("resample: invalid channel count")
)

// Resampler converts one interleaved float32 stream between sample rates.
// Filter history and phase persist across calls, so a stream processed in
// blocks produces the same output as the stream processed in one call.
// All buffers are allocated in New; Process and Drain never allocate.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	quality    Quality
	half       int // taps per side
	taps       int

	// position of the next output frame in history frames: ipos + frac/den
	ipos     int
	frac     int
	den      int
	stepInt  int
	stepFrac int

	table []float32 // (phases+1) rows of taps coefficients

	history     []float32 // interleaved input history
	historyLen  int       // valid frames in history
	historyCap  int
	padded      int // trailing zero frames appended by Drain
	lookbehind  int // leading zero frames inserted by Reset
	inputFrames int64
}

// New creates a resampler for a stream of the given channel count
func New(inputRate, outputRate, channels int, quality Quality) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, inputRate, outputRate)
	}
	if channels <= 0 || channels > 8 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannels, channels)
	}

	half := quality.halfTaps()
	r := &Resampler{
		channels:   channels,
		quality:    quality,
		half:       half,
		taps:       2 * half,
		table:      make([]float32, (phases+1)*2*half),
		historyCap: 2*half + chunkFrames,
	}
	r.history = make([]float32, r.historyCap*channels)
	r.inputRate = inputRate
	r.setRatio(outputRate)
	r.Reset()

	return r, nil
}

// setRatio recomputes the step and kernel table for a new output rate
func (r *Resampler) setRatio(outputRate int) {
	g := gcd(r.inputRate, outputRate)
	num := r.inputRate / g
	den := outputRate / g

	if r.den != 0 && r.den != den {
		// Carry the fractional phase into the new denominator
		r.frac = int((int64(r.frac)*int64(den) + int64(r.den)/2) / int64(r.den))
		if r.frac >= den {
			r.frac = den - 1
		}
	}

	r.outputRate = outputRate
	r.den = den
	r.stepInt = num / den
	r.stepFrac = num % den

	cutoff := 1.0
	if outputRate < r.inputRate {
		cutoff = float64(outputRate) / float64(r.inputRate)
	}
	buildTable(r.table, r.quality, r.half, cutoff)
}

// Reset clears filter state; the next input frame becomes output time zero
func (r *Resampler) Reset() {
	r.lookbehind = r.half - 1
	for i := 0; i < r.lookbehind*r.channels; i++ {
		r.history[i] = 0
	}
	r.historyLen = r.lookbehind
	r.ipos = r.lookbehind
	r.frac = 0
	r.padded = 0
	r.inputFrames = 0
}

// Retarget changes the output rate while keeping buffered input and phase.
// Must not run concurrently with Process.
func (r *Resampler) Retarget(outputRate int) error {
	if outputRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRate, outputRate)
	}
	if outputRate == r.outputRate {
		return nil
	}
	r.setRatio(outputRate)
	return nil
}

// Process consumes interleaved input and produces interleaved output.
// Returns frames consumed from in and frames written to out.
func (r *Resampler) Process(in, out []float32) (consumed, produced int) {
	ch := r.channels
	inFrames := len(in) / ch
	outFrames := len(out) / ch

	for produced < outFrames {
		space := r.historyCap - r.historyLen
		if consumed < inFrames && space > 0 {
			n := min(space, inFrames-consumed)
			copy(r.history[r.historyLen*ch:], in[consumed*ch:(consumed+n)*ch])
			r.historyLen += n
			r.inputFrames += int64(n)
			consumed += n
		}

		progressed := false
		for produced < outFrames && r.ipos+r.half < r.historyLen {
			r.interpolate(out[produced*ch:(produced+1)*ch])
			r.advance()
			produced++
			progressed = true
		}

		r.compact()

		if !progressed && (consumed >= inFrames || r.historyLen == r.historyCap) {
			break
		}
	}

	return consumed, produced
}

// Drain emits the remaining output for all input received so far by
// padding the filter with silence. Returns frames written; call until 0.
func (r *Resampler) Drain(out []float32) int {
	ch := r.channels
	outFrames := len(out) / ch
	produced := 0

	for produced < outFrames && r.ipos < r.historyLen-r.padded {
		for r.ipos+r.half >= r.historyLen {
			if r.historyLen == r.historyCap {
				r.compact()
				if r.historyLen == r.historyCap {
					return produced
				}
			}
			zero := r.history[r.historyLen*ch : (r.historyLen+1)*ch]
			for i := range zero {
				zero[i] = 0
			}
			r.historyLen++
			r.padded++
		}
		r.interpolate(out[produced*ch : (produced+1)*ch])
		r.advance()
		produced++
	}

	r.compact()
	return produced
}

// Pending returns the input frames buffered but not yet passed by the output position
func (r *Resampler) Pending() float64 {
	pending := float64(r.historyLen-r.padded-r.ipos) - float64(r.frac)/float64(r.den)
	if pending < 0 {
		return 0
	}
	return pending
}

// interpolate computes one output frame at the current position
func (r *Resampler) interpolate(dst []float32) {
	ch := r.channels
	fp := float64(r.frac) / float64(r.den) * phases
	p := int(fp)
	w := float32(fp - float64(p))

	row0 := r.table[p*r.taps : (p+1)*r.taps]
	row1 := r.table[(p+1)*r.taps : (p+2)*r.taps]
	start := (r.ipos - r.half + 1) * ch

	for c := 0; c < ch; c++ {
		var acc float32
		idx := start + c
		for j := 0; j < r.taps; j++ {
			k := row0[j] + w*(row1[j]-row0[j])
			acc += r.history[idx] * k
			idx += ch
		}
		dst[c] = acc
	}
}

// advance moves the output position by one output frame
func (r *Resampler) advance() {
	r.ipos += r.stepInt
	r.frac += r.stepFrac
	if r.frac >= r.den {
		r.frac -= r.den
		r.ipos++
	}
}

// compact drops history older than the filter window
func (r *Resampler) compact() {
	drop := r.ipos - (r.half - 1)
	if drop <= 0 {
		return
	}
	if drop > r.historyLen {
		drop = r.historyLen
	}
	ch := r.channels
	copy(r.history, r.history[drop*ch:r.historyLen*ch])
	r.historyLen -= drop
	r.ipos -= drop
	if r.padded > r.historyLen {
		r.padded = r.historyLen
	}
}

// InputRate returns the source sample rate
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the target sample rate
func (r *Resampler) OutputRate() int { return r.outputRate }

// Channels returns the stream channel count
func (r *Resampler) Channels() int { return r.channels }

// Quality returns the configured quality preset
func (r *Resampler) Quality() Quality { return r.quality }

// Lookahead returns the input frames needed beyond the output position
func (r *Resampler) Lookahead() int { return r.half }

// Ratio returns input frames per output frame
func (r *Resampler) Ratio() float64 {
	return float64(r.inputRate) / float64(r.outputRate)
}

// OutputFramesFor calculates how many output frames an input frame count yields
func (r *Resampler) OutputFramesFor(inputFrames int) int {
	return int(float64(inputFrames) / r.Ratio())
}

// InputFramesFor calculates how many input frames are needed for an output frame count
func (r *Resampler) InputFramesFor(outputFrames int) int {
	return int(float64(outputFrames)*r.Ratio()+0.999999) + r.half
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
