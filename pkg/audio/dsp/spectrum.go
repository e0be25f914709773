// ABOUTME: Spectrum analyzer computing FFT magnitudes on a decimated cadence
// ABOUTME: Realtime side fills preallocated frame slots handed off by index
package dsp

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultWindowSize is the FFT length used when none is configured
	DefaultWindowSize = 2048

	// FrameSlots is the number of spectrum frames that may be in flight
	FrameSlots = 4
)

const (
	slotFree int32 = iota
	slotBusy
	slotReady
)

type frameSlot struct {
	state atomic.Int32
	seq   uint64
	bins  []float64
}

// Analyzer keeps a sliding mono window of the signal and, every Kth
// call to Tick, writes the window's magnitude spectrum into a free slot.
// Write and Tick run on the realtime path; Take runs on the control side.
type Analyzer struct {
	size       int
	every      int
	sampleRate int

	fft      *fourier.FFT
	window   []float64
	norm     float64
	history  []float64
	pos      int
	filled   int
	scratch  []float64
	coeffs   []complex128
	ticks    int
	seq      uint64
	slots    [FrameSlots]frameSlot
	overruns atomic.Uint64
}

// NewAnalyzer creates an analyzer with a power-of-two window size that
// publishes one frame every `every` ticks
func NewAnalyzer(sampleRate, size, every int) (*Analyzer, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("dsp: window size %d is not a power of two", size)
	}
	if every <= 0 {
		every = 1
	}

	a := &Analyzer{
		size:       size,
		every:      every,
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(size),
		window:     make([]float64, size),
		history:    make([]float64, size),
		scratch:    make([]float64, size),
		coeffs:     make([]complex128, size/2+1),
	}

	// Hann window
	for i := range a.window {
		a.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
		a.norm += a.window[i]
	}
	for i := range a.slots {
		a.slots[i].bins = make([]float64, size/2+1)
	}

	return a, nil
}

// Write appends frames of interleaved audio as a mono mixdown
func (a *Analyzer) Write(buf []float32, frames, channels int) {
	if channels <= 0 {
		return
	}
	frames = min(frames, len(buf)/channels)
	scale := 1 / float64(channels)
	for i := 0; i < frames; i++ {
		var sum float64
		for _, s := range buf[i*channels : (i+1)*channels] {
			sum += float64(s)
		}
		a.history[a.pos] = sum * scale
		a.pos = (a.pos + 1) % a.size
	}
	a.filled = min(a.filled+frames, a.size)
}

// Tick advances the cadence counter and returns the slot of a new frame
// when one was produced
func (a *Analyzer) Tick() (slot int, ok bool) {
	a.ticks++
	if a.ticks < a.every || a.filled < a.size {
		return 0, false
	}
	a.ticks = 0

	slot = -1
	for i := range a.slots {
		if a.slots[i].state.CompareAndSwap(slotFree, slotBusy) {
			slot = i
			break
		}
	}
	if slot < 0 {
		a.overruns.Add(1)
		return 0, false
	}

	for i := 0; i < a.size; i++ {
		a.scratch[i] = a.history[(a.pos+i)%a.size] * a.window[i]
	}
	a.fft.Coefficients(a.coeffs, a.scratch)

	s := &a.slots[slot]
	scale := 2 / a.norm
	for k, c := range a.coeffs {
		s.bins[k] = math.Hypot(real(c), imag(c)) * scale
	}
	a.seq++
	s.seq = a.seq
	s.state.Store(slotReady)

	return slot, true
}

// Take copies a ready frame out of its slot and frees the slot
func (a *Analyzer) Take(slot int) (seq uint64, bins []float64, ok bool) {
	if slot < 0 || slot >= FrameSlots {
		return 0, nil, false
	}
	s := &a.slots[slot]
	if s.state.Load() != slotReady {
		return 0, nil, false
	}
	bins = make([]float64, len(s.bins))
	copy(bins, s.bins)
	seq = s.seq
	s.state.Store(slotFree)
	return seq, bins, true
}

// Release frees a ready slot whose frame will never be taken
func (a *Analyzer) Release(slot int) {
	if slot < 0 || slot >= FrameSlots {
		return
	}
	a.slots[slot].state.CompareAndSwap(slotReady, slotFree)
}

// SetSampleRate updates the rate used for bin frequencies and clears history.
// Must not run concurrently with Write.
func (a *Analyzer) SetSampleRate(rate int) {
	a.sampleRate = rate
	a.filled = 0
	a.pos = 0
}

// BinHz returns the frequency width of one bin
func (a *Analyzer) BinHz() float64 {
	return float64(a.sampleRate) / float64(a.size)
}

// Bin returns the bin index closest to a frequency
func (a *Analyzer) Bin(freq float64) int {
	k := int(math.Round(freq / a.BinHz()))
	return max(0, min(k, a.size/2))
}

// Size returns the FFT window length
func (a *Analyzer) Size() int { return a.size }

// Overruns counts frames skipped because every slot was still in use
func (a *Analyzer) Overruns() uint64 { return a.overruns.Load() }
