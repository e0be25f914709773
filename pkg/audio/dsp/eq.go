// ABOUTME: Parametric equalizer built from a fixed bank of peaking biquads
// ABOUTME: Coefficient sets are immutable and swapped atomically into the filter
package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Sendspin/playcore/pkg/audio"
)

const (
	// MaxGainDB bounds band gain in either direction
	MaxGainDB = 12.0

	defaultQ = 1.41
)

var (
	// ErrBandIndex is returned for a band index outside the topology
	ErrBandIndex = errors.New("dsp: band index out of range")
	// ErrNoBands is returned when a topology has no bands
	ErrNoBands = errors.New("dsp: equalizer needs at least one band")
)

// Band describes one peaking filter of the bank
type Band struct {
	Frequency float64 `yaml:"frequency" json:"frequency"`
	Q         float64 `yaml:"q" json:"q"`
	GainDB    float64 `yaml:"gain_db" json:"gain_db"`
}

// DefaultBands returns the 10-band ISO octave topology at flat gain
func DefaultBands() []Band {
	freqs := []float64{31.25, 62.5, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}
	bands := make([]Band, len(freqs))
	for i, f := range freqs {
		bands[i] = Band{Frequency: f, Q: defaultQ}
	}
	return bands
}

type biquad struct {
	b0, b1, b2, a1, a2 float64
}

// Coefficients is an immutable filter set for one sample rate.
// A new set is built for every parameter change and swapped in whole.
type Coefficients struct {
	sampleRate int
	bands      []Band
	filters    []biquad
	flat       bool
}

// NewCoefficients designs the filter bank for the given rate
func NewCoefficients(sampleRate int, bands []Band) (*Coefficients, error) {
	if len(bands) == 0 {
		return nil, ErrNoBands
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("dsp: invalid sample rate %d", sampleRate)
	}

	c := &Coefficients{
		sampleRate: sampleRate,
		bands:      make([]Band, len(bands)),
		filters:    make([]biquad, len(bands)),
		flat:       true,
	}
	copy(c.bands, bands)

	for i := range c.bands {
		b := &c.bands[i]
		b.GainDB = clampGain(b.GainDB)
		if b.Q <= 0 {
			b.Q = defaultQ
		}
		c.filters[i] = peaking(sampleRate, *b)
		if b.GainDB != 0 {
			c.flat = false
		}
	}

	return c, nil
}

// WithBand returns a copy of the set with one band's gain changed
func (c *Coefficients) WithBand(index int, gainDB float64) (*Coefficients, error) {
	if index < 0 || index >= len(c.bands) {
		return nil, fmt.Errorf("%w: %d (bands: %d)", ErrBandIndex, index, len(c.bands))
	}
	bands := c.Bands()
	bands[index].GainDB = gainDB
	return NewCoefficients(c.sampleRate, bands)
}

// WithSampleRate redesigns the same bands for another rate
func (c *Coefficients) WithSampleRate(sampleRate int) (*Coefficients, error) {
	return NewCoefficients(sampleRate, c.bands)
}

// Bands returns a copy of the band parameters
func (c *Coefficients) Bands() []Band {
	out := make([]Band, len(c.bands))
	copy(out, c.bands)
	return out
}

// SampleRate returns the rate the set was designed for
func (c *Coefficients) SampleRate() int { return c.sampleRate }

// Flat reports whether every band is at 0 dB
func (c *Coefficients) Flat() bool { return c.flat }

// peaking designs an RBJ cookbook peaking filter
func peaking(sampleRate int, b Band) biquad {
	nyquist := float64(sampleRate) / 2
	freq := b.Frequency
	if freq >= nyquist*0.95 || freq <= 0 || b.GainDB == 0 {
		return biquad{b0: 1}
	}

	a := math.Pow(10, b.GainDB/40)
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * b.Q)
	cosw := math.Cos(w0)

	a0 := 1 + alpha/a
	return biquad{
		b0: (1 + alpha*a) / a0,
		b1: (-2 * cosw) / a0,
		b2: (1 - alpha*a) / a0,
		a1: (-2 * cosw) / a0,
		a2: (1 - alpha/a) / a0,
	}
}

func clampGain(g float64) float64 {
	return math.Max(-MaxGainDB, math.Min(MaxGainDB, g))
}

// EQ applies the current coefficient set in series to interleaved audio.
// Process runs on the realtime path; Swap may be called from any goroutine.
type EQ struct {
	channels int
	bands    int
	current  atomic.Pointer[Coefficients]
	state    []float64 // z1, z2 per band per channel
}

// NewEQ creates an equalizer for a channel count and initial set
func NewEQ(channels int, coeffs *Coefficients) (*EQ, error) {
	if channels <= 0 || channels > audio.MaxChannels {
		return nil, fmt.Errorf("dsp: invalid channel count %d", channels)
	}
	if coeffs == nil {
		return nil, ErrNoBands
	}
	e := &EQ{
		channels: channels,
		bands:    len(coeffs.bands),
		state:    make([]float64, 2*len(coeffs.bands)*audio.MaxChannels),
	}
	e.current.Store(coeffs)
	return e, nil
}

// Swap installs a new coefficient set; the topology must not change
func (e *EQ) Swap(c *Coefficients) error {
	if c == nil || len(c.bands) != e.bands {
		return fmt.Errorf("dsp: coefficient set does not match %d-band topology", e.bands)
	}
	e.current.Store(c)
	return nil
}

// Current returns the active coefficient set
func (e *EQ) Current() *Coefficients {
	return e.current.Load()
}

// SetChannels changes the processed channel count and clears state.
// Must not run concurrently with Process.
func (e *EQ) SetChannels(channels int) {
	if channels > 0 && channels <= audio.MaxChannels {
		e.channels = channels
	}
	e.Reset()
}

// Reset clears filter memory
func (e *EQ) Reset() {
	for i := range e.state {
		e.state[i] = 0
	}
}

// Process filters frames of interleaved audio in place
func (e *EQ) Process(buf []float32, frames int) {
	set := e.current.Load()
	if set.flat {
		return
	}

	ch := e.channels
	frames = min(frames, len(buf)/ch)
	for bi := range set.filters {
		f := set.filters[bi]
		if f.b0 == 1 && f.b1 == 0 && f.b2 == 0 {
			continue
		}
		for c := 0; c < ch; c++ {
			s := e.state[(bi*audio.MaxChannels+c)*2:]
			z1, z2 := s[0], s[1]
			for i := 0; i < frames; i++ {
				idx := i*ch + c
				x := float64(buf[idx])
				y := f.b0*x + z1
				z1 = f.b1*x - f.a1*y + z2
				z2 = f.b2*x - f.a2*y
				buf[idx] = float32(y)
			}
			s[0], s[1] = z1, z2
		}
	}
}
