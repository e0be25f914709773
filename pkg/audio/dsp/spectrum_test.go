// ABOUTME: Tests for the spectrum analyzer
// ABOUTME: Verifies cadence, peak bin location, slot handoff and post-EQ analysis
package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnalyzerValidation(t *testing.T) {
	_, err := NewAnalyzer(48000, 1000, 4)
	assert.Error(t, err)

	a, err := NewAnalyzer(48000, 1024, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, a.Size())
}

func TestAnalyzerDecimatedCadence(t *testing.T) {
	a, err := NewAnalyzer(48000, 1024, 4)
	require.NoError(t, err)

	buf := tone(1000, 48000, 1024, 2)
	a.Write(buf, 1024, 2)

	produced := 0
	for i := 0; i < 12; i++ {
		if slot, ok := a.Tick(); ok {
			produced++
			_, _, taken := a.Take(slot)
			assert.True(t, taken)
		}
	}
	assert.Equal(t, 3, produced)
}

func TestAnalyzerNeedsFullWindow(t *testing.T) {
	a, err := NewAnalyzer(48000, 1024, 1)
	require.NoError(t, err)

	a.Write(make([]float32, 200), 100, 2)
	_, ok := a.Tick()
	assert.False(t, ok)
}

func TestAnalyzerPeakBin(t *testing.T) {
	a, err := NewAnalyzer(48000, 2048, 1)
	require.NoError(t, err)

	a.Write(tone(3000, 48000, 4096, 1), 4096, 1)
	slot, ok := a.Tick()
	require.True(t, ok)

	seq, bins, ok := a.Take(slot)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	require.Len(t, bins, 1025)

	best := 0
	for k := range bins {
		if bins[k] > bins[best] {
			best = k
		}
	}
	assert.InDelta(t, a.Bin(3000), best, 1)
	assert.InDelta(t, 0.25, bins[best], 0.1)
}

func TestAnalyzerSlotsExhaust(t *testing.T) {
	a, err := NewAnalyzer(48000, 256, 1)
	require.NoError(t, err)
	a.Write(tone(1000, 48000, 256, 1), 256, 1)

	for i := 0; i < FrameSlots; i++ {
		_, ok := a.Tick()
		require.True(t, ok)
	}
	_, ok := a.Tick()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), a.Overruns())

	_, _, ok = a.Take(0)
	assert.True(t, ok)
	_, _, ok = a.Take(0)
	assert.False(t, ok, "slot must not be taken twice")
}

func TestAnalyzerReleaseFreesSlot(t *testing.T) {
	a, err := NewAnalyzer(48000, 256, 1)
	require.NoError(t, err)
	a.Write(tone(1000, 48000, 256, 1), 256, 1)

	for i := 0; i < FrameSlots; i++ {
		slot, ok := a.Tick()
		require.True(t, ok)
		a.Release(slot)
	}
	_, ok := a.Tick()
	assert.True(t, ok)
	assert.Zero(t, a.Overruns())

	a.Release(-1)
	a.Release(FrameSlots)
	_, _, ok = a.Take(1)
	assert.False(t, ok, "released slot holds no frame")
}

func TestSpectrumReflectsPostFilterSignal(t *testing.T) {
	base, err := NewCoefficients(48000, DefaultBands())
	require.NoError(t, err)
	boosted, err := base.WithBand(5, 12)
	require.NoError(t, err)

	measure := func(c *Coefficients) float64 {
		eq, err := NewEQ(1, c)
		require.NoError(t, err)
		a, err := NewAnalyzer(48000, 2048, 1)
		require.NoError(t, err)

		buf := tone(1000, 48000, 8192, 1)
		eq.Process(buf, 8192)
		a.Write(buf, 8192, 1)
		slot, ok := a.Tick()
		require.True(t, ok)
		_, bins, ok := a.Take(slot)
		require.True(t, ok)
		return bins[a.Bin(1000)]
	}

	flat := measure(base)
	loud := measure(boosted)
	assert.Greater(t, loud, flat*3)
}
