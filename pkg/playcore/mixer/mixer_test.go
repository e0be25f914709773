// ABOUTME: Tests for crossfade curves and fade state
// ABOUTME: Covers constant power, splice behaviour, window clamping and chunked mixing
package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualPowerConstantPower(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		p := float64(i) / 1000
		out, in := EqualPower.Gains(p)
		assert.InDelta(t, 1.0, out*out+in*in, 1e-12, "p=%v", p)
	}
}

func TestCurveEndpoints(t *testing.T) {
	for _, c := range []Curve{EqualPower, Linear, SCurve} {
		t.Run(c.String(), func(t *testing.T) {
			out, in := c.Gains(0)
			assert.InDelta(t, 1, out, 1e-12)
			assert.InDelta(t, 0, in, 1e-12)

			out, in = c.Gains(1)
			assert.InDelta(t, 0, out, 1e-12)
			assert.InDelta(t, 1, in, 1e-12)

			// Clamped outside [0,1]
			out, in = c.Gains(2)
			assert.InDelta(t, 0, out, 1e-12)
			assert.InDelta(t, 1, in, 1e-12)
		})
	}
}

func TestLinearAndSCurveSumToOne(t *testing.T) {
	for _, c := range []Curve{Linear, SCurve} {
		for i := 0; i <= 100; i++ {
			out, in := c.Gains(float64(i) / 100)
			assert.InDelta(t, 1, out+in, 1e-12)
		}
	}
}

func TestSmoothstep(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-1, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{2, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Smoothstep(tt.input), 1e-12)
	}

	prev := 0.0
	for i := 1; i <= 100; i++ {
		v := Smoothstep(float64(i) / 100)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestParseCurve(t *testing.T) {
	tests := []struct {
		input   string
		want    Curve
		wantErr bool
	}{
		{"", EqualPower, false},
		{"Equal_Power", EqualPower, false},
		{"linear", Linear, false},
		{"smoothstep", SCurve, false},
		{"s_curve", SCurve, false},
		{"log", EqualPower, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, err := ParseCurve(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name        string
		requested   int
		remaining   int64
		prebuffered int64
		want        int
	}{
		{"full window", 1000, 5000, 5000, 1000},
		{"outgoing nearly done", 1000, 300, 5000, 300},
		{"incoming short", 1000, 5000, 400, 400},
		{"unknown remaining", 1000, -1, 5000, 1000},
		{"splice", 0, 5000, 5000, 0},
		{"negative request", -5, 5000, 5000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Window(tt.requested, tt.remaining, tt.prebuffered))
		})
	}
}

func TestCrossfadeZeroLengthIsSplice(t *testing.T) {
	var x Crossfade
	x.Begin(0, EqualPower)
	assert.False(t, x.Active())
	assert.Zero(t, x.Mix(make([]float32, 8), make([]float32, 8), make([]float32, 8), 4, 2))
	assert.Equal(t, 1.0, x.Progress())
}

func TestCrossfadeMixAcrossChunks(t *testing.T) {
	const length = 100
	const channels = 2

	outgoing := make([]float32, length*channels)
	incoming := make([]float32, length*channels)
	for i := range outgoing {
		outgoing[i] = 1
		incoming[i] = -1
	}

	whole := make([]float32, length*channels)
	var a Crossfade
	a.Begin(length, Linear)
	require.Equal(t, length, a.Mix(whole, outgoing, incoming, length+50, channels))
	assert.False(t, a.Active())

	var b Crossfade
	b.Begin(length, Linear)
	chunked := make([]float32, length*channels)
	done := 0
	for _, n := range []int{7, 33, 1, 59} {
		got := b.Mix(chunked[done*channels:], outgoing[done*channels:], incoming[done*channels:], n, channels)
		require.Equal(t, n, got)
		done += got
		if done < length {
			assert.True(t, b.Active())
			assert.Equal(t, length-done, b.Remaining())
		}
	}
	assert.Equal(t, whole, chunked)

	// Starts at pure outgoing and approaches pure incoming
	assert.InDelta(t, 1, whole[0], 1e-6)
	assert.InDelta(t, -1, whole[(length-1)*channels], 0.03)
}

func TestCrossfadeEqualPowerMidpoint(t *testing.T) {
	var x Crossfade
	x.Begin(2, EqualPower)

	outgoing := []float32{1, 1, 1, 1}
	incoming := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	x.Mix(dst, outgoing, incoming, 2, 2)

	// Second frame is at progress 0.5: both gains are 1/sqrt(2)
	assert.InDelta(t, math.Sqrt2, dst[2], 1e-6)
}

func TestCrossfadeCancel(t *testing.T) {
	var x Crossfade
	x.Begin(100, SCurve)
	x.Mix(make([]float32, 20), make([]float32, 20), make([]float32, 20), 10, 2)
	x.Cancel()
	assert.False(t, x.Active())
	assert.Zero(t, x.Remaining())
}
