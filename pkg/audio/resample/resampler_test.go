// ABOUTME: Tests for the polyphase resampler
// ABOUTME: Covers frame counts, block continuity, sine round trips and channel mapping
package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, frames, channels int, amp float64) []float32 {
	out := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		v := float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			out[i*channels+c] = v
		}
	}
	return out
}

// resampleAll feeds input in blocks of inBlock frames and drains the tail
func resampleAll(t *testing.T, r *Resampler, input []float32, inBlock, outBlock int) []float32 {
	t.Helper()
	ch := r.Channels()
	out := make([]float32, outBlock*ch)
	var result []float32

	for pos := 0; pos < len(input); {
		end := min(pos+inBlock*ch, len(input))
		chunk := input[pos:end]
		for len(chunk) > 0 {
			consumed, produced := r.Process(chunk, out)
			if consumed == 0 && produced == 0 {
				t.Fatal("resampler stalled")
			}
			result = append(result, out[:produced*ch]...)
			chunk = chunk[consumed*ch:]
		}
		pos = end
	}

	for {
		n := r.Drain(out)
		if n == 0 {
			break
		}
		result = append(result, out[:n*ch]...)
	}
	return result
}

func TestNew(t *testing.T) {
	r, err := New(44100, 48000, 2, QualityMedium)
	require.NoError(t, err)

	assert.Equal(t, 44100, r.InputRate())
	assert.Equal(t, 48000, r.OutputRate())
	assert.Equal(t, 2, r.Channels())
	assert.Equal(t, 16, r.Lookahead())
	assert.InDelta(t, 44100.0/48000.0, r.Ratio(), 1e-12)

	_, err = New(0, 48000, 2, QualityMedium)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = New(44100, 48000, 0, QualityMedium)
	assert.ErrorIs(t, err, ErrInvalidChannels)

	_, err = New(44100, 48000, 9, QualityMedium)
	assert.ErrorIs(t, err, ErrInvalidChannels)
}

func TestSameRatePassthrough(t *testing.T) {
	for _, q := range []Quality{QualityLinear, QualityFast, QualityMedium, QualityBest} {
		t.Run(q.String(), func(t *testing.T) {
			r, err := New(48000, 48000, 2, q)
			require.NoError(t, err)

			input := sine(997, 48000, 4800, 2, 0.8)
			output := resampleAll(t, r, input, 256, 512)

			require.Len(t, output, len(input))
			for i := range input {
				if math.Abs(float64(output[i]-input[i])) > 1e-5 {
					t.Fatalf("sample %d: expected %f, got %f", i, input[i], output[i])
				}
			}
		})
	}
}

func TestOutputFrameCount(t *testing.T) {
	tests := []struct {
		name string
		in   int
		out  int
	}{
		{"upsample 44.1k to 48k", 44100, 48000},
		{"downsample 48k to 44.1k", 48000, 44100},
		{"double", 48000, 96000},
		{"hi-res down", 192000, 44100},
	}

	const frames = 10000
	for _, tt := range tests {
		for _, q := range []Quality{QualityLinear, QualityMedium} {
			t.Run(tt.name+"/"+q.String(), func(t *testing.T) {
				r, err := New(tt.in, tt.out, 2, q)
				require.NoError(t, err)

				output := resampleAll(t, r, sine(440, tt.in, frames, 2, 0.5), 480, 300)

				expected := (frames*tt.out + tt.in - 1) / tt.in
				assert.Equal(t, expected, len(output)/2)
			})
		}
	}
}

func TestBlockProcessingMatchesOneShot(t *testing.T) {
	input := sine(1234, 44100, 20000, 2, 0.7)

	whole, err := New(44100, 48000, 2, QualityBest)
	require.NoError(t, err)
	expected := resampleAll(t, whole, input, len(input)/2, 1<<16)

	for _, block := range []int{1, 7, 64, 333, 1000} {
		r, err := New(44100, 48000, 2, QualityBest)
		require.NoError(t, err)

		got := resampleAll(t, r, input, block, 17)
		require.Len(t, got, len(expected), "block size %d", block)
		for i := range expected {
			if math.Abs(float64(got[i]-expected[i])) > 1e-6 {
				t.Fatalf("block size %d, sample %d: expected %f, got %f", block, i, expected[i], got[i])
			}
		}
	}
}

// zeroCrossingFrequency estimates frequency from rising zero crossings
func zeroCrossingFrequency(samples []float32, channels, rate, skip int) float64 {
	frames := len(samples) / channels
	first, last, count := -1, -1, 0
	for i := skip + 1; i < frames-skip; i++ {
		prev := samples[(i-1)*channels]
		cur := samples[i*channels]
		if prev < 0 && cur >= 0 {
			if first < 0 {
				first = i
			} else {
				count++
			}
			last = i
		}
	}
	if count == 0 {
		return 0
	}
	return float64(count) * float64(rate) / float64(last-first)
}

func TestSineRoundTripPreservesFrequency(t *testing.T) {
	const freq = 1000.0
	input := sine(freq, 44100, 44100, 2, 0.5)

	up, err := New(44100, 48000, 2, QualityMedium)
	require.NoError(t, err)
	mid := resampleAll(t, up, input, 512, 441)

	down, err := New(48000, 44100, 2, QualityMedium)
	require.NoError(t, err)
	back := resampleAll(t, down, mid, 480, 512)

	assert.InDelta(t, freq, zeroCrossingFrequency(mid, 2, 48000, 2000), freq*0.005)
	assert.InDelta(t, freq, zeroCrossingFrequency(back, 2, 44100, 2000), freq*0.005)

	// No discontinuity: consecutive samples never jump further than the sine slope allows
	maxStep := 2 * math.Pi * freq / 44100 * 0.5 * 1.2
	frames := len(back) / 2
	for i := 2000; i < frames-2000; i++ {
		step := math.Abs(float64(back[i*2] - back[(i-1)*2]))
		if step > maxStep {
			t.Fatalf("discontinuity at frame %d: step %f exceeds %f", i, step, maxStep)
		}
	}
}

func TestRetargetKeepsContinuity(t *testing.T) {
	r, err := New(44100, 48000, 1, QualityMedium)
	require.NoError(t, err)

	input := sine(500, 44100, 8820, 1, 0.5)
	out := make([]float32, 48000)

	consumed, produced := r.Process(input[:4410], out)
	require.Equal(t, 4410, consumed)
	first := append([]float32(nil), out[:produced]...)

	require.NoError(t, r.Retarget(96000))
	assert.Equal(t, 96000, r.OutputRate())

	_, produced = r.Process(input[4410:], out)
	second := out[:produced]
	require.NotEmpty(t, second)

	// The first frame after retarget continues the waveform
	jump := math.Abs(float64(second[0] - first[len(first)-1]))
	assert.Less(t, jump, 2*math.Pi*500/48000*0.5*1.2)

	assert.ErrorIs(t, r.Retarget(0), ErrInvalidRate)
}

func TestEmptyInput(t *testing.T) {
	r, err := New(44100, 48000, 2, QualityFast)
	require.NoError(t, err)

	out := make([]float32, 64)
	consumed, produced := r.Process(nil, out)
	assert.Zero(t, consumed)
	assert.Zero(t, produced)
	assert.Zero(t, r.Drain(out))
}

func TestResetClearsHistory(t *testing.T) {
	r, err := New(44100, 48000, 1, QualityFast)
	require.NoError(t, err)

	out := make([]float32, 256)
	r.Process(sine(440, 44100, 200, 1, 1), out)
	assert.Greater(t, r.Pending(), 0.0)

	r.Reset()
	assert.Zero(t, r.Pending())

	consumed, produced := r.Process(make([]float32, 100), out)
	assert.Equal(t, 100, consumed)
	for i := 0; i < produced; i++ {
		assert.Zero(t, out[i], "residual tail leaked into frame %d", i)
	}
}

func TestFrameHelpers(t *testing.T) {
	r, err := New(48000, 96000, 2, QualityLinear)
	require.NoError(t, err)

	assert.Equal(t, 200, r.OutputFramesFor(100))
	assert.Equal(t, 50+r.Lookahead(), r.InputFramesFor(100))
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		input    string
		expected Quality
		wantErr  bool
	}{
		{"linear", QualityLinear, false},
		{"FAST", QualityFast, false},
		{"", QualityMedium, false},
		{"high", QualityBest, false},
		{"ultra", QualityMedium, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			q, err := ParseQuality(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, q)
		})
	}
}

func TestMapChannels(t *testing.T) {
	tests := []struct {
		name     string
		src      []float32
		srcCh    int
		dstCh    int
		expected []float32
	}{
		{"mono to stereo", []float32{0.1, 0.2}, 1, 2, []float32{0.1, 0.1, 0.2, 0.2}},
		{"stereo to mono", []float32{0.2, 0.4, -1, 1}, 2, 1, []float32{0.3, 0}},
		{"stereo to quad", []float32{0.1, 0.2}, 2, 4, []float32{0.1, 0.2, 0, 0}},
		{"quad to stereo", []float32{0.1, 0.2, 0.3, 0.4}, 4, 2, []float32{0.1, 0.2}},
		{"identity", []float32{0.5, -0.5}, 2, 2, []float32{0.5, -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := len(tt.src) / tt.srcCh
			dst := make([]float32, frames*tt.dstCh)

			n := MapChannels(dst, tt.dstCh, tt.src, tt.srcCh, frames)
			assert.Equal(t, frames, n)
			assert.InDeltaSlice(t, tt.expected, dst, 1e-6)
		})
	}
}
