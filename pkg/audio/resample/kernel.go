// ABOUTME: Resampler quality presets and interpolation kernel tables
// ABOUTME: Builds linear and Blackman-Harris windowed-sinc polyphase tables
package resample

import (
	"fmt"
	"math"
	"strings"
)

// Quality selects the accuracy/latency trade-off of the interpolation kernel
type Quality int

const (
	// QualityLinear interpolates between two neighbouring frames
	QualityLinear Quality = iota
	// QualityFast uses an 8-tap windowed sinc
	QualityFast
	// QualityMedium uses a 32-tap windowed sinc
	QualityMedium
	// QualityBest uses a 64-tap windowed sinc
	QualityBest
)

func (q Quality) String() string {
	switch q {
	case QualityLinear:
		return "linear"
	case QualityFast:
		return "fast"
	case QualityMedium:
		return "medium"
	case QualityBest:
		return "best"
	default:
		return fmt.Sprintf("Quality(%d)", int(q))
	}
}

// ParseQuality parses a quality name as written in configuration
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return QualityLinear, nil
	case "fast", "low":
		return QualityFast, nil
	case "medium", "":
		return QualityMedium, nil
	case "best", "high":
		return QualityBest, nil
	}
	return QualityMedium, fmt.Errorf("unknown resampler quality %q", s)
}

func (q Quality) halfTaps() int {
	switch q {
	case QualityLinear:
		return 1
	case QualityFast:
		return 4
	case QualityBest:
		return 32
	default:
		return 16
	}
}

// buildTable fills rows of kernel weights for phases 0..phases.
// Row p holds weights for taps at offsets (j - half + 1) - p/phases.
func buildTable(table []float32, q Quality, half int, cutoff float64) {
	taps := 2 * half
	for p := 0; p <= phases; p++ {
		frac := float64(p) / phases
		row := table[p*taps : (p+1)*taps]

		var sum float64
		weights := [64]float64{}
		for j := 0; j < taps; j++ {
			x := float64(j-half+1) - frac
			var w float64
			if q == QualityLinear {
				w = math.Max(0, 1-math.Abs(x))
			} else {
				w = cutoff * sinc(cutoff*x) * blackmanHarris(x/float64(half))
			}
			weights[j] = w
			sum += w
		}

		// Unity DC gain per phase
		for j := 0; j < taps; j++ {
			if sum != 0 {
				row[j] = float32(weights[j] / sum)
			} else {
				row[j] = 0
			}
		}
	}
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackmanHarris is the 4-term window centered on zero, t in [-1, 1]
func blackmanHarris(t float64) float64 {
	if t <= -1 || t >= 1 {
		return 0
	}
	return 0.35875 + 0.48829*math.Cos(math.Pi*t) + 0.14128*math.Cos(2*math.Pi*t) + 0.01168*math.Cos(3*math.Pi*t)
}
