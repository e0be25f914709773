// ABOUTME: Crossfade gain curves mapping fade progress to outgoing/incoming gains
// ABOUTME: Equal-power keeps summed power constant; linear and smoothstep trade power for shape
package mixer

import (
	"fmt"
	"math"
	"strings"
)

// Curve selects how gains evolve across a fade
type Curve int

const (
	// EqualPower uses cos/sin gains so out² + in² = 1
	EqualPower Curve = iota
	// Linear ramps gains in straight lines (constant amplitude sum)
	Linear
	// SCurve eases in and out with smoothstep
	SCurve
)

func (c Curve) String() string {
	switch c {
	case EqualPower:
		return "equal_power"
	case Linear:
		return "linear"
	case SCurve:
		return "s_curve"
	default:
		return fmt.Sprintf("curve(%d)", int(c))
	}
}

// ParseCurve accepts the names produced by String plus a few aliases
func ParseCurve(s string) (Curve, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "equal_power", "equalpower", "equal-power", "power":
		return EqualPower, nil
	case "linear":
		return Linear, nil
	case "s_curve", "scurve", "s-curve", "smoothstep":
		return SCurve, nil
	}
	return EqualPower, fmt.Errorf("unknown crossfade curve %q", s)
}

// Smoothstep returns the smoothstep interpolation for t in [0,1].
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// Gains returns the outgoing and incoming gains at progress p in [0,1]
func (c Curve) Gains(p float64) (out, in float64) {
	p = math.Max(0, math.Min(1, p))
	switch c {
	case Linear:
		return 1 - p, p
	case SCurve:
		g := Smoothstep(p)
		return 1 - g, g
	default:
		return math.Cos(p * math.Pi / 2), math.Sin(p * math.Pi / 2)
	}
}
