// ABOUTME: Crossfade state advancing a fade across render periods
// ABOUTME: Mixes outgoing and incoming frames in place without allocating
package mixer

// Window returns the fade length in frames for a requested duration. The
// fade never exceeds what remains of the outgoing track nor what the
// incoming track already has buffered. Unknown remaining (negative) does
// not limit the window.
func Window(requested int, remaining, prebuffered int64) int {
	n := int64(max(requested, 0))
	if remaining >= 0 {
		n = min(n, remaining)
	}
	n = min(n, max(prebuffered, 0))
	return int(n)
}

// Crossfade tracks one fade between an outgoing and an incoming stream
type Crossfade struct {
	curve  Curve
	length int
	pos    int
	active bool
}

// Begin starts a fade of length frames. A zero length is a direct splice:
// the fade is immediately done and no frame is mixed.
func (x *Crossfade) Begin(length int, curve Curve) {
	x.curve = curve
	x.length = max(length, 0)
	x.pos = 0
	x.active = x.length > 0
}

// Active reports whether a fade is in progress
func (x *Crossfade) Active() bool { return x.active }

// Length returns the fade length in frames
func (x *Crossfade) Length() int { return x.length }

// Remaining returns the frames left in the fade
func (x *Crossfade) Remaining() int {
	if !x.active {
		return 0
	}
	return x.length - x.pos
}

// Progress returns fade progress in [0,1]
func (x *Crossfade) Progress() float64 {
	if x.length == 0 {
		return 1
	}
	return float64(x.pos) / float64(x.length)
}

// Mix writes up to frames crossfaded frames into dst and returns how many
// were mixed. dst may alias outgoing.
func (x *Crossfade) Mix(dst, outgoing, incoming []float32, frames, channels int) int {
	if !x.active {
		return 0
	}
	n := min(frames, x.length-x.pos)
	for i := 0; i < n; i++ {
		g0, g1 := x.curve.Gains(float64(x.pos+i) / float64(x.length))
		a, b := float32(g0), float32(g1)
		for c := i * channels; c < (i+1)*channels; c++ {
			dst[c] = outgoing[c]*a + incoming[c]*b
		}
	}
	x.pos += n
	if x.pos >= x.length {
		x.active = false
	}
	return n
}

// Cancel abandons the fade
func (x *Crossfade) Cancel() {
	x.active = false
	x.pos = 0
	x.length = 0
}
