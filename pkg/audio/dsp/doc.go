// ABOUTME: DSP package with the equalizer bank and spectrum analyzer
// ABOUTME: Both are safe to drive from a realtime audio callback
// Package dsp provides the EQ and spectrum stage of the playback pipeline.
//
// The equalizer is a fixed-topology series bank of peaking filters. Band
// parameters are data: every change builds a new immutable Coefficients set
// that replaces the old one in a single atomic store, so Process never sees
// a half-updated bank.
//
// The analyzer keeps a sliding mono window and publishes a magnitude
// spectrum every Kth tick into a preallocated slot.
//
// Example:
//
//	coeffs, _ := dsp.NewCoefficients(48000, dsp.DefaultBands())
//	eq, _ := dsp.NewEQ(2, coeffs)
//	boosted, _ := coeffs.WithBand(5, 6)
//	eq.Swap(boosted)
//	eq.Process(buf, frames)
package dsp
