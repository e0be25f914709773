// ABOUTME: Audio resampling package using windowed-sinc interpolation
// ABOUTME: Converts streams between sample rates and channel layouts
// Package resample provides stateful sample rate conversion.
//
// A Resampler keeps filter history and phase between calls, so feeding a
// stream block by block gives the same output as feeding it in one call.
// Quality presets trade accuracy for latency: linear, fast, medium, best.
//
// Example:
//
//	r, err := resample.New(44100, 48000, 2, resample.QualityMedium)
//	consumed, produced := r.Process(input, output)
//	// at end of stream
//	n := r.Drain(output)
package resample
