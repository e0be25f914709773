// ABOUTME: Audio output package for device enumeration and callback streams
// ABOUTME: Provides the Backend interface with malgo, oto, PortAudio and virtual implementations
// Package output opens playback devices and drives a render callback.
//
// A Backend enumerates devices and opens a Stream on one of them. The stream
// pulls interleaved float32 frames from the RenderFunc on the device's own
// thread and converts them to the negotiated sample encoding.
//
// Example:
//
//	backend := output.NewMalgo(logger)
//	stream, err := backend.Open("", output.StreamConfig{}, render, onStop)
//	err = stream.Start()
package output
