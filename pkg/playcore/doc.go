// Package playcore is a realtime audio playback core.
//
// An Engine owns one output device and one playback session. Control
// surfaces submit Commands; a coordinator goroutine applies them to the
// session and forwards what the render path needs through a lock-free
// FIFO. The render path runs on the device callback, reads per-track
// prebuffers, resamples to the device rate, crossfades at transitions,
// equalizes and applies volume. It never blocks, allocates or logs.
//
// Decoded audio arrives from a Loader through Engine.Push. The core only
// tells the loader what to load, refill or cancel.
//
// Events (position, buffer health, transitions, underruns, device loss,
// spectrum frames) are fanned out to subscribers that may drop them when
// they fall behind.
package playcore
