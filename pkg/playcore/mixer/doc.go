// Package mixer blends the outgoing and incoming tracks at a transition.
//
// Fades are measured in device frames and planned backward from the end of
// the outgoing track. A zero-length fade is a splice.
package mixer
