// ABOUTME: Events published by the engine to subscribers
// ABOUTME: Every event carries a strictly increasing timestamp assigned by the coordinator
package playcore

import (
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
)

// Event is implemented by every published event
type Event interface {
	// Type returns the event type identifier
	Type() EventType

	// Timestamp returns when the event was published
	Timestamp() time.Time
}

// EventType is a string identifier for event variants
type EventType string

const (
	EventPositionUpdate           EventType = "position.update"
	EventBufferHealth             EventType = "buffer.health"
	EventDeviceLost               EventType = "device.lost"
	EventDeviceReacquired         EventType = "device.reacquired"
	EventSpectrumFrame            EventType = "spectrum.frame"
	EventTrackTransitionStarted   EventType = "track.transition_started"
	EventTrackTransitionCompleted EventType = "track.transition_completed"
	EventUnderrun                 EventType = "playback.underrun"
	EventStateChanged             EventType = "playback.state_changed"
	EventTrackError               EventType = "track.error"
)

type baseEvent struct {
	timestamp time.Time
}

// Timestamp returns when the event was published
func (e baseEvent) Timestamp() time.Time {
	return e.timestamp
}

// PositionUpdate reports the playback offset within the current track.
// Clock is the logical render clock, which keeps advancing through underruns.
type PositionUpdate struct {
	baseEvent
	SessionID string
	TrackID   audio.TrackID
	Offset    time.Duration
	Clock     time.Duration
}

func (PositionUpdate) Type() EventType { return EventPositionUpdate }

// BufferHealth reports how much audio is buffered ahead of the cursor
type BufferHealth struct {
	baseEvent
	SessionID   string
	TrackID     audio.TrackID
	Seconds     float64
	NextTrackID audio.TrackID
	NextSeconds float64
}

func (BufferHealth) Type() EventType { return EventBufferHealth }

// DeviceLost reports that the output device stopped. Terminal is set when
// reacquisition gave up.
type DeviceLost struct {
	baseEvent
	DeviceID string
	Terminal bool
	Err      error
}

func (DeviceLost) Type() EventType { return EventDeviceLost }

// DeviceReacquired reports that output resumed, possibly at a new rate
type DeviceReacquired struct {
	baseEvent
	DeviceID string
	NewRate  int
	Channels int
}

func (DeviceReacquired) Type() EventType { return EventDeviceReacquired }

// SpectrumFrame carries magnitude bins of the post-EQ signal
type SpectrumFrame struct {
	baseEvent
	Seq   uint64
	BinHz float64
	Bins  []float64
}

func (SpectrumFrame) Type() EventType { return EventSpectrumFrame }

// TrackTransitionStarted reports the start of a crossfade or splice
type TrackTransitionStarted struct {
	baseEvent
	From audio.TrackID
	To   audio.TrackID
}

func (TrackTransitionStarted) Type() EventType { return EventTrackTransitionStarted }

// TrackTransitionCompleted reports that To is now the current track
type TrackTransitionCompleted struct {
	baseEvent
	From audio.TrackID
	To   audio.TrackID
}

func (TrackTransitionCompleted) Type() EventType { return EventTrackTransitionCompleted }

// Underrun reports that the current track ran dry and silence was rendered
type Underrun struct {
	baseEvent
	TrackID audio.TrackID
}

func (Underrun) Type() EventType { return EventUnderrun }

// StateChanged reports a session state transition
type StateChanged struct {
	baseEvent
	From State
	To   State
}

func (StateChanged) Type() EventType { return EventStateChanged }

// TrackErrorEvent reports a loader failure
type TrackErrorEvent struct {
	baseEvent
	Error *TrackError
}

func (TrackErrorEvent) Type() EventType { return EventTrackError }
