// ABOUTME: Session state and the read-only snapshot exposed to callers
// ABOUTME: Snapshots are rebuilt by the coordinator and swapped atomically
package playcore

import (
	"fmt"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
)

// State is the playback state of a session
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StateScrubbing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateScrubbing:
		return "scrubbing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Active reports whether the session is producing audio
func (s State) Active() bool {
	return s == StatePlaying || s == StateScrubbing
}

// Snapshot is a consistent read-only view of the session
type Snapshot struct {
	SessionID     string
	State         State
	TrackID       audio.TrackID
	Offset        time.Duration
	Duration      time.Duration
	NextTrackID   audio.TrackID
	Queue         []audio.TrackDescriptor
	Cursor        int
	Volume        float64
	Crossfade     time.Duration
	Curve         mixer.Curve
	EQGains       []float64
	BufferSeconds float64
	Device        output.DeviceInfo
	DeviceStatus  device.Status
	Format        audio.Format
	UpdatedAt     time.Time
}
