// ABOUTME: Control commands accepted by the engine
// ABOUTME: Commands are immutable values applied by the coordinator in issuance order
package playcore

import (
	"fmt"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
)

// CommandKind identifies a command variant
type CommandKind int

const (
	CmdPlay CommandKind = iota + 1
	CmdPause
	CmdStop
	CmdSeek
	CmdSetVolume
	CmdSetCrossfadeDuration
	CmdSetCrossfadeCurve
	CmdSetEQBand
	CmdEnqueueTrack
	CmdNextTrack
	CmdPreviousTrack
)

func (k CommandKind) String() string {
	switch k {
	case CmdPlay:
		return "play"
	case CmdPause:
		return "pause"
	case CmdStop:
		return "stop"
	case CmdSeek:
		return "seek"
	case CmdSetVolume:
		return "set_volume"
	case CmdSetCrossfadeDuration:
		return "set_crossfade_duration"
	case CmdSetCrossfadeCurve:
		return "set_crossfade_curve"
	case CmdSetEQBand:
		return "set_eq_band"
	case CmdEnqueueTrack:
		return "enqueue_track"
	case CmdNextTrack:
		return "next_track"
	case CmdPreviousTrack:
		return "previous_track"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a tagged control command. Only the fields of its Kind are read.
type Command struct {
	Kind CommandKind

	// Seek
	Offset time.Duration
	// SetVolume, in [0, 1]
	Volume float64
	// SetCrossfadeDuration
	Duration time.Duration
	// SetCrossfadeCurve
	Curve mixer.Curve
	// SetEQBand
	Band   int
	GainDB float64
	// EnqueueTrack; a negative or out-of-range Position appends
	Track    audio.TrackDescriptor
	Position int
}

// Critical reports whether the command uses reserved queue capacity and is
// never dropped. Parameter changes are coalesced instead.
func (c Command) Critical() bool {
	switch c.Kind {
	case CmdSetVolume, CmdSetCrossfadeDuration, CmdSetCrossfadeCurve, CmdSetEQBand:
		return false
	default:
		return true
	}
}

func (c Command) String() string {
	switch c.Kind {
	case CmdSeek:
		return fmt.Sprintf("seek(%s)", c.Offset)
	case CmdSetVolume:
		return fmt.Sprintf("set_volume(%.2f)", c.Volume)
	case CmdSetCrossfadeDuration:
		return fmt.Sprintf("set_crossfade_duration(%s)", c.Duration)
	case CmdSetCrossfadeCurve:
		return fmt.Sprintf("set_crossfade_curve(%s)", c.Curve)
	case CmdSetEQBand:
		return fmt.Sprintf("set_eq_band(%d, %.1fdB)", c.Band, c.GainDB)
	case CmdEnqueueTrack:
		return fmt.Sprintf("enqueue_track(%s, %d)", c.Track.ID, c.Position)
	default:
		return c.Kind.String()
	}
}

// validate checks the fields that do not depend on engine state
func (c Command) validate() error {
	switch c.Kind {
	case CmdPlay, CmdPause, CmdStop, CmdNextTrack, CmdPreviousTrack:
	case CmdSeek:
		if c.Offset < 0 {
			return fmt.Errorf("%w: seek to %s", ErrInvalidPosition, c.Offset)
		}
	case CmdSetVolume:
		if c.Volume < 0 || c.Volume > 1 || c.Volume != c.Volume {
			return fmt.Errorf("%w: %v", ErrInvalidVolume, c.Volume)
		}
	case CmdSetCrossfadeDuration:
		if c.Duration < 0 {
			return fmt.Errorf("%w: crossfade duration %s", ErrInvalidCommand, c.Duration)
		}
	case CmdSetCrossfadeCurve:
		if c.Curve < mixer.EqualPower || c.Curve > mixer.SCurve {
			return fmt.Errorf("%w: curve %s", ErrInvalidCommand, c.Curve)
		}
	case CmdSetEQBand:
		if c.Band < 0 {
			return fmt.Errorf("%w: band %d", ErrInvalidCommand, c.Band)
		}
	case CmdEnqueueTrack:
		if c.Track.ID == "" || !c.Track.Format().Valid() {
			return fmt.Errorf("%w: track %q format %s", ErrInvalidCommand, c.Track.ID, c.Track.Format())
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidCommand, int(c.Kind))
	}
	return nil
}
