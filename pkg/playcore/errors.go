// ABOUTME: Error values returned by the playback engine
// ABOUTME: Sentinels for command validation plus the typed TrackError carried by events
package playcore

import (
	"errors"
	"fmt"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore/prebuffer"
)

var (
	// ErrClosed is returned once the engine has been closed
	ErrClosed = errors.New("playcore: engine closed")
	// ErrNotStarted is returned for commands submitted before Start
	ErrNotStarted = errors.New("playcore: engine not started")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("playcore: engine already started")
	// ErrCommandQueueFull is returned when a non-critical command was dropped
	ErrCommandQueueFull = errors.New("playcore: command queue full")
	// ErrUnknownTrack is returned when the loader pushes to a track that is not loaded
	ErrUnknownTrack = errors.New("playcore: unknown track")
	// ErrInvalidVolume is returned for volumes outside [0, 1]
	ErrInvalidVolume = errors.New("playcore: volume out of range")
	// ErrInvalidPosition is returned for seeks that cannot be honored
	ErrInvalidPosition = errors.New("playcore: invalid position")
	// ErrQueueEmpty is returned when there is nothing to play or skip to
	ErrQueueEmpty = errors.New("playcore: play queue empty")
	// ErrInvalidCommand is returned for malformed commands
	ErrInvalidCommand = errors.New("playcore: invalid command")
)

// ErrorKind classifies loader failures
type ErrorKind = prebuffer.ErrorKind

const (
	ErrorNotFound       = prebuffer.ErrorNotFound
	ErrorNetworkTimeout = prebuffer.ErrorNetworkTimeout
	ErrorFormatMismatch = prebuffer.ErrorFormatMismatch
	ErrorCorrupt        = prebuffer.ErrorCorrupt
)

// TrackError reports a loader failure for one track. Recovered is set when
// playback of the track continued.
type TrackError struct {
	TrackID   audio.TrackID
	Kind      ErrorKind
	Recovered bool
	Err       error
}

func (e *TrackError) Error() string {
	msg := fmt.Sprintf("track %s: %s", e.TrackID, e.Kind)
	if e.Recovered {
		msg += " (recovered)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TrackError) Unwrap() error {
	return e.Err
}
