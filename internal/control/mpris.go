// ABOUTME: Platform-independent parts of the MPRIS media bridge
// ABOUTME: Maps session state and tracks onto MPRIS property values
package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sendspin/playcore/pkg/playcore"
)

// ErrMPRISUnsupported is returned on platforms without a D-Bus session bus
var ErrMPRISUnsupported = errors.New("control: MPRIS is only available on Linux")

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusPrefix       = "org.mpris.MediaPlayer2."
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	mprisTrackPrefix     = "/org/playcore/track/"
	mprisNoTrack         = "/org/mpris/MediaPlayer2/TrackList/NoTrack"
)

func playbackStatus(s playcore.State) string {
	switch s {
	case playcore.StatePlaying, playcore.StateScrubbing:
		return "Playing"
	case playcore.StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// busName derives a valid bus name element from a player name
func busName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9' && b.Len() > 0, r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteString("_")
			b.WriteRune(r)
		default:
			if b.Len() > 0 {
				b.WriteRune('_')
			}
		}
	}
	if b.Len() == 0 {
		return mprisBusPrefix + "playcore"
	}
	return mprisBusPrefix + strings.TrimRight(b.String(), "_")
}

// trackObjectPath encodes a track id into a D-Bus object path element
func trackObjectPath(id string) string {
	if id == "" {
		return mprisNoTrack
	}
	var b strings.Builder
	b.WriteString(mprisTrackPrefix)
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02X", c)
	}
	return b.String()
}

// seekTarget applies a relative MPRIS seek; seeking past the end skips to
// the next track
func seekTarget(snap playcore.Snapshot, offset time.Duration) (time.Duration, bool) {
	target := max(snap.Offset+offset, 0)
	if snap.Duration > 0 && target >= snap.Duration {
		return 0, false
	}
	return target, true
}
