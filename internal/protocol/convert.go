// ABOUTME: Conversions between protocol messages and engine types
// ABOUTME: Parses client commands and renders events, snapshots and devices
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
)

// ErrMissingField is returned when a command lacks a required argument
var ErrMissingField = errors.New("protocol: missing field")

// ResolveFunc turns a track id into a descriptor for enqueueing
type ResolveFunc func(id audio.TrackID) (audio.TrackDescriptor, error)

var commandKinds = func() map[string]playcore.CommandKind {
	kinds := make(map[string]playcore.CommandKind)
	for k := playcore.CmdPlay; k <= playcore.CmdPreviousTrack; k++ {
		kinds[k.String()] = k
	}
	return kinds
}()

// SupportedCommands lists the command names ToCommand accepts
func SupportedCommands() []string {
	names := make([]string, 0, playcore.CmdPreviousTrack)
	for k := playcore.CmdPlay; k <= playcore.CmdPreviousTrack; k++ {
		names = append(names, k.String())
	}
	return names
}

// DecodePayload re-decodes a generic payload into v
func DecodePayload(payload interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// ToCommand validates a client command and converts it for the engine
func ToCommand(c Command, resolve ResolveFunc) (playcore.Command, error) {
	kind, ok := commandKinds[c.Command]
	if !ok {
		return playcore.Command{}, fmt.Errorf("%w: unknown command %q", playcore.ErrInvalidCommand, c.Command)
	}
	cmd := playcore.Command{Kind: kind}

	switch kind {
	case playcore.CmdSeek:
		if c.OffsetSeconds == nil {
			return cmd, fmt.Errorf("%w: offset_seconds", ErrMissingField)
		}
		if math.IsNaN(*c.OffsetSeconds) || math.IsInf(*c.OffsetSeconds, 0) {
			return cmd, playcore.ErrInvalidPosition
		}
		cmd.Offset = time.Duration(*c.OffsetSeconds * float64(time.Second))
	case playcore.CmdSetVolume:
		if c.Volume == nil {
			return cmd, fmt.Errorf("%w: volume", ErrMissingField)
		}
		cmd.Volume = *c.Volume
	case playcore.CmdSetCrossfadeDuration:
		if c.DurationMS == nil {
			return cmd, fmt.Errorf("%w: duration_ms", ErrMissingField)
		}
		cmd.Duration = time.Duration(*c.DurationMS) * time.Millisecond
	case playcore.CmdSetCrossfadeCurve:
		curve, err := mixer.ParseCurve(c.Curve)
		if err != nil || c.Curve == "" {
			return cmd, fmt.Errorf("%w: curve %q", playcore.ErrInvalidCommand, c.Curve)
		}
		cmd.Curve = curve
	case playcore.CmdSetEQBand:
		if c.Band == nil || c.GainDB == nil {
			return cmd, fmt.Errorf("%w: band and gain_db", ErrMissingField)
		}
		cmd.Band = *c.Band
		cmd.GainDB = *c.GainDB
	case playcore.CmdEnqueueTrack:
		if c.TrackID == "" {
			return cmd, fmt.Errorf("%w: track_id", ErrMissingField)
		}
		if resolve == nil {
			return cmd, fmt.Errorf("%w: tracks cannot be resolved", playcore.ErrInvalidCommand)
		}
		desc, err := resolve(audio.TrackID(c.TrackID))
		if err != nil {
			return cmd, fmt.Errorf("failed to resolve track %s: %w", c.TrackID, err)
		}
		cmd.Track = desc
		cmd.Position = -1
		if c.Position != nil {
			cmd.Position = *c.Position
		}
	}
	return cmd, nil
}

// FromEvent renders an engine event
func FromEvent(ev playcore.Event) Event {
	out := Event{Event: string(ev.Type()), Timestamp: ev.Timestamp().UnixMicro()}

	switch e := ev.(type) {
	case playcore.PositionUpdate:
		out.SessionID = e.SessionID
		out.TrackID = string(e.TrackID)
		out.OffsetSeconds = e.Offset.Seconds()
		out.ClockSeconds = e.Clock.Seconds()
	case playcore.BufferHealth:
		out.SessionID = e.SessionID
		out.TrackID = string(e.TrackID)
		out.SecondsBuffered = e.Seconds
		out.NextTrackID = string(e.NextTrackID)
		out.NextSecondsBuffered = e.NextSeconds
	case playcore.DeviceLost:
		out.DeviceID = e.DeviceID
		out.Terminal = e.Terminal
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
	case playcore.DeviceReacquired:
		out.DeviceID = e.DeviceID
		out.NewRate = e.NewRate
		out.Channels = e.Channels
	case playcore.SpectrumFrame:
		out.Seq = e.Seq
		out.BinHz = e.BinHz
		out.Bins = e.Bins
	case playcore.TrackTransitionStarted:
		out.From = string(e.From)
		out.To = string(e.To)
	case playcore.TrackTransitionCompleted:
		out.From = string(e.From)
		out.To = string(e.To)
	case playcore.Underrun:
		out.TrackID = string(e.TrackID)
	case playcore.StateChanged:
		out.From = e.From.String()
		out.To = e.To.String()
	case playcore.TrackErrorEvent:
		if e.Error != nil {
			out.TrackID = string(e.Error.TrackID)
			out.ErrorKind = e.Error.Kind.String()
			out.Recovered = e.Error.Recovered
			out.Error = e.Error.Error()
		}
	}
	return out
}

// FromSnapshot renders a session snapshot
func FromSnapshot(s playcore.Snapshot) State {
	queue := make([]string, len(s.Queue))
	for i, t := range s.Queue {
		queue[i] = string(t.ID)
	}
	state := State{
		SessionID:       s.SessionID,
		State:           s.State.String(),
		TrackID:         string(s.TrackID),
		OffsetSeconds:   s.Offset.Seconds(),
		DurationSeconds: s.Duration.Seconds(),
		NextTrackID:     string(s.NextTrackID),
		Queue:           queue,
		Cursor:          s.Cursor,
		Volume:          s.Volume,
		CrossfadeMS:     s.Crossfade.Milliseconds(),
		Curve:           s.Curve.String(),
		EQGains:         append([]float64{}, s.EQGains...),
		SecondsBuffered: s.BufferSeconds,
		Format:          AudioFormat{SampleRate: s.Format.SampleRate, Channels: s.Format.Channels, BitDepth: s.Format.BitDepth},
	}
	if s.Device.ID != "" {
		d := fromDevice(device.Descriptor{DeviceInfo: s.Device, Status: s.DeviceStatus})
		state.Device = &d
	}
	return state
}

// FromDevices renders the device list
func FromDevices(devices []device.Descriptor) Devices {
	out := Devices{Devices: make([]Device, len(devices))}
	for i, d := range devices {
		out.Devices[i] = fromDevice(d)
	}
	return out
}

func fromDevice(d device.Descriptor) Device {
	return Device{
		ID:         d.ID,
		Name:       d.Name,
		NativeRate: d.NativeRate,
		Channels:   d.Channels,
		Default:    d.Default,
		Status:     d.Status.String(),
	}
}

// FromBands renders the equalizer topology
func FromBands(bands []dsp.Band) []EQBand {
	out := make([]EQBand, len(bands))
	for i, b := range bands {
		out[i] = EQBand{Index: i, Frequency: b.Frequency, Q: b.Q, GainDB: b.GainDB}
	}
	return out
}
