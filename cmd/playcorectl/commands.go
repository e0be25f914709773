// ABOUTME: Parses command line verbs into control protocol commands
// ABOUTME: Maps short verbs like next or volume onto the wire command set
package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sendspin/playcore/internal/control"
	"github.com/Sendspin/playcore/internal/protocol"
)

var errUsage = errors.New("usage")

// verb is one playcorectl subcommand
type verb struct {
	usage string
	build func(args []string) (protocol.Command, error)
}

var verbs = map[string]verb{
	"play":     {"play", simple("play")},
	"pause":    {"pause", simple("pause")},
	"stop":     {"stop", simple("stop")},
	"next":     {"next", simple("next_track")},
	"previous": {"previous", simple("previous_track")},
	"state":    {"state", simple(control.CommandGetState)},
	"devices":  {"devices", simple(control.CommandListDevices)},
	"seek": {"seek <seconds|duration>", func(args []string) (protocol.Command, error) {
		if len(args) != 1 {
			return protocol.Command{}, errUsage
		}
		d, err := parseOffset(args[0])
		if err != nil {
			return protocol.Command{}, err
		}
		secs := d.Seconds()
		return protocol.Command{Command: "seek", OffsetSeconds: &secs}, nil
	}},
	"volume": {"volume <0-100>", func(args []string) (protocol.Command, error) {
		if len(args) != 1 {
			return protocol.Command{}, errUsage
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(args[0], "%"), 64)
		if err != nil {
			return protocol.Command{}, fmt.Errorf("invalid volume %q", args[0])
		}
		vol := pct / 100
		return protocol.Command{Command: "set_volume", Volume: &vol}, nil
	}},
	"crossfade": {"crossfade <duration>", func(args []string) (protocol.Command, error) {
		if len(args) != 1 {
			return protocol.Command{}, errUsage
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return protocol.Command{}, fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		ms := d.Milliseconds()
		return protocol.Command{Command: "set_crossfade_duration", DurationMS: &ms}, nil
	}},
	"curve": {"curve <equal_power|linear|s_curve>", func(args []string) (protocol.Command, error) {
		if len(args) != 1 {
			return protocol.Command{}, errUsage
		}
		return protocol.Command{Command: "set_crossfade_curve", Curve: args[0]}, nil
	}},
	"eq": {"eq <band> <gain_db>", func(args []string) (protocol.Command, error) {
		if len(args) != 2 {
			return protocol.Command{}, errUsage
		}
		band, err := strconv.Atoi(args[0])
		if err != nil {
			return protocol.Command{}, fmt.Errorf("invalid band %q", args[0])
		}
		gain, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return protocol.Command{}, fmt.Errorf("invalid gain %q", args[1])
		}
		return protocol.Command{Command: "set_eq_band", Band: &band, GainDB: &gain}, nil
	}},
	"enqueue": {"enqueue <track> [position]", func(args []string) (protocol.Command, error) {
		if len(args) < 1 || len(args) > 2 {
			return protocol.Command{}, errUsage
		}
		cmd := protocol.Command{Command: "enqueue_track", TrackID: args[0]}
		if len(args) == 2 {
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return protocol.Command{}, fmt.Errorf("invalid position %q", args[1])
			}
			cmd.Position = &pos
		}
		return cmd, nil
	}},
}

func simple(name string) func([]string) (protocol.Command, error) {
	return func(args []string) (protocol.Command, error) {
		if len(args) != 0 {
			return protocol.Command{}, errUsage
		}
		return protocol.Command{Command: name}, nil
	}
}

// parseOffset accepts plain seconds ("42.5") or a Go duration ("1m30s")
func parseOffset(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return d, nil
}

// buildCommand turns a verb and its arguments into a wire command
func buildCommand(name string, args []string) (protocol.Command, error) {
	v, ok := verbs[name]
	if !ok {
		return protocol.Command{}, fmt.Errorf("unknown command %q", name)
	}
	cmd, err := v.build(args)
	if errors.Is(err, errUsage) {
		return cmd, fmt.Errorf("usage: playcorectl %s", v.usage)
	}
	return cmd, err
}
