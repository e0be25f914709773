// ABOUTME: Command line remote control for a playcore player
// ABOUTME: Sends one command over the control websocket or watches events
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Sendspin/playcore/internal/client"
	"github.com/Sendspin/playcore/internal/control"
	"github.com/Sendspin/playcore/internal/discovery"
	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/internal/protocol"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
)

var (
	addr     = flag.String("addr", "localhost:8927", "Player address (host:port or ws:// URL)")
	discover = flag.Duration("discover", 0, "Find a player via mDNS instead of -addr, waiting up to this long")
	timeout  = flag.Duration("timeout", 5*time.Second, "Command timeout")
	jsonOut  = flag.Bool("json", false, "Print state and devices as JSON")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "playcorectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: playcorectl [flags] <command> [args]\n\nCommands:\n")
	names := make([]string, 0, len(verbs)+1)
	for name := range verbs {
		names = append(names, name)
	}
	names = append(names, "watch")
	sort.Strings(names)
	for _, name := range names {
		if v, ok := verbs[name]; ok {
			fmt.Fprintf(os.Stderr, "  %s\n", v.usage)
		} else {
			fmt.Fprintf(os.Stderr, "  %s\n", name)
		}
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func run(name string, args []string) error {
	level := "warn"
	if *debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level})
	if err != nil {
		return err
	}

	var cmd protocol.Command
	if name != "watch" {
		if cmd, err = buildCommand(name, args); err != nil {
			return err
		}
	}

	target := *addr
	if *discover > 0 {
		if target, err = findPlayer(*discover, logger); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events []string
	if name != "watch" {
		// Only command results are of interest
		events = []string{"none"}
	}
	c := client.NewClient(client.Config{Addr: target, Name: "playcorectl", Events: events}, logger)

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	err = c.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	if name == "watch" {
		return watch(ctx, c)
	}

	// Drain the greeting state so the reply to get_state is the one printed
	select {
	case <-c.States:
	case <-time.After(*timeout):
	}

	cmdCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := c.Command(cmdCtx, cmd); err != nil {
		return err
	}

	switch cmd.Command {
	case control.CommandGetState:
		select {
		case state := <-c.States:
			return printState(state)
		case <-cmdCtx.Done():
			return cmdCtx.Err()
		}
	case control.CommandListDevices:
		select {
		case devices := <-c.Devices:
			return printDevices(devices)
		case <-cmdCtx.Done():
			return cmdCtx.Err()
		}
	}
	return nil
}

func findPlayer(wait time.Duration, logger zerolog.Logger) (string, error) {
	disc := discovery.NewManager(discovery.Config{}, logger)
	disc.Browse()
	defer disc.Stop()

	select {
	case p := <-disc.Players():
		logger.Debug().Str("player", p.Name).Str("url", p.URL()).Msg("discovered player")
		return p.URL(), nil
	case <-time.After(wait):
		return "", errors.New("no player found on the network")
	}
}

func watch(ctx context.Context, c *client.Client) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case ev := <-c.Events:
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case state := <-c.States:
			if err := enc.Encode(state); err != nil {
				return err
			}
		case <-c.Done():
			return errors.New("connection closed")
		case <-ctx.Done():
			return nil
		}
	}
}

var labelStyle = lipgloss.NewStyle().Bold(true)

func printState(s protocol.State) error {
	if *jsonOut {
		return json.NewEncoder(os.Stdout).Encode(s)
	}
	rows := [][]string{
		{"session", s.SessionID},
		{"state", s.State},
	}
	if s.TrackID != "" {
		rows = append(rows, []string{"track", fmt.Sprintf("%s (%.1fs / %.1fs)", s.TrackID, s.OffsetSeconds, s.DurationSeconds)})
	}
	if s.NextTrackID != "" {
		rows = append(rows, []string{"next", s.NextTrackID})
	}
	rows = append(rows,
		[]string{"queue", fmt.Sprintf("%d tracks, cursor %d", len(s.Queue), s.Cursor)},
		[]string{"volume", fmt.Sprintf("%.0f%%", s.Volume*100)},
		[]string{"crossfade", fmt.Sprintf("%dms %s", s.CrossfadeMS, s.Curve)},
		[]string{"buffered", fmt.Sprintf("%.2fs", s.SecondsBuffered)},
		[]string{"eq", fmt.Sprint(s.EQGains)},
	)
	if s.Device != nil {
		rows = append(rows, []string{"device", fmt.Sprintf("%s (%s, %d Hz)", s.Device.Name, s.Device.Status, s.Device.NativeRate)})
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle
			}
			return lipgloss.NewStyle()
		}).
		Rows(rows...)
	_, err := fmt.Println(t.Render())
	return err
}

func printDevices(d protocol.Devices) error {
	if *jsonOut {
		return json.NewEncoder(os.Stdout).Encode(d)
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "RATE", "CHANNELS", "STATUS")
	for _, dev := range d.Devices {
		name := dev.Name
		if dev.Default {
			name += " *"
		}
		t.Row(dev.ID, name, fmt.Sprint(dev.NativeRate), fmt.Sprint(dev.Channels), dev.Status)
	}
	_, err := fmt.Println(t.Render())
	return err
}
