// ABOUTME: Lists playback devices for each output backend
// ABOUTME: Optionally browses the network for advertised players
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sendspin/playcore/internal/discovery"
	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
)

var (
	backends = flag.String("backend", "", "Comma-separated backends to list (default: all)")
	browse   = flag.Duration("browse", 0, "Also browse for players on the network for this long")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))

func main() {
	flag.Parse()

	level := "warn"
	if *debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	names := output.Backends
	if *backends != "" {
		names = strings.Split(*backends, ",")
	}

	failed := false
	for _, name := range names {
		if err := listBackend(strings.TrimSpace(name), logger); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n\n", name, err)
			failed = true
		}
	}

	if *browse > 0 {
		browsePlayers(*browse, logger)
	}

	if failed {
		os.Exit(1)
	}
}

func listBackend(name string, logger zerolog.Logger) error {
	backend, err := output.NewBackend(name, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%s (%d devices)", backend.Name(), len(devices))))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "NAME", "RATE", "CHANNELS", "DEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		t.Row(d.ID, d.Name, fmt.Sprint(d.NativeRate), fmt.Sprint(d.Channels), def)
	}
	fmt.Println(t.Render())
	fmt.Println()
	return nil
}

func browsePlayers(d time.Duration, logger zerolog.Logger) {
	disc := discovery.NewManager(discovery.Config{}, logger)
	disc.Browse()
	defer disc.Stop()

	fmt.Println(headerStyle.Render("players"))
	seen := make(map[string]bool)
	deadline := time.After(d)
	for {
		select {
		case p := <-disc.Players():
			url := p.URL()
			if seen[url] {
				continue
			}
			seen[url] = true
			fmt.Printf("  %s\t%s\tsession=%s\n", p.Name, url, p.SessionID)
		case <-deadline:
			if len(seen) == 0 {
				fmt.Println("  none found")
			}
			return
		}
	}
}
