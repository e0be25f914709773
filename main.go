// ABOUTME: Entry point for the playcore player
// ABOUTME: Loads config, starts the engine and its control surfaces, and queues tracks from the command line
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Sendspin/playcore/internal/config"
	"github.com/Sendspin/playcore/internal/control"
	"github.com/Sendspin/playcore/internal/discovery"
	"github.com/Sendspin/playcore/internal/loader"
	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/internal/metrics"
	"github.com/Sendspin/playcore/internal/ui"
	"github.com/Sendspin/playcore/internal/version"
	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "YAML config file (default: built-in defaults)")
	name       = flag.String("name", "", "Player friendly name (default: hostname-playcore)")
	backend    = flag.String("backend", "", "Output backend: malgo, oto, portaudio or virtual")
	deviceID   = flag.String("device", "", "Output device id (default: system default)")
	logFile    = flag.String("log-file", "", "Log file path (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	noControl  = flag.Bool("no-control", false, "Disable the websocket control server")
	autoplay   = flag.Bool("play", true, "Start playing when tracks are given on the command line")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [track ...]\n\nTracks are MP3/FLAC/Opus paths or tone:<hz>[:<duration>[:<rate>]].\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "playcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	useTUI := !*noTUI

	// Set up logging
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if useTUI {
			// TUI mode: log only to file
			out = f
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	} else if useTUI {
		out = io.Discard
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
		Output: out,
	})
	if err != nil {
		return err
	}

	playerName := cfg.Control.Name
	if playerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		playerName = fmt.Sprintf("%s-playcore", hostname)
	}

	logger.Info().
		Str("name", playerName).
		Str("version", version.Version).
		Str("backend", cfg.Device.Backend).
		Msg("starting player")

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	backendImpl, err := output.NewBackend(cfg.Device.Backend, logger)
	if err != nil {
		return err
	}

	ld := loader.New(loader.Config{}, logger)
	defer func() { _ = ld.Close() }()

	engine, err := playcore.New(engineCfg, backendImpl, ld, logger)
	if err != nil {
		return err
	}
	ld.Attach(engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		_ = engine.Close()
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing engine")
		}
	}()

	queued := enqueue(ctx, engine, ld, flag.Args(), logger)
	if queued > 0 && *autoplay {
		if err := engine.Play(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start playback")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if !*noControl && cfg.Control.Listen != "" {
		srv := control.New(engine, control.Config{
			Name:            playerName,
			SoftwareVersion: version.Version,
			Resolve:         ld.Resolve,
		}, logger)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Control.Listen, discovery.ControlPath)
		})

		if cfg.Control.MDNS {
			disc, err := advertise(cfg.Control.Listen, playerName, engine.SessionID(), logger)
			if err != nil {
				logger.Warn().Err(err).Msg("mDNS advertisement disabled")
			} else {
				defer disc.Stop()
			}
		}
	}

	if cfg.Control.MPRIS {
		mpris, err := control.NewMPRIS(engine, control.Config{Name: playerName, Resolve: ld.Resolve}, logger)
		switch {
		case errors.Is(err, control.ErrMPRISUnsupported):
			logger.Debug().Msg("MPRIS not available on this platform")
		case err != nil:
			logger.Warn().Err(err).Msg("MPRIS bridge disabled")
		default:
			defer func() { _ = mpris.Close() }()
			g.Go(func() error { return mpris.Run(gctx) })
		}
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, engine, logger)
		})
	}

	if useTUI {
		g.Go(func() error {
			err := ui.New(playerName, engine).Run(gctx)
			// Quitting the TUI stops the player
			stop()
			return err
		})
	} else {
		g.Go(func() error { return logEvents(gctx, engine, logger) })
	}

	err = g.Wait()
	logger.Info().Msg("player stopped")
	return err
}

func applyFlags(cfg *config.Config) {
	if *name != "" {
		cfg.Control.Name = *name
	}
	if *backend != "" {
		cfg.Device.Backend = *backend
	}
	if *deviceID != "" {
		cfg.Device.ID = *deviceID
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
}

// enqueue resolves and queues tracks, returning how many were accepted
func enqueue(ctx context.Context, engine *playcore.Engine, ld *loader.Loader, tracks []string, logger zerolog.Logger) int {
	queued := 0
	for _, track := range tracks {
		desc, err := ld.Resolve(audio.TrackID(track))
		if err != nil {
			logger.Warn().Err(err).Str("track", track).Msg("skipping track")
			continue
		}
		if err := engine.Enqueue(ctx, desc, -1); err != nil {
			logger.Warn().Err(err).Str("track", track).Msg("failed to enqueue track")
			continue
		}
		queued++
	}
	return queued
}

func advertise(listen, playerName, sessionID string, logger zerolog.Logger) (*discovery.Manager, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid control address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid control port %q: %w", portStr, err)
	}

	disc := discovery.NewManager(discovery.Config{
		ServiceName: playerName,
		Port:        port,
		SessionID:   sessionID,
		Version:     version.Version,
	}, logger)
	if err := disc.Advertise(); err != nil {
		disc.Stop()
		return nil, err
	}
	return disc, nil
}

// logEvents streams notable engine events to the log when the TUI is off
func logEvents(ctx context.Context, engine *playcore.Engine, logger zerolog.Logger) error {
	sub := engine.Subscribe(128)
	defer engine.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case playcore.StateChanged:
				logger.Info().Stringer("from", e.From).Stringer("to", e.To).Msg("playback state changed")
			case playcore.TrackTransitionCompleted:
				logger.Info().Str("from", string(e.From)).Str("to", string(e.To)).Msg("now playing")
			case playcore.Underrun:
				logger.Warn().Str("track", string(e.TrackID)).Msg("buffer underrun")
			case playcore.DeviceLost:
				logger.Warn().Err(e.Err).Str("device", e.DeviceID).Bool("terminal", e.Terminal).Msg("output device lost")
			case playcore.DeviceReacquired:
				logger.Info().Str("device", e.DeviceID).Int("rate", e.NewRate).Msg("output device reacquired")
			case playcore.TrackErrorEvent:
				logger.Warn().Err(e.Error).Msg("track error")
			}
		}
	}
}
