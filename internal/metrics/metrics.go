// ABOUTME: Prometheus collector over engine counters and the device clock
// ABOUTME: Values are read at scrape time; nothing is pushed from the render path
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "playcore"

// Source is the part of the engine the collector reads
type Source interface {
	Stats() playcore.Stats
	ClockStats() clock.Stats
	Snapshot() playcore.Snapshot
}

// Collector implements prometheus.Collector for one engine
type Collector struct {
	src Source

	callbacks      *prometheus.Desc
	frames         *prometheus.Desc
	underruns      *prometheus.Desc
	underrunFrames *prometheus.Desc
	droppedCmds    *prometheus.Desc
	droppedNotices *prometheus.Desc
	spectrumDrops  *prometheus.Desc
	lateCallbacks  *prometheus.Desc
	reacquires     *prometheus.Desc
	load           *prometheus.Desc
	buffered       *prometheus.Desc
	volume         *prometheus.Desc
	state          *prometheus.Desc
	sampleRate     *prometheus.Desc
	drift          *prometheus.Desc
	clockQuality   *prometheus.Desc
}

// NewCollector describes every metric for src
func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:            src,
		callbacks:      desc("callbacks_total", "Device render callbacks."),
		frames:         desc("frames_rendered_total", "Frames written to the device."),
		underruns:      desc("underruns_total", "Underrun episodes."),
		underrunFrames: desc("underrun_frames_total", "Silent frames rendered during underruns."),
		droppedCmds:    desc("dropped_commands_total", "Non-critical commands dropped on a full queue."),
		droppedNotices: desc("dropped_notices_total", "Render notices lost to a full notice ring."),
		spectrumDrops:  desc("spectrum_overruns_total", "Spectrum frames skipped because no slot was free."),
		lateCallbacks:  desc("late_callbacks_total", "Callbacks that finished after their deadline."),
		reacquires:     desc("device_reacquires_total", "Successful device reacquisitions."),
		load:           desc("callback_load_ratio", "Render time as a fraction of the callback period."),
		buffered:       desc("buffer_seconds", "Audio buffered ahead of the cursor for the current track."),
		volume:         desc("volume_ratio", "Master volume."),
		state:          desc("session_state", "1 for the current session state.", "state"),
		sampleRate:     desc("device_sample_rate_hertz", "Nominal device sample rate."),
		drift:          desc("device_clock_drift_ratio", "Measured over nominal device rate, minus one."),
		clockQuality:   desc("device_clock_quality", "1 for the current device clock quality.", "quality"),
	}
}

// Describe sends every descriptor
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.callbacks, c.frames, c.underruns, c.underrunFrames, c.droppedCmds,
		c.droppedNotices, c.spectrumDrops, c.lateCallbacks, c.reacquires, c.load,
		c.buffered, c.volume, c.state, c.sampleRate, c.drift, c.clockQuality,
	} {
		ch <- d
	}
}

// Collect reads the current values
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	clk := c.src.ClockStats()
	snap := c.src.Snapshot()

	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.callbacks, float64(stats.Callbacks))
	counter(c.frames, float64(stats.Frames))
	counter(c.underruns, float64(stats.Underruns))
	counter(c.underrunFrames, float64(stats.UnderrunFrames))
	counter(c.droppedCmds, float64(stats.DroppedCommands))
	counter(c.droppedNotices, float64(stats.DroppedNotices))
	counter(c.spectrumDrops, float64(stats.SpectrumOverruns))
	counter(c.lateCallbacks, float64(stats.LateCallbacks))
	counter(c.reacquires, float64(stats.Reacquires))
	gauge(c.load, stats.Load)
	gauge(c.buffered, stats.BufferSeconds)
	gauge(c.volume, snap.Volume)

	for _, s := range []playcore.State{playcore.StateStopped, playcore.StatePlaying, playcore.StatePaused, playcore.StateScrubbing} {
		gauge(c.state, boolValue(snap.State == s), s.String())
	}

	gauge(c.sampleRate, float64(clk.NominalRate))
	gauge(c.drift, clk.Drift)
	for _, q := range []clock.Quality{clock.QualityGood, clock.QualityDegraded, clock.QualityLost} {
		gauge(c.clockQuality, boolValue(clk.Quality == q), q.String())
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns a /metrics handler over a fresh registry holding the
// collector plus the Go runtime collectors
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, src Source, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "metrics").Logger()

	handler, err := Handler(src)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
