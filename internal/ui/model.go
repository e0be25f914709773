// ABOUTME: Bubbletea model for the playback status TUI
// ABOUTME: Renders session, device and spectrum state and maps keys to engine commands
package ui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/Sendspin/playcore/pkg/playcore/mixer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	volumeStep     = 0.05
	seekStep       = 5 * time.Second
	commandTimeout = 2 * time.Second

	spectrumColumns = 32
	spectrumMinHz   = 30.0
	spectrumMaxHz   = 16000.0
	spectrumFloorDB = -60.0
)

var spectrumLevels = []rune(" ▁▂▃▄▅▆▇█")

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	spectrumStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	helpStyle     = lipgloss.NewStyle().Faint(true)
)

// Controller accepts engine commands from key presses
type Controller interface {
	Submit(ctx context.Context, cmd playcore.Command) error
}

// Model represents the TUI state
type Model struct {
	name       string
	controller Controller

	// Session
	state       playcore.State
	trackID     audio.TrackID
	nextTrackID audio.TrackID
	offset      time.Duration
	duration    time.Duration
	queueLen    int
	cursor      int
	volume      float64
	crossfade   time.Duration
	curve       mixer.Curve
	buffer      float64
	format      audio.Format

	// Device
	deviceName   string
	deviceStatus device.Status
	clockQuality clock.Quality
	drift        float64

	// Stats
	callbacks uint64
	underruns uint64
	dropped   uint64
	load      float64

	spectrum  []float64
	binHz     float64
	lastEvent string
	lastError string

	showDebug bool
	quitting  bool

	// Dimensions
	width  int
	height int
}

// StatusMsg carries a periodic engine snapshot
type StatusMsg struct {
	Snapshot playcore.Snapshot
	Stats    playcore.Stats
	Clock    clock.Stats
}

// SpectrumMsg carries the latest spectrum frame
type SpectrumMsg struct {
	BinHz float64
	Bins  []float64
}

// EventMsg shows a notable engine event in the status line
type EventMsg struct {
	Text    string
	IsError bool
}

type commandErrMsg struct{ err error }

// NewModel creates a TUI model that submits commands to controller
func NewModel(name string, controller Controller) Model {
	return Model{
		name:         name,
		controller:   controller,
		volume:       1,
		clockQuality: clock.QualityLost,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case SpectrumMsg:
		m.spectrum = msg.Bins
		m.binHz = msg.BinHz
	case EventMsg:
		if msg.IsError {
			m.lastError = msg.Text
		} else {
			m.lastEvent = msg.Text
		}
	case commandErrMsg:
		m.lastError = msg.err.Error()
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("playcore · " + m.name))
	b.WriteString("\n")

	b.WriteString(m.renderSession())
	b.WriteString("\n")
	b.WriteString(m.renderDevice())
	b.WriteString("\n")
	b.WriteString(spectrumStyle.Render(renderSpectrum(m.spectrum, m.binHz, spectrumColumns)))
	b.WriteString("\n\n")

	if m.showDebug {
		b.WriteString(m.renderDebug())
		b.WriteString("\n")
	}
	if m.lastEvent != "" {
		b.WriteString(valueStyle.Render(m.lastEvent))
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString(errorStyle.Render("error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("space:Play/Pause  s:Stop  n/p:Next/Prev  ←/→:Seek  ↑/↓:Volume  c:Curve  d:Debug  q:Quit"))
	return b.String()
}

func field(b *strings.Builder, name, value string) {
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s", name)))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

// renderSession renders the current track and session parameters
func (m Model) renderSession() string {
	var b strings.Builder

	field(&b, "State:", m.state.String())
	if m.trackID == "" {
		field(&b, "Track:", "(none)")
	} else {
		field(&b, "Track:", fmt.Sprintf("%s  [%d/%d]", truncate(string(m.trackID), 48), m.cursor+1, m.queueLen))
		field(&b, "", fmt.Sprintf("%s %s / %s",
			renderBar(float64(m.offset), float64(m.duration), 30),
			formatDuration(m.offset), formatDuration(m.duration)))
	}
	if m.nextTrackID != "" {
		field(&b, "Next:", truncate(string(m.nextTrackID), 48))
	}

	field(&b, "Volume:", fmt.Sprintf("%s %3.0f%%", renderBar(m.volume, 1, 10), m.volume*100))

	buffer := fmt.Sprintf("%.1fs", m.buffer)
	if m.state.Active() && m.buffer < 0.5 {
		buffer = warnStyle.Render(buffer + " low")
	}
	field(&b, "Buffer:", buffer)

	crossfade := "off"
	if m.crossfade > 0 {
		crossfade = fmt.Sprintf("%s %s", m.crossfade, m.curve)
	}
	field(&b, "Fade:", crossfade)
	return b.String()
}

// renderDevice renders device and clock health
func (m Model) renderDevice() string {
	var b strings.Builder

	name := m.deviceName
	if name == "" {
		name = "(no device)"
	}
	field(&b, "Device:", fmt.Sprintf("%s (%s)", name, m.deviceStatus))
	if m.format.Valid() {
		field(&b, "Format:", fmt.Sprintf("%dHz %s", m.format.SampleRate, channelName(m.format.Channels)))
	}

	clockText := fmt.Sprintf("%s (drift %+.0f ppm)", m.clockQuality, m.drift*1e6)
	switch m.clockQuality {
	case clock.QualityDegraded:
		clockText = warnStyle.Render(clockText)
	case clock.QualityLost:
		clockText = errorStyle.Render(clockText)
	}
	field(&b, "Clock:", clockText)
	return b.String()
}

// renderDebug renders render-path counters
func (m Model) renderDebug() string {
	var b strings.Builder
	field(&b, "Callbacks:", fmt.Sprintf("%d (load %.0f%%)", m.callbacks, m.load*100))
	field(&b, "Underruns:", fmt.Sprintf("%d", m.underruns))
	field(&b, "Dropped:", fmt.Sprintf("%d commands", m.dropped))
	return b.String()
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case " ":
		if m.state.Active() {
			return m, m.submit(playcore.Command{Kind: playcore.CmdPause})
		}
		return m, m.submit(playcore.Command{Kind: playcore.CmdPlay})
	case "s":
		return m, m.submit(playcore.Command{Kind: playcore.CmdStop})
	case "n":
		return m, m.submit(playcore.Command{Kind: playcore.CmdNextTrack})
	case "p":
		return m, m.submit(playcore.Command{Kind: playcore.CmdPreviousTrack})
	case "left", "right":
		if m.trackID == "" {
			return m, nil
		}
		target := m.offset - seekStep
		if msg.String() == "right" {
			target = m.offset + seekStep
		}
		target = max(target, 0)
		if m.duration > 0 && target >= m.duration {
			return m, m.submit(playcore.Command{Kind: playcore.CmdNextTrack})
		}
		m.offset = target
		return m, m.submit(playcore.Command{Kind: playcore.CmdSeek, Offset: target})
	case "up", "down":
		step := volumeStep
		if msg.String() == "down" {
			step = -volumeStep
		}
		m.volume = math.Round(min(max(m.volume+step, 0), 1)*100) / 100
		return m, m.submit(playcore.Command{Kind: playcore.CmdSetVolume, Volume: m.volume})
	case "c":
		m.curve = (m.curve + 1) % (mixer.SCurve + 1)
		return m, m.submit(playcore.Command{Kind: playcore.CmdSetCrossfadeCurve, Curve: m.curve})
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// submit sends cmd off the UI goroutine and reports failures back
func (m Model) submit(cmd playcore.Command) tea.Cmd {
	if m.controller == nil {
		return nil
	}
	controller := m.controller
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := controller.Submit(ctx, cmd); err != nil {
			return commandErrMsg{err: fmt.Errorf("%s: %w", cmd.Kind, err)}
		}
		return nil
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	snap := msg.Snapshot
	m.state = snap.State
	m.trackID = snap.TrackID
	m.nextTrackID = snap.NextTrackID
	m.offset = snap.Offset
	m.duration = snap.Duration
	m.queueLen = len(snap.Queue)
	m.cursor = snap.Cursor
	m.volume = snap.Volume
	m.crossfade = snap.Crossfade
	m.curve = snap.Curve
	m.buffer = snap.BufferSeconds
	m.format = snap.Format
	m.deviceName = snap.Device.Name
	m.deviceStatus = snap.DeviceStatus

	m.clockQuality = msg.Clock.Quality
	m.drift = msg.Clock.Drift

	m.callbacks = msg.Stats.Callbacks
	m.underruns = msg.Stats.Underruns
	m.dropped = msg.Stats.DroppedCommands
	m.load = msg.Stats.Load
}

// Utility functions
func renderBar(value, max float64, width int) string {
	filled := 0
	if max > 0 {
		filled = int(math.Round(value / max * float64(width)))
	}
	filled = min(filled, width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// renderSpectrum folds linear magnitude bins into log-spaced columns
func renderSpectrum(bins []float64, binHz float64, columns int) string {
	if len(bins) == 0 || binHz <= 0 {
		return strings.Repeat(string(spectrumLevels[0]), columns)
	}

	out := make([]rune, columns)
	ratio := math.Pow(spectrumMaxHz/spectrumMinHz, 1/float64(columns))
	lo := spectrumMinHz
	for c := range out {
		hi := lo * ratio
		first := int(lo / binHz)
		last := max(int(hi/binHz), first)
		peak := 0.0
		for k := first; k <= last && k < len(bins); k++ {
			peak = max(peak, bins[k])
		}

		level := 0
		if peak > 0 {
			db := 20 * math.Log10(peak)
			frac := (db - spectrumFloorDB) / -spectrumFloorDB
			level = int(math.Round(min(max(frac, 0), 1) * float64(len(spectrumLevels)-1)))
		}
		out[c] = spectrumLevels[level]
		lo = hi
	}
	return string(out)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}

func channelName(channels int) string {
	switch channels {
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	default:
		return fmt.Sprintf("%dch", channels)
	}
}
