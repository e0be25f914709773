// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it engine snapshots and events
package ui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	tea "github.com/charmbracelet/bubbletea"
)

// Source is the engine surface the TUI polls, subscribes to and controls
type Source interface {
	Controller
	Subscribe(buffer int) *playcore.Subscription
	Unsubscribe(s *playcore.Subscription)
	Snapshot() playcore.Snapshot
	Stats() playcore.Stats
	ClockStats() clock.Stats
}

// TUI runs the status display for one engine
type TUI struct {
	name    string
	source  Source
	refresh time.Duration
}

// New creates a TUI for source
func New(name string, source Source) *TUI {
	return &TUI{name: name, source: source, refresh: 200 * time.Millisecond}
}

// Run shows the TUI until the user quits or ctx is cancelled
func (t *TUI) Run(ctx context.Context) error {
	program := tea.NewProgram(NewModel(t.name, t.source), tea.WithAltScreen(), tea.WithContext(ctx))

	feedCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.feed(feedCtx, program)
	}()

	_, err := program.Run()
	cancel()
	wg.Wait()

	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// feed forwards snapshots on a ticker and notable events as they arrive
func (t *TUI) feed(ctx context.Context, program *tea.Program) {
	sub := t.source.Subscribe(64)
	defer t.source.Unsubscribe(sub)

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			program.Send(t.status())
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if msg, ok := eventMsg(ev); ok {
				program.Send(msg)
			}
		}
	}
}

func (t *TUI) status() StatusMsg {
	return StatusMsg{
		Snapshot: t.source.Snapshot(),
		Stats:    t.source.Stats(),
		Clock:    t.source.ClockStats(),
	}
}

// eventMsg converts the events worth showing into TUI messages
func eventMsg(ev playcore.Event) (tea.Msg, bool) {
	switch e := ev.(type) {
	case playcore.SpectrumFrame:
		return SpectrumMsg{BinHz: e.BinHz, Bins: e.Bins}, true
	case playcore.TrackTransitionCompleted:
		return EventMsg{Text: "now playing " + string(e.To)}, true
	case playcore.Underrun:
		return EventMsg{Text: fmt.Sprintf("underrun on %s", e.TrackID)}, true
	case playcore.DeviceLost:
		text := fmt.Sprintf("device %s lost", e.DeviceID)
		if e.Terminal {
			text += " (gave up)"
		}
		return EventMsg{Text: text, IsError: true}, true
	case playcore.DeviceReacquired:
		return EventMsg{Text: fmt.Sprintf("device %s back at %dHz", e.DeviceID, e.NewRate)}, true
	case playcore.TrackErrorEvent:
		return EventMsg{Text: e.Error.Error(), IsError: true}, true
	}
	return nil, false
}
