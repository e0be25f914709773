// ABOUTME: Tests for WebSocket client implementation
// ABOUTME: Tests connection, handshake, command results and message routing
package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playcore/internal/control"
	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/internal/protocol"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	bus *playcore.Bus

	mu       sync.Mutex
	commands []playcore.Command
}

func (f *fakeEngine) Submit(_ context.Context, cmd playcore.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeEngine) Subscribe(buffer int) *playcore.Subscription { return f.bus.Subscribe(buffer) }
func (f *fakeEngine) Unsubscribe(s *playcore.Subscription)        { f.bus.Unsubscribe(s) }
func (f *fakeEngine) SessionID() string                           { return "session-7" }
func (f *fakeEngine) EQBands() []dsp.Band                         { return dsp.DefaultBands() }

func (f *fakeEngine) Snapshot() playcore.Snapshot {
	return playcore.Snapshot{SessionID: "session-7", State: playcore.StatePaused, Volume: 0.5}
}

func (f *fakeEngine) Devices() ([]device.Descriptor, error) {
	return []device.Descriptor{{
		DeviceInfo: output.DeviceInfo{ID: output.VirtualDeviceID, Name: "Virtual Output", NativeRate: 48000, Channels: 2, Default: true},
		Status:     device.StatusActive,
	}}, nil
}

func (f *fakeEngine) submitted() []playcore.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playcore.Command(nil), f.commands...)
}

func startPlayer(t *testing.T) (*fakeEngine, *control.Server, string) {
	t.Helper()
	engine := &fakeEngine{bus: playcore.NewBus()}
	s := control.New(engine, control.Config{Name: "kitchen", SoftwareVersion: "test"}, logging.NewTestLogger(t))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return engine, s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func connect(t *testing.T, url string, events ...string) *Client {
	t.Helper()
	c := NewClient(Config{Addr: url, Name: "test-remote", Events: events}, logging.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectHandshake(t *testing.T) {
	_, s, url := startPlayer(t)
	c := connect(t, url)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "kitchen", c.Hello.Name)
	assert.Equal(t, "session-7", c.Hello.SessionID)
	assert.NotEmpty(t, c.Hello.ClientID)
	assert.Len(t, c.Hello.EQBands, 10)

	select {
	case state := <-c.States:
		assert.Equal(t, "paused", state.State)
		assert.Equal(t, 0.5, state.Volume)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial state")
	}
	assert.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCommandResults(t *testing.T) {
	engine, _, url := startPlayer(t)
	c := connect(t, url)
	ctx := context.Background()

	vol := 0.25
	require.NoError(t, c.Command(ctx, protocol.Command{Command: "set_volume", Volume: &vol}))
	require.NoError(t, c.Command(ctx, protocol.Command{Command: "play"}))

	err := c.Command(ctx, protocol.Command{Command: "rewind"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "rewind")

	cmds := engine.submitted()
	require.Len(t, cmds, 2)
	assert.Equal(t, playcore.CmdSetVolume, cmds[0].Kind)
	assert.Equal(t, 0.25, cmds[0].Volume)
	assert.Equal(t, playcore.CmdPlay, cmds[1].Kind)
}

func TestDevicesAndState(t *testing.T) {
	_, _, url := startPlayer(t)
	c := connect(t, url)
	ctx := context.Background()
	<-c.States

	require.NoError(t, c.Command(ctx, protocol.Command{Command: control.CommandListDevices}))
	select {
	case devices := <-c.Devices:
		require.Len(t, devices.Devices, 1)
		assert.Equal(t, "Virtual Output", devices.Devices[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no devices")
	}

	require.NoError(t, c.Command(ctx, protocol.Command{Command: control.CommandGetState}))
	select {
	case state := <-c.States:
		assert.Equal(t, "session-7", state.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no state")
	}
}

func TestEventsAreRouted(t *testing.T) {
	engine, _, url := startPlayer(t)
	c := connect(t, url, string(playcore.EventTrackTransitionCompleted))
	<-c.States

	// The player subscribes after sending state, so publish until one lands
	var ev protocol.Event
	require.Eventually(t, func() bool {
		engine.bus.Publish(playcore.TrackTransitionCompleted{From: "a", To: "b"})
		select {
		case ev = <-c.Events:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, string(playcore.EventTrackTransitionCompleted), ev.Event)
}

func TestCloseSendsGoodbye(t *testing.T) {
	_, s, url := startPlayer(t)
	c := connect(t, url)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)

	err := c.Command(context.Background(), protocol.Command{Command: "play"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerCloseEndsClient(t *testing.T) {
	_, s, url := startPlayer(t)
	c := connect(t, url)

	s.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the closed connection")
	}
	assert.False(t, c.IsConnected())
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "localhost:8928", want: "ws://localhost:8928/control"},
		{addr: "ws://10.0.0.2:9000/control", want: "ws://10.0.0.2:9000/control"},
		{addr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := ControlURL(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
