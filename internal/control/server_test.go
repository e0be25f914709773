// ABOUTME: Tests for the websocket control server
// ABOUTME: Drives a fake engine through real websocket connections
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sendspin/playcore/internal/logging"
	"github.com/Sendspin/playcore/internal/protocol"
	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/audio/output"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/gorilla/websocket"
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
	reject   error
	snapshot playcore.Snapshot
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bus:      playcore.NewBus(),
		snapshot: playcore.Snapshot{SessionID: "session-1", State: playcore.StateStopped, Volume: 1},
	}
}

func (f *fakeEngine) Submit(_ context.Context, cmd playcore.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.commands = append(f.commands, cmd)
	if cmd.Kind == playcore.CmdPlay {
		f.snapshot.State = playcore.StatePlaying
	}
	return nil
}

func (f *fakeEngine) Subscribe(buffer int) *playcore.Subscription { return f.bus.Subscribe(buffer) }
func (f *fakeEngine) Unsubscribe(s *playcore.Subscription)        { f.bus.Unsubscribe(s) }
func (f *fakeEngine) SessionID() string                           { return "session-1" }
func (f *fakeEngine) EQBands() []dsp.Band                         { return dsp.DefaultBands() }

func (f *fakeEngine) Snapshot() playcore.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
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

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func startServer(t *testing.T, engine *fakeEngine) (*Server, string) {
	t.Helper()
	resolve := func(id audio.TrackID) (audio.TrackDescriptor, error) {
		if strings.HasSuffix(string(id), ".flac") {
			return audio.TrackDescriptor{ID: id, SampleRate: 44100, Channels: 2, BitDepth: 16}, nil
		}
		return audio.TrackDescriptor{}, errors.New("unsupported")
	}
	s := New(engine, Config{Name: "test-player", SoftwareVersion: "test", Resolve: resolve}, logging.NewTestLogger(t))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, hello protocol.ClientHello) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	c.write(protocol.TypeClientHello, hello)
	return c
}

func (c *testClient) write(msgType string, payload interface{}) {
	c.t.Helper()
	data, err := json.Marshal(protocol.Message{Type: msgType, Payload: payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// next reads until a message of msgType arrives and decodes its payload
func (c *testClient) next(msgType string, v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		var msg protocol.Message
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			require.NoError(c.t, protocol.DecodePayload(msg.Payload, v))
			return
		}
	}
}

func (c *testClient) command(cmd protocol.Command) protocol.CommandResult {
	c.t.Helper()
	c.write(protocol.TypeClientCommand, cmd)
	for {
		var res protocol.CommandResult
		c.next(protocol.TypeCommandResult, &res)
		if res.ID == cmd.ID {
			return res
		}
	}
}

func TestHandshake(t *testing.T) {
	engine := newFakeEngine()
	s, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote", Version: protocol.Version})

	var hello protocol.ServerHello
	c.next(protocol.TypeServerHello, &hello)
	assert.Equal(t, "session-1", hello.SessionID)
	assert.Equal(t, "test-player", hello.Name)
	assert.NotEmpty(t, hello.ClientID)
	assert.Contains(t, hello.SupportedCommands, "seek")
	assert.Contains(t, hello.SupportedCommands, CommandListDevices)
	assert.Len(t, hello.EQBands, 10)

	var state protocol.State
	c.next(protocol.TypeState, &state)
	assert.Equal(t, "stopped", state.State)

	assert.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandshakeRejectsWrongFirstMessage(t *testing.T) {
	engine := newFakeEngine()
	_, url := startServer(t, engine)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	data, _ := json.Marshal(protocol.Message{Type: protocol.TypeClientCommand, Payload: protocol.Command{Command: "play"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes the connection")
	assert.Empty(t, engine.submitted())
}

func TestCommands(t *testing.T) {
	engine := newFakeEngine()
	_, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote"})

	vol := 0.3
	res := c.command(protocol.Command{ID: "1", Command: "set_volume", Volume: &vol})
	assert.True(t, res.OK, res.Error)

	res = c.command(protocol.Command{ID: "2", Command: "enqueue_track", TrackID: "a.flac"})
	assert.True(t, res.OK, res.Error)

	res = c.command(protocol.Command{ID: "3", Command: "enqueue_track", TrackID: "a.wav"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "unsupported")

	res = c.command(protocol.Command{ID: "4", Command: "rewind"})
	assert.False(t, res.OK)

	res = c.command(protocol.Command{ID: "5", Command: "play"})
	assert.True(t, res.OK)

	cmds := engine.submitted()
	require.Len(t, cmds, 3)
	assert.Equal(t, playcore.CmdSetVolume, cmds[0].Kind)
	assert.Equal(t, 0.3, cmds[0].Volume)
	assert.Equal(t, audio.TrackID("a.flac"), cmds[1].Track.ID)
	assert.Equal(t, -1, cmds[1].Position)
	assert.Equal(t, playcore.CmdPlay, cmds[2].Kind)

	res = c.command(protocol.Command{ID: "6", Command: CommandGetState})
	assert.True(t, res.OK)
}

func TestEngineRejectionIsReported(t *testing.T) {
	engine := newFakeEngine()
	engine.reject = playcore.ErrQueueEmpty
	_, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote"})

	res := c.command(protocol.Command{ID: "1", Command: "play"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "queue empty")
}

func TestStateAndDevices(t *testing.T) {
	engine := newFakeEngine()
	_, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote"})

	var state protocol.State
	c.next(protocol.TypeState, &state)

	c.command(protocol.Command{ID: "p", Command: "play"})
	c.write(protocol.TypeClientCommand, protocol.Command{Command: CommandGetState})
	c.next(protocol.TypeState, &state)
	assert.Equal(t, "playing", state.State)

	c.write(protocol.TypeClientCommand, protocol.Command{Command: CommandListDevices})
	var devices protocol.Devices
	c.next(protocol.TypeDevices, &devices)
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "active", devices.Devices[0].Status)
}

func TestEventsAreFiltered(t *testing.T) {
	engine := newFakeEngine()
	s, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote", Events: []string{string(playcore.EventUnderrun)}})

	var state protocol.State
	c.next(protocol.TypeState, &state)
	assert.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// The subscription starts after the state message, so publish until one lands
	var ev protocol.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.next(protocol.TypeEvent, &ev)
	}()
	require.Eventually(t, func() bool {
		engine.bus.Publish(playcore.PositionUpdate{TrackID: "a"})
		engine.bus.Publish(playcore.Underrun{TrackID: "a"})
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, string(playcore.EventUnderrun), ev.Event)
	assert.Equal(t, "a", ev.TrackID)
}

func TestGoodbyeDisconnects(t *testing.T) {
	engine := newFakeEngine()
	s, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote"})

	var hello protocol.ServerHello
	c.next(protocol.TypeServerHello, &hello)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	c.write(protocol.TypeClientGoodbye, protocol.ClientGoodbye{Reason: "user_request"})
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDisconnectsClients(t *testing.T) {
	engine := newFakeEngine()
	s, url := startServer(t, engine)
	c := dial(t, url, protocol.ClientHello{Name: "remote"})

	var hello protocol.ServerHello
	c.next(protocol.TypeServerHello, &hello)

	s.Close()
	assert.Zero(t, s.Clients())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	// Late connections are refused
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = conn.ReadMessage()
		_ = conn.Close()
	}
	assert.Error(t, err)
}
