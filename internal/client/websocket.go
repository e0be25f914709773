// ABOUTME: WebSocket client for the player control protocol
// ABOUTME: Handles connection, handshake, command round trips and event routing
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/internal/discovery"
	"github.com/Sendspin/playcore/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrCommandFailed wraps errors reported by the player for a command
var ErrCommandFailed = errors.New("command failed")

// ErrNotConnected is returned when the connection is gone
var ErrNotConnected = errors.New("not connected")

const handshakeTimeout = 5 * time.Second

// Config holds client configuration
type Config struct {
	// Addr is a ws:// URL or a host:port using the default control path
	Addr string
	Name string
	// Events limits the events the player sends; empty means all
	Events []string
}

// Client is one controller connection to a player
type Client struct {
	config Config
	logger zerolog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	// Hello is the player's handshake reply
	Hello protocol.ServerHello

	// Message channels
	Events  chan protocol.Event
	States  chan protocol.State
	Devices chan protocol.Devices

	pendingMu sync.Mutex
	pending   map[string]chan protocol.CommandResult
	nextID    atomic.Uint64

	// State
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(config Config, logger zerolog.Logger) *Client {
	return &Client{
		config:  config,
		logger:  logger.With().Str("component", "client").Logger(),
		Events:  make(chan protocol.Event, 100),
		States:  make(chan protocol.State, 10),
		Devices: make(chan protocol.Devices, 1),
		pending: make(map[string]chan protocol.CommandResult),
		done:    make(chan struct{}),
	}
}

// ControlURL turns an address into the player's websocket URL
func ControlURL(addr string) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			return "", fmt.Errorf("invalid player url %q: %w", addr, err)
		}
		return addr, nil
	}
	if addr == "" {
		return "", errors.New("empty player address")
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: discovery.ControlPath}
	return u.String(), nil
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	target, err := ControlURL(c.config.Addr)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("url", target).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		_ = conn.Close()
		c.conn = nil
		return fmt.Errorf("handshake failed: %w", err)
	}
	c.connected.Store(true)

	go c.readMessages()
	return nil
}

// handshake sends client/hello and waits for server/hello
func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		Name:    c.config.Name,
		Version: protocol.Version,
		Events:  c.config.Events,
	}
	if err := c.send(protocol.TypeClientHello, hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	// server/state may only follow server/hello
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if msg.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected %s, got %s", protocol.TypeServerHello, msg.Type)
	}
	if err := protocol.DecodePayload(msg.Payload, &c.Hello); err != nil {
		return err
	}
	if c.Hello.Version != protocol.Version {
		c.logger.Warn().Int("player", c.Hello.Version).Int("client", protocol.Version).Msg("protocol version mismatch")
	}

	c.logger.Debug().Str("player", c.Hello.Name).Str("session", c.Hello.SessionID).Msg("handshake complete")
	return nil
}

// Command sends a command and waits for its result
func (c *Client) Command(ctx context.Context, cmd protocol.Command) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	cmd.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	result := make(chan protocol.CommandResult, 1)

	c.pendingMu.Lock()
	c.pending[cmd.ID] = result
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(protocol.TypeClientCommand, cmd); err != nil {
		return err
	}

	select {
	case res := <-result:
		if !res.OK {
			return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd.Command, res.Error)
		}
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send writes one message
func (c *Client) send(msgType string, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(protocol.Message{Type: msgType, Payload: payload})
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.connected.Load() {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("failed to parse message")
		return
	}

	switch msg.Type {
	case protocol.TypeCommandResult:
		var res protocol.CommandResult
		if err := protocol.DecodePayload(msg.Payload, &res); err != nil {
			return
		}
		c.pendingMu.Lock()
		ch := c.pending[res.ID]
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- res
		}

	case protocol.TypeEvent:
		var ev protocol.Event
		if err := protocol.DecodePayload(msg.Payload, &ev); err == nil {
			deliver(c.Events, ev)
		}

	case protocol.TypeState:
		var state protocol.State
		if err := protocol.DecodePayload(msg.Payload, &state); err == nil {
			deliver(c.States, state)
		}

	case protocol.TypeDevices:
		var devices protocol.Devices
		if err := protocol.DecodePayload(msg.Payload, &devices); err == nil {
			deliver(c.Devices, devices)
		}

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

// deliver drops the oldest queued value when the reader falls behind
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close says goodbye and closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.connected.Load() {
		_ = c.send(protocol.TypeClientGoodbye, protocol.ClientGoodbye{Reason: "user_request"})
	}
	c.connected.Store(false)
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
	})
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}
