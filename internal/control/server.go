// ABOUTME: Websocket control server exposing engine commands and events
// ABOUTME: Each client gets a hello, state snapshots and a filtered event stream
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/internal/protocol"
	"github.com/Sendspin/playcore/pkg/audio/dsp"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/device"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Commands answered by the server itself rather than the engine
const (
	CommandGetState    = "get_state"
	CommandListDevices = "list_devices"
)

const (
	helloTimeout   = 10 * time.Second
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	commandTimeout = 2 * time.Second
	sendBuffer     = 128
)

// Engine is the part of the playback engine the control surfaces drive
type Engine interface {
	Submit(ctx context.Context, cmd playcore.Command) error
	Subscribe(buffer int) *playcore.Subscription
	Unsubscribe(s *playcore.Subscription)
	Snapshot() playcore.Snapshot
	Devices() ([]device.Descriptor, error)
	SessionID() string
	EQBands() []dsp.Band
}

// Config configures the control server
type Config struct {
	Name            string
	SoftwareVersion string
	// EventBuffer sizes each client's engine subscription
	EventBuffer int
	// Resolve turns enqueue track ids into descriptors
	Resolve protocol.ResolveFunc
}

// Server serves the control protocol on a websocket endpoint
type Server struct {
	config   Config
	engine   Engine
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*Client
	conns     map[*websocket.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// Client is one connected controller
type Client struct {
	ID   string
	Name string

	conn     *websocket.Conn
	events   map[playcore.EventType]bool
	sendChan chan interface{}
	dropped  atomic.Int64
}

// New creates a control server for engine
func New(engine Engine, config Config, logger zerolog.Logger) *Server {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	return &Server{
		config: config,
		engine: engine,
		logger: logger.With().Str("component", "control").Logger(),
		upgrader: websocket.Upgrader{
			// Controllers are trusted local-network clients
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler for the websocket endpoint
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Serve listens on addr and serves path until ctx is cancelled
func (s *Server) Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("control server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every client and waits for their handlers
func (s *Server) Close() {
	s.clientsMu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.clientsMu.Unlock()
	s.wg.Wait()
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.conns, conn)
		s.clientsMu.Unlock()
		s.wg.Done()
	}()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")
	s.handleConnection(conn)
}

// handleConnection manages a client connection
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	hello, err := readHello(conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	client := &Client{
		ID:       uuid.New().String(),
		Name:     hello.Name,
		conn:     conn,
		sendChan: make(chan interface{}, sendBuffer),
	}
	if len(hello.Events) > 0 {
		client.events = make(map[playcore.EventType]bool, len(hello.Events))
		for _, e := range hello.Events {
			client.events[playcore.EventType(e)] = true
		}
	}

	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	logger := s.logger.With().Str("client", client.ID).Str("name", client.Name).Logger()
	logger.Info().Msg("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.clientWriter(client, logger)
	}()

	s.send(client, protocol.TypeServerHello, protocol.ServerHello{
		ClientID:          client.ID,
		SessionID:         s.engine.SessionID(),
		Name:              s.config.Name,
		Version:           protocol.Version,
		SoftwareVersion:   s.config.SoftwareVersion,
		SupportedCommands: append(protocol.SupportedCommands(), CommandGetState, CommandListDevices),
		EQBands:           protocol.FromBands(s.engine.EQBands()),
	})
	s.send(client, protocol.TypeState, protocol.FromSnapshot(s.engine.Snapshot()))

	sub := s.engine.Subscribe(s.config.EventBuffer)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range sub.C {
			if client.events != nil && !client.events[ev.Type()] {
				continue
			}
			s.send(client, protocol.TypeEvent, protocol.FromEvent(ev))
		}
	}()

	defer func() {
		s.engine.Unsubscribe(sub)
		<-pumpDone

		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()

		close(client.sendChan)
		<-writerDone
		logger.Info().Int64("dropped", client.dropped.Load()).Msg("client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		if !s.handleClientMessage(client, data, logger) {
			return
		}
	}
}

func readHello(conn *websocket.Conn) (protocol.ClientHello, error) {
	var hello protocol.ClientHello

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return hello, fmt.Errorf("failed to read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return hello, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.Type != protocol.TypeClientHello {
		return hello, fmt.Errorf("expected %s, got %s", protocol.TypeClientHello, msg.Type)
	}
	if err := protocol.DecodePayload(msg.Payload, &hello); err != nil {
		return hello, err
	}
	if hello.Name == "" {
		return hello, errors.New("client hello missing name")
	}
	return hello, nil
}

// handleClientMessage processes one message; it returns false when the
// client said goodbye
func (s *Server) handleClientMessage(client *Client, data []byte, logger zerolog.Logger) bool {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Msg("failed to unmarshal message")
		return true
	}

	switch msg.Type {
	case protocol.TypeClientCommand:
		var cmd protocol.Command
		if err := protocol.DecodePayload(msg.Payload, &cmd); err != nil {
			s.send(client, protocol.TypeCommandResult, protocol.CommandResult{Error: err.Error()})
			return true
		}
		s.handleCommand(client, cmd, logger)
	case protocol.TypeClientGoodbye:
		var bye protocol.ClientGoodbye
		_ = protocol.DecodePayload(msg.Payload, &bye)
		logger.Debug().Str("reason", bye.Reason).Msg("client goodbye")
		return false
	default:
		logger.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
	return true
}

func (s *Server) handleCommand(client *Client, cmd protocol.Command, logger zerolog.Logger) {
	result := protocol.CommandResult{ID: cmd.ID, OK: true}

	switch cmd.Command {
	case CommandGetState:
		s.send(client, protocol.TypeState, protocol.FromSnapshot(s.engine.Snapshot()))
	case CommandListDevices:
		devices, err := s.engine.Devices()
		if err != nil {
			result.OK, result.Error = false, err.Error()
			break
		}
		s.send(client, protocol.TypeDevices, protocol.FromDevices(devices))
	default:
		engineCmd, err := protocol.ToCommand(cmd, s.config.Resolve)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			err = s.engine.Submit(ctx, engineCmd)
			cancel()
		}
		if err != nil {
			result.OK, result.Error = false, err.Error()
			logger.Debug().Err(err).Str("command", cmd.Command).Msg("command rejected")
		}
	}

	s.send(client, protocol.TypeCommandResult, result)
}

// clientWriter sends messages to the client
func (s *Server) clientWriter(client *Client, logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	failed := false
	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}
			if failed {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error().Err(err).Msg("failed to marshal message")
				continue
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				// Unblocks the reader; keep draining until the channel closes
				_ = client.conn.Close()
				failed = true
			}

		case <-ticker.C:
			if failed {
				continue
			}
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				_ = client.conn.Close()
				failed = true
			}
		}
	}
}

// send queues a message; a full queue drops it
func (s *Server) send(client *Client, msgType string, payload interface{}) {
	select {
	case client.sendChan <- protocol.Message{Type: msgType, Payload: payload}:
	default:
		client.dropped.Add(1)
	}
}
