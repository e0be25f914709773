// ABOUTME: Control protocol message type definitions
// ABOUTME: JSON messages exchanged with websocket control clients
package protocol

// Version is the control protocol version
const Version = 1

// Message types
const (
	TypeClientHello   = "client/hello"
	TypeClientCommand = "client/command"
	TypeClientGoodbye = "client/goodbye"

	TypeServerHello   = "server/hello"
	TypeCommandResult = "server/command_result"
	TypeEvent         = "server/event"
	TypeState         = "server/state"
	TypeDevices       = "server/devices"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	// Events limits the event types delivered; empty means all
	Events []string `json:"events,omitempty"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ClientID          string   `json:"client_id"`
	SessionID         string   `json:"session_id"`
	Name              string   `json:"name"`
	Version           int      `json:"version"`
	SoftwareVersion   string   `json:"software_version"`
	SupportedCommands []string `json:"supported_commands"`
	EQBands           []EQBand `json:"eq_bands"`
}

// EQBand describes one equalizer band
type EQBand struct {
	Index     int     `json:"index"`
	Frequency float64 `json:"frequency"`
	Q         float64 `json:"q"`
	GainDB    float64 `json:"gain_db"`
}

// Command is a control command from a client. Pointer fields are required
// by the commands that use them.
type Command struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`

	OffsetSeconds *float64 `json:"offset_seconds,omitempty"`
	Volume        *float64 `json:"volume,omitempty"`
	DurationMS    *int64   `json:"duration_ms,omitempty"`
	Curve         string   `json:"curve,omitempty"`
	Band          *int     `json:"band,omitempty"`
	GainDB        *float64 `json:"gain_db,omitempty"`
	TrackID       string   `json:"track_id,omitempty"`
	Position      *int     `json:"position,omitempty"`
}

// CommandResult acknowledges a client command
type CommandResult struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Event carries one engine event. Only the fields of its type are set.
type Event struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"` // Unix µs

	SessionID     string  `json:"session_id,omitempty"`
	TrackID       string  `json:"track_id,omitempty"`
	OffsetSeconds float64 `json:"offset_seconds,omitempty"`
	ClockSeconds  float64 `json:"clock_seconds,omitempty"`

	SecondsBuffered     float64 `json:"seconds_buffered,omitempty"`
	NextTrackID         string  `json:"next_track_id,omitempty"`
	NextSecondsBuffered float64 `json:"next_seconds_buffered,omitempty"`

	DeviceID string `json:"device_id,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	NewRate  int    `json:"new_rate,omitempty"`
	Channels int    `json:"channels,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Seq   uint64    `json:"seq,omitempty"`
	BinHz float64   `json:"bin_hz,omitempty"`
	Bins  []float64 `json:"bins,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// State is a snapshot of the session
type State struct {
	SessionID       string      `json:"session_id"`
	State           string      `json:"state"`
	TrackID         string      `json:"track_id,omitempty"`
	OffsetSeconds   float64     `json:"offset_seconds"`
	DurationSeconds float64     `json:"duration_seconds"`
	NextTrackID     string      `json:"next_track_id,omitempty"`
	Queue           []string    `json:"queue"`
	Cursor          int         `json:"cursor"`
	Volume          float64     `json:"volume"`
	CrossfadeMS     int64       `json:"crossfade_ms"`
	Curve           string      `json:"curve"`
	EQGains         []float64   `json:"eq_gains"`
	SecondsBuffered float64     `json:"seconds_buffered"`
	Device          *Device     `json:"device,omitempty"`
	Format          AudioFormat `json:"format"`
}

// AudioFormat describes a PCM format
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// Device describes an output device
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	NativeRate int    `json:"native_rate"`
	Channels   int    `json:"channels"`
	Default    bool   `json:"default"`
	Status     string `json:"status"`
}

// Devices lists the output devices
type Devices struct {
	Devices []Device `json:"devices"`
}

// ClientGoodbye is sent before graceful disconnect
type ClientGoodbye struct {
	Reason string `json:"reason"`
}
