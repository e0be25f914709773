//go:build linux

// ABOUTME: MPRIS D-Bus bridge so desktop media keys and applets drive the engine
// ABOUTME: Exports MediaPlayer2 and Player and mirrors session state as properties
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// MPRIS publishes one engine on the session bus
type MPRIS struct {
	conn   *dbus.Conn
	bridge *mprisBridge
	logger zerolog.Logger
}

// mprisBridge holds the state shared by the exported objects. It is
// usable without a bus connection; emit is then a no-op.
type mprisBridge struct {
	engine   Engine
	identity string
	resolve  func(id audio.TrackID) (audio.TrackDescriptor, error)
	emit     func(name string, values ...interface{}) error

	mu   sync.Mutex
	snap playcore.Snapshot
}

type mprisRoot struct{ b *mprisBridge }
type mprisPlayer struct{ b *mprisBridge }
type mprisProps struct{ b *mprisBridge }

// NewMPRIS connects to the session bus and exports the player
func NewMPRIS(engine Engine, config Config, logger zerolog.Logger) (*MPRIS, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	name := busName(config.Name)
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", name)
	}

	b := newMPRISBridge(engine, config)
	b.emit = func(signal string, values ...interface{}) error {
		return conn.Emit(dbus.ObjectPath(mprisObjectPath), signal, values...)
	}

	path := dbus.ObjectPath(mprisObjectPath)
	exports := []struct {
		v     interface{}
		iface string
	}{
		{mprisRoot{b}, mprisInterface},
		{mprisPlayer{b}, mprisPlayerInterface},
		{mprisProps{b}, "org.freedesktop.DBus.Properties"},
	}
	for _, e := range exports {
		if err := conn.Export(e.v, path, e.iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to export %s: %w", e.iface, err)
		}
	}

	m := &MPRIS{conn: conn, bridge: b, logger: logger.With().Str("component", "mpris").Logger()}
	m.logger.Info().Str("bus_name", name).Msg("mpris bridge exported")
	return m, nil
}

func newMPRISBridge(engine Engine, config Config) *mprisBridge {
	identity := config.Name
	if identity == "" {
		identity = "playcore"
	}
	return &mprisBridge{
		engine:   engine,
		identity: identity,
		resolve:  config.Resolve,
		emit:     func(string, ...interface{}) error { return nil },
		snap:     engine.Snapshot(),
	}
}

// Run mirrors engine events as PropertiesChanged signals until ctx ends
func (m *MPRIS) Run(ctx context.Context) error {
	sub := m.bridge.engine.Subscribe(64)
	defer m.bridge.engine.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := m.bridge.handleEvent(ev); err != nil {
				m.logger.Debug().Err(err).Msg("failed to emit mpris signal")
			}
		}
	}
}

// Close releases the bus name and connection
func (m *MPRIS) Close() error {
	return m.conn.Close()
}

func (b *mprisBridge) handleEvent(ev playcore.Event) error {
	changed := map[string]dbus.Variant{}

	b.mu.Lock()
	prev := b.snap
	b.snap = b.engine.Snapshot()
	snap := b.snap
	b.mu.Unlock()

	switch e := ev.(type) {
	case playcore.StateChanged:
		changed["PlaybackStatus"] = dbus.MakeVariant(playbackStatus(e.To))
	case playcore.TrackTransitionCompleted:
		changed["Metadata"] = dbus.MakeVariant(metadataMap(snap))
	case playcore.PositionUpdate:
		if prev.TrackID != snap.TrackID {
			changed["Metadata"] = dbus.MakeVariant(metadataMap(snap))
		}
		if prev.Volume != snap.Volume {
			changed["Volume"] = dbus.MakeVariant(snap.Volume)
		}
	default:
		return nil
	}
	if len(changed) == 0 {
		return nil
	}
	return b.emit("org.freedesktop.DBus.Properties.PropertiesChanged", mprisPlayerInterface, changed, []string{})
}

func (b *mprisBridge) submit(cmd playcore.Command) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.engine.Submit(ctx, cmd); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (b *mprisBridge) seekTo(offset time.Duration) *dbus.Error {
	if err := b.submit(playcore.Command{Kind: playcore.CmdSeek, Offset: offset}); err != nil {
		return err
	}
	_ = b.emit(mprisPlayerInterface+".Seeked", offset.Microseconds())
	return nil
}

func (b *mprisBridge) snapshot() playcore.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = b.engine.Snapshot()
	return b.snap
}

// org.mpris.MediaPlayer2 methods

func (r mprisRoot) Raise() *dbus.Error { return nil }
func (r mprisRoot) Quit() *dbus.Error  { return nil }

// org.mpris.MediaPlayer2.Player methods

func (p mprisPlayer) Play() *dbus.Error {
	return p.b.submit(playcore.Command{Kind: playcore.CmdPlay})
}

func (p mprisPlayer) Pause() *dbus.Error {
	return p.b.submit(playcore.Command{Kind: playcore.CmdPause})
}

func (p mprisPlayer) PlayPause() *dbus.Error {
	if p.b.snapshot().State.Active() {
		return p.Pause()
	}
	return p.Play()
}

func (p mprisPlayer) Stop() *dbus.Error {
	return p.b.submit(playcore.Command{Kind: playcore.CmdStop})
}

func (p mprisPlayer) Next() *dbus.Error {
	return p.b.submit(playcore.Command{Kind: playcore.CmdNextTrack})
}

func (p mprisPlayer) Previous() *dbus.Error {
	return p.b.submit(playcore.Command{Kind: playcore.CmdPreviousTrack})
}

func (p mprisPlayer) Seek(offset int64) *dbus.Error {
	target, ok := seekTarget(p.b.snapshot(), time.Duration(offset)*time.Microsecond)
	if !ok {
		return p.Next()
	}
	return p.b.seekTo(target)
}

func (p mprisPlayer) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	snap := p.b.snapshot()
	if string(trackID) != trackObjectPath(string(snap.TrackID)) {
		// Stale request for a track that is no longer current
		return nil
	}
	if position < 0 || (snap.Duration > 0 && time.Duration(position)*time.Microsecond > snap.Duration) {
		return nil
	}
	return p.b.seekTo(time.Duration(position) * time.Microsecond)
}

func (p mprisPlayer) OpenUri(uri string) *dbus.Error {
	if p.b.resolve == nil {
		return dbus.MakeFailedError(fmt.Errorf("opening uris is not supported"))
	}
	desc, err := p.b.resolve(audio.TrackID(uri))
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	return p.b.submit(playcore.Command{Kind: playcore.CmdEnqueueTrack, Track: desc, Position: -1})
}

// org.freedesktop.DBus.Properties methods

func (p mprisProps) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	var props map[string]dbus.Variant
	switch iface {
	case mprisInterface:
		props = p.b.rootProperties()
	case mprisPlayerInterface:
		props = p.b.playerProperties()
	default:
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
	}
	v, ok := props[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
	}
	return v, nil
}

func (p mprisProps) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return p.b.rootProperties(), nil
	case mprisPlayerInterface:
		return p.b.playerProperties(), nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (p mprisProps) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface || prop != "Volume" {
		return dbus.MakeFailedError(fmt.Errorf("property %s.%s is read-only", iface, prop))
	}
	vol, ok := value.Value().(float64)
	if !ok {
		return dbus.MakeFailedError(fmt.Errorf("invalid type for Volume"))
	}
	return p.b.submit(playcore.Command{Kind: playcore.CmdSetVolume, Volume: max(0, min(1, vol))})
}

func (b *mprisBridge) rootProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(b.identity),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"file", "tone"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/mpeg", "audio/flac"}),
	}
}

func (b *mprisBridge) playerProperties() map[string]dbus.Variant {
	snap := b.snapshot()
	return map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(playbackStatus(snap.State)),
		"Metadata":       dbus.MakeVariant(metadataMap(snap)),
		"Position":       dbus.MakeVariant(snap.Offset.Microseconds()),
		"Volume":         dbus.MakeVariant(snap.Volume),
		"Rate":           dbus.MakeVariant(1.0),
		"MinimumRate":    dbus.MakeVariant(1.0),
		"MaximumRate":    dbus.MakeVariant(1.0),
		"CanGoNext":      dbus.MakeVariant(snap.NextTrackID != ""),
		"CanGoPrevious":  dbus.MakeVariant(snap.TrackID != ""),
		"CanPlay":        dbus.MakeVariant(len(snap.Queue) > 0),
		"CanPause":       dbus.MakeVariant(true),
		"CanSeek":        dbus.MakeVariant(snap.TrackID != ""),
		"CanControl":     dbus.MakeVariant(true),
	}
}

func metadataMap(snap playcore.Snapshot) map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath(trackObjectPath(string(snap.TrackID)))),
	}
	if snap.TrackID != "" {
		m["xesam:title"] = dbus.MakeVariant(string(snap.TrackID))
	}
	if snap.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(snap.Duration.Microseconds())
	}
	return m
}
