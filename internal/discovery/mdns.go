// ABOUTME: mDNS advertisement and browsing of player control endpoints
// ABOUTME: Players advertise _playcore._tcp; controllers browse for them
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	// ServiceType is the DNS-SD type players advertise
	ServiceType = "_playcore._tcp"

	// ControlPath is the websocket path advertised in the TXT record
	ControlPath = "/control"

	browseTimeout = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	SessionID   string
	Version     string
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	players chan *PlayerInfo
}

// PlayerInfo describes a discovered player
type PlayerInfo struct {
	Name      string
	Host      string
	Port      int
	Path      string
	SessionID string
}

// URL returns the websocket control URL of the player
func (p *PlayerInfo) URL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)), p.Path)
}

// NewManager creates a discovery manager
func NewManager(config Config, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		logger:  logger.With().Str("component", "discovery").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		players: make(chan *PlayerInfo, 10),
	}
}

// TXT returns the TXT record entries advertised for this player
func (m *Manager) TXT() []string {
	txt := []string{"path=" + ControlPath}
	if m.config.SessionID != "" {
		txt = append(txt, "session="+m.config.SessionID)
	}
	if m.config.Version != "" {
		txt = append(txt, "version="+m.config.Version)
	}
	return txt
}

// Advertise advertises the control endpoint until Stop
func (m *Manager) Advertise() error {
	if m.config.Port <= 0 {
		return fmt.Errorf("invalid advertise port %d", m.config.Port)
	}
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.TXT(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("advertising control endpoint")

	go func() {
		<-m.ctx.Done()
		_ = server.Shutdown()
	}()

	return nil
}

// Browse searches for players until Stop
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop queries repeatedly; each query waits browseTimeout for answers
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				player := playerFromEntry(entry)
				if player == nil {
					continue
				}
				m.logger.Debug().Str("name", player.Name).Str("url", player.URL()).Msg("discovered player")

				select {
				case m.players <- player:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:             ServiceType,
			Domain:              "local",
			Timeout:             browseTimeout,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: false,
		}

		if err := mdns.Query(params); err != nil {
			m.logger.Warn().Err(err).Msg("mdns query failed")
			select {
			case <-time.After(browseTimeout):
			case <-m.ctx.Done():
			}
		}
		close(entries)
		<-done
	}
}

func playerFromEntry(entry *mdns.ServiceEntry) *PlayerInfo {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return nil
	}
	p := &PlayerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: ControlPath,
	}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			p.Path = value
		case "session":
			p.SessionID = value
		}
	}
	return p
}

// Players returns the channel of discovered players
func (m *Manager) Players() <-chan *PlayerInfo {
	return m.players
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
