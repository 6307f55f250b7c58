// Package discovery announces open rooms on the local network over mDNS and
// browses for rooms announced by other instances.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"sharewave/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_sharewave._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultPort is advertised in the SRV record when no relay port is known.
	// Receivers join through share_url, not through this port.
	DefaultPort = 47474
	// DefaultRefreshInterval is the background room discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	maxTXTLength = 255
)

const (
	txtRoomID     = "room_id"
	txtShareURL   = "share_url"
	txtVersion    = "version"
	txtName       = "name"
	txtInstanceID = "instance_id"
)

var (
	// ErrInvalidAnnouncement is returned when an announcement cannot be encoded.
	ErrInvalidAnnouncement = errors.New("discovery: invalid announcement")
	// ErrScannerStopped is returned by Refresh after Stop.
	ErrScannerStopped = errors.New("discovery: scanner stopped")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the announcer and the scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// InstanceID identifies this process; the scanner skips its own rooms.
	InstanceID string
	// Name is shown to other instances next to each room.
	Name string
	Port int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// Announcement is one open room offered to the LAN.
type Announcement struct {
	RoomID   string
	ShareURL string
}

func (c Config) txtRecords(room Announcement) ([]string, error) {
	if strings.TrimSpace(room.RoomID) == "" {
		return nil, fmt.Errorf("%w: room ID is required", ErrInvalidAnnouncement)
	}
	if strings.TrimSpace(room.ShareURL) == "" {
		return nil, fmt.Errorf("%w: share URL is required", ErrInvalidAnnouncement)
	}

	txt := []string{
		txtRoomID + "=" + room.RoomID,
		txtShareURL + "=" + room.ShareURL,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
	if c.Name != "" {
		txt = append(txt, txtName+"="+c.Name)
	}
	if c.InstanceID != "" {
		txt = append(txt, txtInstanceID+"="+c.InstanceID)
	}
	for _, record := range txt {
		if len(record) > maxTXTLength {
			return nil, fmt.Errorf("%w: TXT record %q exceeds %d bytes", ErrInvalidAnnouncement, record[:strings.IndexByte(record, '=')], maxTXTLength)
		}
	}
	return txt, nil
}

func (c Config) instanceName(room Announcement) string {
	if c.Name == "" {
		return "sharewave " + room.RoomID
	}
	return c.Name + " (" + room.RoomID + ")"
}

// Announcer advertises one room via mDNS until stopped.
type Announcer struct {
	server *zeroconf.Server
	room   Announcement
	logger *zap.Logger
}

// StartAnnouncer registers room on the LAN.
func StartAnnouncer(config Config, room Announcement) (*Announcer, error) {
	cfg := config.withDefaults()
	txt, err := cfg.txtRecords(room)
	if err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.instanceName(room), cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}

	logger := cfg.Logger.With(zap.String("room_id", room.RoomID))
	logger.Debug("room announced", zap.String("service", cfg.Service), zap.Int("port", cfg.Port))
	return &Announcer{server: server, room: room, logger: logger}, nil
}

// Room returns the announced room.
func (a *Announcer) Room() Announcement {
	return a.room
}

// Stop withdraws the announcement. It is safe on a nil Announcer.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Debug("room announcement withdrawn")
}
