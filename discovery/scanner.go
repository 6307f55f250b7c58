package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const eventBufferSize = 128

const (
	// EventRoomUpserted is emitted when a room appears or its announcement changes.
	EventRoomUpserted EventType = "room_upserted"
	// EventRoomRemoved is emitted when a previously seen room is no longer announced.
	EventRoomRemoved EventType = "room_removed"
)

// EventType identifies room discovery updates.
type EventType string

// Event is one change in the set of visible rooms.
type Event struct {
	Type EventType
	Room DiscoveredRoom
}

// DiscoveredRoom is a room announced by another instance on the LAN.
type DiscoveredRoom struct {
	RoomID     string
	ShareURL   string
	Name       string
	InstanceID string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RoomScanner keeps the set of announced rooms current with periodic and manual
// mDNS browses.
type RoomScanner struct {
	cfg    Config
	browse browseFunc
	logger *zap.Logger

	scanMu sync.Mutex

	mu    sync.RWMutex
	rooms map[string]DiscoveredRoom

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRoomScanner creates a scanner. Nothing is browsed until Start or Scan.
func NewRoomScanner(config Config) (*RoomScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: create resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &RoomScanner{
		cfg:             cfg,
		browse:          browse,
		logger:          cfg.Logger,
		rooms:           make(map[string]DiscoveredRoom),
		events:          make(chan Event, eventBufferSize),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RoomScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends background scanning and closes Events.
func (s *RoomScanner) Stop() {
	s.stopOnce.Do(func() {
		s.startOnce.Do(func() {})
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers room changes. Events are dropped when the buffer is full.
func (s *RoomScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan on the background loop and waits for it.
func (s *RoomScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("discovery: scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Scan browses once for up to ScanTimeout and returns the rooms found. It does not
// need Start.
func (s *RoomScanner) Scan(ctx context.Context) ([]DiscoveredRoom, error) {
	if err := s.runScan(ctx); err != nil {
		return nil, err
	}
	return s.ListRooms(), nil
}

// ListRooms returns the visible rooms ordered by name, then room ID.
func (s *RoomScanner) ListRooms() []DiscoveredRoom {
	s.mu.RLock()
	out := lo.Values(s.rooms)
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredRoom) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.RoomID, b.RoomID))
	})
	return out
}

func (s *RoomScanner) loop() {
	defer s.wg.Done()

	s.scanInBackground()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanInBackground()
		case req := <-s.refreshRequests:
			ctx, cancel := context.WithCancel(s.ctx)
			stop := context.AfterFunc(req.ctx, cancel)
			err := s.runScan(ctx)
			stop()
			cancel()
			req.done <- err
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RoomScanner) scanInBackground() {
	if err := s.runScan(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("room scan failed", zap.Error(err))
	}
}

func (s *RoomScanner) runScan(parent context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRoom)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				room, ok := parseEntry(entry, s.cfg.InstanceID)
				if !ok {
					continue
				}
				room.LastSeen = time.Now()
				collected[room.RoomID] = room
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return fmt.Errorf("discovery: browse %s: %w", s.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A caller that gave up mid-scan gets no partial snapshot.
	if err := parent.Err(); err != nil {
		return err
	}
	s.applySnapshot(collected)
	return nil
}

func (s *RoomScanner) applySnapshot(next map[string]DiscoveredRoom) {
	s.mu.Lock()
	previous := s.rooms
	s.rooms = next
	s.mu.Unlock()

	for id, room := range next {
		old, exists := previous[id]
		if !exists || !roomsEqual(old, room) {
			s.emit(Event{Type: EventRoomUpserted, Room: room})
		}
	}
	for id, room := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventRoomRemoved, Room: room})
		}
	}
}

func (s *RoomScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Debug("dropping room event", zap.String("type", string(event.Type)), zap.String("room_id", event.Room.RoomID))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (DiscoveredRoom, bool) {
	txt := txtToMap(entry.Text)

	roomID := txt[txtRoomID]
	shareURL := txt[txtShareURL]
	if roomID == "" || shareURL == "" {
		return DiscoveredRoom{}, false
	}
	instanceID := txt[txtInstanceID]
	if selfInstanceID != "" && instanceID == selfInstanceID {
		return DiscoveredRoom{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := lo.FilterMap(slices.Concat(entry.AddrIPv4, entry.AddrIPv6), func(ip net.IP, _ int) (string, bool) {
		if ip == nil {
			return "", false
		}
		return ip.String(), true
	})
	addresses = lo.Uniq(addresses)
	slices.Sort(addresses)

	name := cmp.Or(txt[txtName], strings.TrimSpace(entry.HostName), roomID)

	return DiscoveredRoom{
		RoomID:     roomID,
		ShareURL:   shareURL,
		Name:       name,
		InstanceID: instanceID,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func roomsEqual(a, b DiscoveredRoom) bool {
	return a.RoomID == b.RoomID &&
		a.ShareURL == b.ShareURL &&
		a.Name == b.Name &&
		a.InstanceID == b.InstanceID &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
