package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestRoomScannerSkipsOwnRoomsAndRefreshes(t *testing.T) {
	var browseCalls int32
	scanner, err := NewRoomScanner(Config{
		InstanceID:      "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self", "room-self", "Me", "10.0.0.1")
			entries <- testServiceEntry("bob", "room-bob", "Bob", "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("carol", "room-carol", "Carol", "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		rooms := scanner.ListRooms()
		return len(rooms) == 1 && rooms[0].RoomID == "room-bob"
	})

	require.NoError(t, scanner.Refresh(context.Background()))

	rooms := scanner.ListRooms()
	require.Len(t, rooms, 2)
	require.Equal(t, "Bob", rooms[0].Name)
	require.Equal(t, "Carol", rooms[1].Name)
	require.Equal(t, "https://sharewave.app/r/room-carol", rooms[1].ShareURL)
	require.Equal(t, []string{"10.0.0.3"}, rooms[1].Addresses)
	require.Equal(t, 1, rooms[1].Version)
}

func TestRoomScannerEmitsUpsertAndRemoval(t *testing.T) {
	var browseCalls int32
	scanner, err := NewRoomScanner(Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("bob", "room-bob", "Bob", "10.0.0.2")
			}
			entries <- testServiceEntry("carol", "room-carol", "Carol", "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.True(t, waitForEvent(scanner.Events(), EventRoomUpserted, "room-bob", 2*time.Second))
	require.True(t, waitForEvent(scanner.Events(), EventRoomRemoved, "room-bob", 2*time.Second))

	waitForCondition(t, time.Second, func() bool {
		rooms := scanner.ListRooms()
		return len(rooms) == 1 && rooms[0].RoomID == "room-carol"
	})
}

func TestRoomScannerScanWithoutStart(t *testing.T) {
	scanner, err := NewRoomScanner(Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			require.Equal(t, DefaultService, service)
			entries <- testServiceEntry("bob", "room-bob", "Bob", "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{Text: []string{"version=1"}}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	defer scanner.Stop()

	rooms, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "room-bob", rooms[0].RoomID)
	require.False(t, rooms[0].LastSeen.IsZero())
}

func TestRoomScannerReportsBrowseFailure(t *testing.T) {
	boom := errors.New("socket closed")
	scanner, err := NewRoomScanner(Config{
		ScanTimeout: time.Second,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return boom
		},
	})
	require.NoError(t, err)

	_, err = scanner.Scan(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRoomScannerRefreshAfterStop(t *testing.T) {
	scanner, err := NewRoomScanner(Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)

	require.Error(t, scanner.Refresh(context.Background()))

	scanner.Start()
	scanner.Stop()
	require.ErrorIs(t, scanner.Refresh(context.Background()), ErrScannerStopped)

	_, open := <-scanner.Events()
	require.False(t, open)
}

func TestParseEntryFallsBackToHostName(t *testing.T) {
	entry := testServiceEntry("bob", "room-bob", "", "10.0.0.2")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"))

	room, ok := parseEntry(entry, "")
	require.True(t, ok)
	require.Equal(t, "bob-host.local.", room.Name)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, room.Addresses)
}

func testServiceEntry(instanceID, roomID, name, ip string) *zeroconf.ServiceEntry {
	text := []string{
		"room_id=" + roomID,
		"share_url=https://sharewave.app/r/" + roomID,
		"version=1",
		"instance_id=" + instanceID,
	}
	if name != "" {
		text = append(text, "name="+name)
	}
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: name + " (" + roomID + ")",
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instanceID + "-host.local.",
		Port:     DefaultPort,
		Text:     text,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, roomID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Room.RoomID == roomID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
