package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewave/models"
	"sharewave/signaling"
	"sharewave/storage"
	"sharewave/transfer"
)

type historyRecorder struct {
	mu      sync.Mutex
	records []storage.TransferRecord
}

func (h *historyRecorder) UpsertTransfer(_ context.Context, record storage.TransferRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *historyRecorder) snapshot() []storage.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.TransferRecord(nil), h.records...)
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Store == nil {
		opts.Store = signaling.NewMemoryStore()
	}
	if opts.Role == 0 {
		opts.Role = signaling.RoleInitiator
	}
	opts.ICEServers = []string{"stun:127.0.0.1:3478"}
	opts.IncludeLoopback = true
	if opts.TeardownGrace == 0 {
		opts.TeardownGrace = 10 * time.Millisecond
	}

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collectUntil(t *testing.T, s *Session, timeout time.Duration, stop func(Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatal("event stream closed early")
			}
			events = append(events, ev)
			if stop(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("condition not met within %s; events so far: %#v", timeout, events)
		}
	}
}

func isStatus(status Status) func(Event) bool {
	return func(ev Event) bool {
		changed, ok := ev.(StatusChanged)
		return ok && changed.Status == status
	}
}

func TestNewValidatesOptions(t *testing.T) {
	req := require.New(t)

	_, err := New(Options{Role: signaling.RoleInitiator})
	req.Error(err)

	_, err = New(Options{Store: signaling.NewMemoryStore()})
	req.Error(err)

	_, err = New(Options{Store: signaling.NewMemoryStore(), Role: signaling.RoleResponder})
	req.Error(err)
}

func TestInitiatorShareLinkCarriesRoomAndSecret(t *testing.T) {
	req := require.New(t)

	s := newTestSession(t, Options{Seal: true, ShareOrigin: "https://share.example/"})
	req.Len(s.RoomID(), 32)
	req.Equal(signaling.RoleInitiator, s.Role())
	req.Equal(StatusIdle, s.Status())

	roomID, secret, err := signaling.ParseShareLink(s.ShareLink())
	req.NoError(err)
	req.Equal(s.RoomID(), roomID)
	req.NotEmpty(secret)

	plain := newTestSession(t, Options{RoomID: "fixed"})
	req.Equal(DefaultShareOrigin+"/r/fixed", plain.ShareLink())
}

func TestInitiatorStartOpensRoom(t *testing.T) {
	req := require.New(t)
	store := signaling.NewMemoryStore()
	s := newTestSession(t, Options{Store: store})

	req.NoError(s.Start(context.Background()))
	collectUntil(t, s, time.Second, isStatus(StatusWaiting))

	room, err := store.GetRoom(context.Background(), s.RoomID())
	req.NoError(err)
	req.Equal(models.RoomStatusWaiting, room.Status)

	offers, err := store.Get(context.Background(), s.RoomID(), signaling.CategoryOffer)
	req.NoError(err)
	req.Len(offers, 1)
	req.Contains(string(offers[0].Value), `"type":"offer"`)

	req.ErrorIs(s.Start(context.Background()), ErrClosed)
}

func TestResponderFailsOnUnknownRoom(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, Options{Role: signaling.RoleResponder, RoomID: "missing"})

	err := s.Start(context.Background())
	req.ErrorIs(err, signaling.ErrRoomNotFound)
	req.Equal(StatusFailed, s.Status())

	events := collectUntil(t, s, time.Second, isStatus(StatusFailed))
	failed := events[len(events)-1].(StatusChanged)
	req.ErrorIs(failed.Err, signaling.ErrRoomNotFound)

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after failure")
	}
	_, err = s.WaitConnected(context.Background())
	req.ErrorIs(err, ErrClosed)
}

func TestCloseIsIdempotentAndEndsEvents(t *testing.T) {
	req := require.New(t)
	store := signaling.NewMemoryStore()
	s := newTestSession(t, Options{Store: store})
	req.NoError(s.Start(context.Background()))

	req.NoError(s.Close())
	req.NoError(s.Close())
	req.Equal(StatusClosed, s.Status())

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				_, err := store.GetRoom(context.Background(), s.RoomID())
				req.ErrorIs(err, signaling.ErrRoomNotFound)
				return
			}
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
}

func TestCloseWaitsForRoomDelete(t *testing.T) {
	req := require.New(t)
	store := signaling.NewMemoryStore()
	s := newTestSession(t, Options{Store: store, TeardownGrace: 50 * time.Millisecond})
	req.NoError(s.Start(context.Background()))

	started := time.Now()
	req.NoError(s.Close())
	req.GreaterOrEqual(time.Since(started), 50*time.Millisecond)

	_, err := store.GetRoom(context.Background(), s.RoomID())
	req.ErrorIs(err, signaling.ErrRoomNotFound)
}

func TestReceivedFilesAreSavedAndRecorded(t *testing.T) {
	req := require.New(t)
	dir := filepath.Join(t.TempDir(), "downloads")
	history := &historyRecorder{}
	s := newTestSession(t, Options{Role: signaling.RoleResponder, RoomID: "room", DownloadDir: dir, History: history})

	sender := transfer.NewManager(transfer.ManagerOptions{ChunkDelay: -1})
	var payloads [][]byte
	data := []byte("hello over the data channel")
	metadata, err := sender.SendFile(context.Background(), transfer.BytesSource("../note.txt", "text/plain", data), nil,
		func(_ context.Context, chunk models.Chunk) error {
			payload, err := transfer.EncodeChunk(chunk)
			payloads = append(payloads, payload)
			return err
		})
	req.NoError(err)

	for _, payload := range payloads {
		_, err := s.manager.ReceivePayload(payload, nil)
		req.NoError(err)
	}

	events := collectUntil(t, s, time.Second, func(ev Event) bool {
		_, ok := ev.(FileReceived)
		return ok
	})
	received := events[len(events)-1].(FileReceived)
	req.Equal(filepath.Join(dir, metadata.ID+"_note.txt"), received.Path)

	onDisk, err := os.ReadFile(received.Path)
	req.NoError(err)
	req.Equal(data, onDisk)
	_, err = os.Stat(received.Path + ".part")
	req.True(os.IsNotExist(err))

	records := history.snapshot()
	req.NotEmpty(records)
	statuses := make([]models.TransferStatus, 0, len(records))
	for _, record := range records {
		req.Equal("room", record.RoomID)
		req.Equal(models.DirectionReceive, record.Direction)
		statuses = append(statuses, record.Status)
	}
	req.Equal([]models.TransferStatus{models.TransferPending, models.TransferCompleted, models.TransferCompleted}, statuses)
	req.Equal(received.Path, records[len(records)-1].StoredPath)
}

func TestPrefixedFilename(t *testing.T) {
	req := require.New(t)
	req.Equal("id_report.pdf", prefixedFilename("id", "report.pdf"))
	req.Equal("id_passwd", prefixedFilename("id", "../../etc/passwd"))
	req.Equal("id_file.bin", prefixedFilename("id", ""))
}
