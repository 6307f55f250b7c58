package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sharewave/logging"
	"sharewave/models"
)

type watchKey struct {
	roomID   string
	category Category
}

// LocalStore is an in-process Store over a Backend. Writes and watch registration are
// serialized so a watcher never misses an entry written between its snapshot and its
// registration.
type LocalStore struct {
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	watchers map[watchKey]map[uint64]*UpdateQueue
}

// NewLocalStore wraps backend with watch fan-out.
func NewLocalStore(backend Backend, logger *zap.Logger) *LocalStore {
	return &LocalStore{
		backend:  backend,
		logger:   logging.OrNop(logger),
		watchers: make(map[watchKey]map[uint64]*UpdateQueue),
	}
}

// CreateRoom registers a new room.
func (s *LocalStore) CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room ID", ErrRoomNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.CreateRoom(ctx, roomID, createdAt)
}

// GetRoom returns the room header (id, creation time, status).
func (s *LocalStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	return s.backend.GetRoom(ctx, roomID)
}

// Put writes a description or appends a candidate, then notifies watchers.
func (s *LocalStore) Put(ctx context.Context, roomID string, category Category, value []byte) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	update := Update{Key: string(category), Value: append([]byte(nil), value...)}
	if category.IsCandidates() {
		update.Key = uuid.NewString()
		if err := s.backend.AppendCandidate(ctx, roomID, category, update.Key, update.Value); err != nil {
			return err
		}
	} else if err := s.backend.SetDescription(ctx, roomID, category, update.Value); err != nil {
		return err
	}

	for _, w := range s.watchers[watchKey{roomID: roomID, category: category}] {
		w.Push(update)
	}
	return nil
}

// Get returns the current entries of a category.
func (s *LocalStore) Get(ctx context.Context, roomID string, category Category) ([]Update, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return s.backend.Entries(ctx, roomID, category)
}

// Watch delivers current entries and every later change to fn.
func (s *LocalStore) Watch(ctx context.Context, roomID string, category Category, fn WatchFunc) (func(), error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if fn == nil {
		return nil, fmt.Errorf("signaling: watch func is required")
	}

	s.mu.Lock()
	current, err := s.backend.Entries(ctx, roomID, category)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	w := NewUpdateQueue(fn)
	for _, update := range current {
		w.Push(update)
	}

	key := watchKey{roomID: roomID, category: category}
	s.nextID++
	id := s.nextID
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[uint64]*UpdateQueue)
	}
	s.watchers[key][id] = w
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
		s.mu.Unlock()
		w.Stop()
	}, nil
}

// SetStatus updates the advisory room status.
func (s *LocalStore) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	if !status.Valid() {
		return fmt.Errorf("signaling: invalid room status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.SetStatus(ctx, roomID, status)
}

// DeleteRoom removes the room and all of its artifacts.
func (s *LocalStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.DeleteRoom(ctx, roomID)
}

// DeleteRoomsCreatedBefore removes every room created before cutoff.
func (s *LocalStore) DeleteRoomsCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomIDs, err := s.backend.RoomsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, roomID := range roomIDs {
		if err := s.backend.DeleteRoom(ctx, roomID); err != nil {
			s.logger.Warn("delete expired room failed", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
