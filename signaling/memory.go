package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sharewave/models"
)

type memoryRoom struct {
	createdAt    time.Time
	status       models.RoomStatus
	descriptions map[Category][]byte
	candidates   map[Category][]Update
}

// MemoryBackend keeps rooms in process memory. It backs tests and single-process
// sessions where both peers share one store.
type MemoryBackend struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rooms: make(map[string]*memoryRoom)}
}

// NewMemoryStore returns a LocalStore over a fresh MemoryBackend.
func NewMemoryStore() *LocalStore {
	return NewLocalStore(NewMemoryBackend(), nil)
}

func (b *MemoryBackend) CreateRoom(_ context.Context, roomID string, createdAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.rooms[roomID]; exists {
		return fmt.Errorf("%w: %q", ErrRoomExists, roomID)
	}
	b.rooms[roomID] = &memoryRoom{
		createdAt:    createdAt,
		status:       models.RoomStatusWaiting,
		descriptions: make(map[Category][]byte),
		candidates:   make(map[Category][]Update),
	}
	return nil
}

func (b *MemoryBackend) GetRoom(_ context.Context, roomID string) (models.Room, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return models.Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	return models.Room{ID: roomID, CreatedAt: room.createdAt, Status: room.status}, nil
}

func (b *MemoryBackend) SetDescription(_ context.Context, roomID string, category Category, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	if _, set := room.descriptions[category]; set {
		return fmt.Errorf("%w: %s", ErrAlreadySet, category)
	}
	room.descriptions[category] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) AppendCandidate(_ context.Context, roomID string, category Category, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.candidates[category] = append(room.candidates[category], Update{Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (b *MemoryBackend) Entries(_ context.Context, roomID string, category Category) ([]Update, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	if category.IsCandidates() {
		return append([]Update(nil), room.candidates[category]...), nil
	}
	value, set := room.descriptions[category]
	if !set {
		return nil, nil
	}
	return []Update{{Key: string(category), Value: append([]byte(nil), value...)}}, nil
}

func (b *MemoryBackend) SetStatus(_ context.Context, roomID string, status models.RoomStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	room.status = status
	return nil
}

func (b *MemoryBackend) DeleteRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, roomID)
	return nil
}

func (b *MemoryBackend) RoomsCreatedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0)
	for roomID, room := range b.rooms {
		if room.createdAt.Before(cutoff) {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out, nil
}
