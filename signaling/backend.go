package signaling

import (
	"context"
	"time"

	"sharewave/models"
)

// Backend is the persistence half of a LocalStore. It never notifies; LocalStore
// fans changes out to watchers after each successful write.
type Backend interface {
	CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	SetDescription(ctx context.Context, roomID string, category Category, value []byte) error
	AppendCandidate(ctx context.Context, roomID string, category Category, key string, value []byte) error
	Entries(ctx context.Context, roomID string, category Category) ([]Update, error)
	SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error
	DeleteRoom(ctx context.Context, roomID string) error
	RoomsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
