// Package signaling implements the rendezvous side of a session: rooms, the
// artifact store peers exchange offers/answers/candidates through, and the
// role-aware Channel each peer drives.
package signaling

import (
	"context"
	"errors"
	"time"

	"sharewave/models"
)

var (
	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = errors.New("signaling: store unavailable")
	// ErrRoomNotFound indicates the room does not exist (never created, torn down or swept).
	ErrRoomNotFound = errors.New("signaling: room not found")
	// ErrRoomExists indicates a room with the same id was already created.
	ErrRoomExists = errors.New("signaling: room already exists")
	// ErrAlreadySet indicates an offer or answer was already written for the room.
	ErrAlreadySet = errors.New("signaling: description already set")
	// ErrInvalidCategory indicates an unknown artifact category.
	ErrInvalidCategory = errors.New("signaling: invalid category")
)

// Category names one artifact slot of a room.
type Category string

const (
	CategoryOffer            Category = "offer"
	CategoryAnswer           Category = "answer"
	CategoryCallerCandidates Category = "callerCandidates"
	CategoryCalleeCandidates Category = "calleeCandidates"
)

// Categories lists every artifact category of a room.
var Categories = []Category{
	CategoryOffer,
	CategoryAnswer,
	CategoryCallerCandidates,
	CategoryCalleeCandidates,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryOffer, CategoryAnswer, CategoryCallerCandidates, CategoryCalleeCandidates:
		return true
	default:
		return false
	}
}

// IsCandidates reports whether c is an append-only candidate collection.
func (c Category) IsCandidates() bool {
	return c == CategoryCallerCandidates || c == CategoryCalleeCandidates
}

// Update is one observed value of a category. Key is the category name for
// descriptions and the entry auto-id for candidates.
type Update struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// WatchFunc receives updates for one watched category, one at a time and in order.
type WatchFunc func(Update)

// Store is the shared, ephemeral key-value/pub-sub service peers signal through.
//
// Watch delivers the current value(s) immediately, then every later change, until the
// returned cancel func is called. For candidate categories each entry is delivered
// separately; implementations may redeliver entries, so consumers must tolerate duplicates.
type Store interface {
	CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	Put(ctx context.Context, roomID string, category Category, value []byte) error
	Get(ctx context.Context, roomID string, category Category) ([]Update, error)
	Watch(ctx context.Context, roomID string, category Category, fn WatchFunc) (cancel func(), err error)
	SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error
	DeleteRoom(ctx context.Context, roomID string) error
	DeleteRoomsCreatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
