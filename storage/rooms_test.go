package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewave/models"
	"sharewave/signaling"
)

func TestRoomArtifactsRoundTrip(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	createdAt := time.UnixMilli(1_700_000_000_000)
	req.NoError(store.CreateRoom(ctx, "room-1", createdAt))
	req.ErrorIs(store.CreateRoom(ctx, "room-1", createdAt), signaling.ErrRoomExists)

	room, err := store.GetRoom(ctx, "room-1")
	req.NoError(err)
	req.Equal(models.RoomStatusWaiting, room.Status)
	req.True(room.CreatedAt.Equal(createdAt))

	req.NoError(store.SetDescription(ctx, "room-1", signaling.CategoryOffer, []byte("offer")))
	req.ErrorIs(store.SetDescription(ctx, "room-1", signaling.CategoryOffer, []byte("again")), signaling.ErrAlreadySet)
	req.ErrorIs(store.SetDescription(ctx, "room-1", signaling.CategoryCallerCandidates, []byte("x")), signaling.ErrInvalidCategory)

	req.NoError(store.AppendCandidate(ctx, "room-1", signaling.CategoryCallerCandidates, "b", []byte("c1")))
	req.NoError(store.AppendCandidate(ctx, "room-1", signaling.CategoryCallerCandidates, "a", []byte("c2")))
	req.NoError(store.AppendCandidate(ctx, "room-1", signaling.CategoryCallerCandidates, "a", []byte("c2")))

	offers, err := store.Entries(ctx, "room-1", signaling.CategoryOffer)
	req.NoError(err)
	req.Equal([]signaling.Update{{Key: "offer", Value: []byte("offer")}}, offers)

	candidates, err := store.Entries(ctx, "room-1", signaling.CategoryCallerCandidates)
	req.NoError(err)
	req.Len(candidates, 2)
	req.Equal("b", candidates[0].Key)
	req.Equal("a", candidates[1].Key)

	answers, err := store.Entries(ctx, "room-1", signaling.CategoryAnswer)
	req.NoError(err)
	req.Empty(answers)
}

func TestRoomDeleteCascadesArtifacts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))
	req.NoError(store.SetDescription(ctx, "room-1", signaling.CategoryOffer, []byte("offer")))
	req.NoError(store.AppendCandidate(ctx, "room-1", signaling.CategoryCalleeCandidates, "k", []byte("c")))

	req.NoError(store.DeleteRoom(ctx, "room-1"))
	req.ErrorIs(store.DeleteRoom(ctx, "room-1"), signaling.ErrRoomNotFound)

	var count int
	req.NoError(store.db.QueryRow(`SELECT COUNT(1) FROM room_artifacts WHERE room_id = ?`, "room-1").Scan(&count))
	req.Zero(count)

	_, err := store.Entries(ctx, "room-1", signaling.CategoryOffer)
	req.ErrorIs(err, signaling.ErrRoomNotFound)
	req.ErrorIs(store.AppendCandidate(ctx, "room-1", signaling.CategoryCalleeCandidates, "k2", []byte("c")), signaling.ErrRoomNotFound)
}

func TestRoomStatusUpdates(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))
	req.NoError(store.SetStatus(ctx, "room-1", models.RoomStatusCompleted))

	room, err := store.GetRoom(ctx, "room-1")
	req.NoError(err)
	req.Equal(models.RoomStatusCompleted, room.Status)

	req.ErrorIs(store.SetStatus(ctx, "missing", models.RoomStatusFailed), signaling.ErrRoomNotFound)
}

func TestLocalStoreOverSQLiteSweepsExpiredRooms(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	rooms := signaling.NewLocalStore(store, nil)

	base := time.UnixMilli(1_700_000_000_000)
	req.NoError(rooms.CreateRoom(ctx, "old", base))
	req.NoError(rooms.Put(ctx, "old", signaling.CategoryCallerCandidates, []byte("c")))
	req.NoError(rooms.CreateRoom(ctx, "new", base.Add(30*time.Minute)))

	deleted, err := rooms.DeleteRoomsCreatedBefore(ctx, base.Add(61*time.Minute).Add(-signaling.DefaultRoomRetention))
	req.NoError(err)
	req.Equal(1, deleted)

	_, err = store.GetRoom(ctx, "old")
	req.ErrorIs(err, signaling.ErrRoomNotFound)
	_, err = store.GetRoom(ctx, "new")
	req.NoError(err)
}
