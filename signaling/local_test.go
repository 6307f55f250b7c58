package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewave/models"
)

func TestLocalStoreWatchDeliversCurrentThenLaterDescriptions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()
	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))
	req.NoError(store.Put(ctx, "room-1", CategoryOffer, []byte(`{"type":"offer","sdp":"v=0"}`)))

	var offers, answers updateRecorder
	cancelOffer, err := store.Watch(ctx, "room-1", CategoryOffer, offers.record)
	req.NoError(err)
	defer cancelOffer()
	cancelAnswer, err := store.Watch(ctx, "room-1", CategoryAnswer, answers.record)
	req.NoError(err)
	defer cancelAnswer()

	waitForCondition(t, time.Second, func() bool { return offers.len() == 1 })
	req.Equal(string(CategoryOffer), offers.snapshot()[0].Key)
	req.Zero(answers.len())

	req.NoError(store.Put(ctx, "room-1", CategoryAnswer, []byte(`{"type":"answer","sdp":"v=0"}`)))
	waitForCondition(t, time.Second, func() bool { return answers.len() == 1 })
	req.JSONEq(`{"type":"answer","sdp":"v=0"}`, string(answers.snapshot()[0].Value))
}

func TestLocalStoreDescriptionsAreWriteOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()
	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))

	req.NoError(store.Put(ctx, "room-1", CategoryOffer, []byte("first")))
	err := store.Put(ctx, "room-1", CategoryOffer, []byte("second"))
	req.ErrorIs(err, ErrAlreadySet)

	updates, err := store.Get(ctx, "room-1", CategoryOffer)
	req.NoError(err)
	req.Len(updates, 1)
	req.Equal("first", string(updates[0].Value))
}

func TestLocalStoreCandidatesAppendWithoutDeduplication(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()
	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))

	var got updateRecorder
	cancel, err := store.Watch(ctx, "room-1", CategoryCallerCandidates, got.record)
	req.NoError(err)
	defer cancel()

	req.NoError(store.Put(ctx, "room-1", CategoryCallerCandidates, []byte("c1")))
	req.NoError(store.Put(ctx, "room-1", CategoryCallerCandidates, []byte("c1")))
	req.NoError(store.Put(ctx, "room-1", CategoryCallerCandidates, []byte("c2")))

	waitForCondition(t, time.Second, func() bool { return got.len() == 3 })
	updates := got.snapshot()
	req.Equal([]string{"c1", "c1", "c2"}, []string{string(updates[0].Value), string(updates[1].Value), string(updates[2].Value)})
	req.NotEqual(updates[0].Key, updates[1].Key)

	stored, err := store.Get(ctx, "room-1", CategoryCallerCandidates)
	req.NoError(err)
	req.Len(stored, 3)
}

func TestLocalStoreCancelStopsDeliveries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()
	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))

	var got updateRecorder
	cancel, err := store.Watch(ctx, "room-1", CategoryCalleeCandidates, got.record)
	req.NoError(err)

	req.NoError(store.Put(ctx, "room-1", CategoryCalleeCandidates, []byte("c1")))
	waitForCondition(t, time.Second, func() bool { return got.len() == 1 })

	cancel()
	cancel()
	req.NoError(store.Put(ctx, "room-1", CategoryCalleeCandidates, []byte("c2")))
	time.Sleep(30 * time.Millisecond)
	req.Equal(1, got.len())
}

func TestLocalStoreRejectsUnknownRoomAndCategory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	req.ErrorIs(store.Put(ctx, "missing", CategoryOffer, []byte("x")), ErrRoomNotFound)
	_, err := store.Watch(ctx, "missing", CategoryOffer, func(Update) {})
	req.ErrorIs(err, ErrRoomNotFound)

	req.NoError(store.CreateRoom(ctx, "room-1", time.Now()))
	req.ErrorIs(store.CreateRoom(ctx, "room-1", time.Now()), ErrRoomExists)
	req.ErrorIs(store.Put(ctx, "room-1", Category("bogus"), nil), ErrInvalidCategory)
}

func TestLocalStoreStatusAndDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req.NoError(store.CreateRoom(ctx, "room-1", createdAt))

	room, err := store.GetRoom(ctx, "room-1")
	req.NoError(err)
	req.Equal(models.RoomStatusWaiting, room.Status)
	req.True(room.CreatedAt.Equal(createdAt))

	req.NoError(store.SetStatus(ctx, "room-1", models.RoomStatusConnected))
	room, err = store.GetRoom(ctx, "room-1")
	req.NoError(err)
	req.Equal(models.RoomStatusConnected, room.Status)
	req.Error(store.SetStatus(ctx, "room-1", models.RoomStatus("bogus")))

	req.NoError(store.DeleteRoom(ctx, "room-1"))
	_, err = store.GetRoom(ctx, "room-1")
	req.ErrorIs(err, ErrRoomNotFound)
}
