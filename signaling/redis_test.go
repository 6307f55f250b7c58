package signaling

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewave/models"
)

// Runs against a real server when SHAREWAVE_TEST_REDIS_ADDR is set.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("SHAREWAVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHAREWAVE_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr, KeyPrefix: "sharewave-test-" + NewRoomID()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoomLifecycle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestRedisStore(t)

	createdAt := time.Now().Add(-2 * time.Hour)
	req.NoError(store.CreateRoom(ctx, "room-1", createdAt))
	req.ErrorIs(store.CreateRoom(ctx, "room-1", createdAt), ErrRoomExists)

	var answers, candidates updateRecorder
	cancelAnswers, err := store.Watch(ctx, "room-1", CategoryAnswer, answers.record)
	req.NoError(err)
	defer cancelAnswers()
	cancelCandidates, err := store.Watch(ctx, "room-1", CategoryCalleeCandidates, candidates.record)
	req.NoError(err)
	defer cancelCandidates()

	req.NoError(store.Put(ctx, "room-1", CategoryAnswer, []byte("answer")))
	req.ErrorIs(store.Put(ctx, "room-1", CategoryAnswer, []byte("again")), ErrAlreadySet)
	req.NoError(store.Put(ctx, "room-1", CategoryCalleeCandidates, []byte("c1")))
	req.NoError(store.Put(ctx, "room-1", CategoryCalleeCandidates, []byte("c2")))

	waitForCondition(t, 2*time.Second, func() bool { return answers.len() == 1 && candidates.len() == 2 })
	got := candidates.snapshot()
	req.Equal("0", got[0].Key)
	req.Equal("c2", string(got[1].Value))

	req.NoError(store.SetStatus(ctx, "room-1", models.RoomStatusCompleted))
	room, err := store.GetRoom(ctx, "room-1")
	req.NoError(err)
	req.Equal(models.RoomStatusCompleted, room.Status)

	deleted, err := store.DeleteRoomsCreatedBefore(ctx, time.Now().Add(-time.Hour))
	req.NoError(err)
	req.Equal(1, deleted)
	_, err = store.GetRoom(ctx, "room-1")
	req.ErrorIs(err, ErrRoomNotFound)
}

func TestRedisStoreUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
