package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeperRemovesRoomsPastRetention(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req.NoError(store.CreateRoom(ctx, "old", createdAt))
	req.NoError(store.Put(ctx, "old", CategoryOffer, []byte("offer")))
	req.NoError(store.CreateRoom(ctx, "fresh", createdAt.Add(30*time.Minute)))

	now := createdAt.Add(61 * time.Minute)
	sweeper := NewSweeper(store, SweeperOptions{now: func() time.Time { return now }})

	deleted, err := sweeper.Sweep(ctx)
	req.NoError(err)
	req.Equal(1, deleted)

	_, err = store.GetRoom(ctx, "old")
	req.ErrorIs(err, ErrRoomNotFound)
	_, err = store.GetRoom(ctx, "fresh")
	req.NoError(err)
}

func TestSweeperKeepsRoomsWithinRetention(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req.NoError(store.CreateRoom(ctx, "room", createdAt))

	now := createdAt.Add(59 * time.Minute)
	sweeper := NewSweeper(store, SweeperOptions{now: func() time.Time { return now }})

	deleted, err := sweeper.Sweep(ctx)
	req.NoError(err)
	req.Zero(deleted)
}

func TestSweeperRunTicksUntilCancelled(t *testing.T) {
	req := require.New(t)
	store := NewMemoryStore()
	req.NoError(store.CreateRoom(context.Background(), "room", time.Now().Add(-2*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewSweeper(store, SweeperOptions{Interval: 10 * time.Millisecond}).Run(ctx)
	}()

	waitForCondition(t, time.Second, func() bool {
		_, err := store.GetRoom(context.Background(), "room")
		return err != nil
	})

	cancel()
	select {
	case err := <-done:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
