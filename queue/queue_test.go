package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, q *Queue[T]) []T {
	t.Helper()
	var got []T
	timeout := time.After(time.Second)
	for {
		select {
		case v, ok := <-q.Out():
			if !ok {
				return got
			}
			got = append(got, v)
		case <-timeout:
			t.Fatal("queue did not close")
		}
	}
}

func TestQueueDeliversInOrderThenFinishes(t *testing.T) {
	req := require.New(t)
	q := New[int]()

	for i := range 100 {
		req.True(q.Push(i))
	}
	q.Finish()
	req.False(q.Push(100))

	got := drain(t, q)
	req.Len(got, 100)
	for i, v := range got {
		req.Equal(i, v)
	}
}

func TestQueueNeverBlocksProducers(t *testing.T) {
	q := New[string]()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		for range 10000 {
			q.Push("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestQueueCloseDropsPending(t *testing.T) {
	req := require.New(t)
	q := New[int]()
	q.Push(1)
	q.Push(2)

	q.Close()
	q.Close()
	req.False(q.Push(3))

	got := drain(t, q)
	req.LessOrEqual(len(got), 1)
}
