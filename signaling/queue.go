package signaling

import (
	"sync"

	"sharewave/queue"
)

// UpdateQueue delivers updates to one WatchFunc in push order on its own goroutine.
// Push never blocks, so store writers are not slowed by slow consumers.
type UpdateQueue struct {
	updates  *queue.Queue[Update]
	done     chan struct{}
	stopOnce sync.Once
}

// NewUpdateQueue starts a queue delivering to fn. Stop must be called to release it.
func NewUpdateQueue(fn WatchFunc) *UpdateQueue {
	q := &UpdateQueue{
		updates: queue.New[Update](),
		done:    make(chan struct{}),
	}
	go func() {
		for update := range q.updates.Out() {
			select {
			case <-q.done:
				return
			default:
			}
			fn(update)
		}
	}()
	return q
}

// Push enqueues one update.
func (q *UpdateQueue) Push(update Update) {
	q.updates.Push(update)
}

// Stop ends deliveries; queued updates not yet delivered are dropped.
func (q *UpdateQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.updates.Close()
	})
}
