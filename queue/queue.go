// Package queue provides an unbounded FIFO drained by its own goroutine, so that
// producers such as pion callbacks or store watchers never block on a slow consumer.
package queue

import "sync"

// Queue delivers pushed values on Out in push order.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	finished bool

	wake      chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

// New starts an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Out is closed after Finish once every queued value was received, or right after Close.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Push enqueues v. It reports false once the queue was finished or closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return true
}

// Finish rejects further pushes and closes Out once queued values are drained.
func (q *Queue[T]) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// Close drops queued values and closes Out immediately.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.finished = true
	q.items = nil
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of values not yet received.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			finished := q.finished
			q.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
