// Package bqueue provides a bounded FIFO shared between event-loop callbacks
// and worker goroutines. A finished queue rejects pushes but still drains.
package bqueue

import (
	"sync"
	"time"
)

type Queue[T any] struct {
	mtx      sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	capacity int
	blocking bool
	finished bool
}

// New returns a queue that holds at most capacity items. If blocking is set,
// Push waits for room; otherwise a full queue fails the push.
func New[T any](capacity int, blocking bool) *Queue[T] {
	q := &Queue[T]{
		capacity: capacity,
		blocking: blocking,
	}
	q.notEmpty = sync.NewCond(&q.mtx)
	q.notFull = sync.NewCond(&q.mtx)
	return q
}

func (q *Queue[T]) Push(item T) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for len(q.items) >= q.capacity && !q.finished {
		if !q.blocking {
			return false
		}
		q.notFull.Wait()
	}
	if q.finished {
		return false
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// Pop removes the head item. It blocks until an item is available, the queue
// is finished and empty, or the timeout elapses. A zero timeout polls.
func (q *Queue[T]) Pop(timeout time.Duration) (item T, ok bool) {
	deadline := time.Now().Add(timeout)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	for len(q.items) == 0 {
		if q.finished || timeout == 0 {
			return item, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return item, false
		}
		waitCond(q.notEmpty, remaining)
	}

	item = q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

func (q *Queue[T]) Front() (item T, ok bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	return q.items[0], true
}

func (q *Queue[T]) Empty() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items) == 0
}

func (q *Queue[T]) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}

// Finish moves the queue to its terminal state: subsequent pushes fail,
// pops drain the remaining items and then report empty.
func (q *Queue[T]) Finish() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.finished = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *Queue[T]) Finished() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.finished
}

// waitCond waits on c for at most d. sync.Cond has no timed wait, so the
// wakeup is driven by a timer that re-broadcasts.
func waitCond(c *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, c.Broadcast)
	defer t.Stop()
	c.Wait()
}
