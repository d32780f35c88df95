package rb

import (
	"context"
	"sync"
)

type waiter struct {
	ch chan struct{}
}

func (w *waiter) channel() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.ch
}

// waitQueue is a set of sleeping goroutines.
// A wake closes the channel of every waiter and empties the set,
// every woken goroutine has to re-check its condition.
type waitQueue struct {
	mux     sync.Mutex
	waiters map[*waiter]struct{}
}

func newWaitQueue() *waitQueue {
	return &waitQueue{
		waiters: make(map[*waiter]struct{}),
	}
}

// enqueue adds a waiter to the queue.
// It must be called with the buffer guard held, before releasing it,
// otherwise a wake issued in between would be lost.
func (q *waitQueue) enqueue() *waiter {
	w := &waiter{ch: make(chan struct{})}

	q.mux.Lock()
	q.waiters[w] = struct{}{}
	q.mux.Unlock()

	return w
}

// dequeue removes the waiter if it has not been woken yet.
func (q *waitQueue) dequeue(w *waiter) {
	if w == nil {
		return
	}

	q.mux.Lock()
	delete(q.waiters, w)
	q.mux.Unlock()
}

func (q *waitQueue) wakeAll() int {
	q.mux.Lock()
	defer q.mux.Unlock()

	woken := len(q.waiters)
	for w := range q.waiters {
		close(w.ch)
	}
	clear(q.waiters)

	return woken
}

func (q *waitQueue) len() int {
	q.mux.Lock()
	defer q.mux.Unlock()

	return len(q.waiters)
}

// sleep blocks until one of the waiters is woken or the context is done.
// Nil waiters are ignored.
func sleep(ctx context.Context, first, second *waiter) error {
	select {
	case <-first.channel():
		return nil
	case <-second.channel():
		return nil
	case <-ctx.Done():
		return interrupted(ctx)
	}
}
