package rb

import (
	"context"
	"slices"
	"strings"
)

// Readiness is a set of poll events.
type Readiness uint8

const (
	// Readable states that a read would not block.
	Readable Readiness = 1 << iota
	// Writable states that a write would not block.
	Writable
)

func (r Readiness) String() string {
	if r == 0 {
		return "none"
	}

	parts := make([]string, 0, 2)
	if r&Readable != 0 {
		parts = append(parts, "readable")
	}
	if r&Writable != 0 {
		parts = append(parts, "writable")
	}

	return strings.Join(parts, "|")
}

func (cb *CircularBuffer) readinessLocked() Readiness {
	var r Readiness
	if cb.unreadCount() > 0 {
		r |= Readable
	}
	if cb.freeSpace() > 0 {
		r |= Writable
	}
	return r
}

// Poll returns a snapshot of the buffer readiness.
// The snapshot can be stale as soon as it is returned.
func (cb *CircularBuffer) Poll() Readiness {
	cb.lockUninterruptible()
	defer cb.unlock()

	return cb.readinessLocked()
}

// WaitReady sleeps until the buffer readiness intersects want,
// and returns the readiness observed at that moment.
func (cb *CircularBuffer) WaitReady(ctx context.Context, want Readiness) (Readiness, error) {
	want &= Readable | Writable
	if want == 0 {
		return cb.Poll(), nil
	}

	for {
		if err := cb.lock(ctx); err != nil {
			return 0, err
		}

		ready := cb.readinessLocked()
		if ready&want != 0 {
			cb.unlock()
			return ready, nil
		}

		// Data wakes the readers queue, space wakes the writers queue
		var onData, onSpace *waiter
		if want&Readable != 0 {
			onData = cb.readers.enqueue()
		}
		if want&Writable != 0 {
			onSpace = cb.writers.enqueue()
		}

		cb.unlock()

		err := sleep(ctx, onData, onSpace)

		cb.readers.dequeue(onData)
		cb.writers.dequeue(onSpace)

		if err != nil {
			return 0, err
		}
	}
}

/////////////////////
//  NOTIFICATIONS  //
/////////////////////

// NotifySink receives the asynchronous "input ready" notification
// fired after every successful write. Notify is called outside the
// buffer guard and must not block.
type NotifySink interface {
	Notify(band Readiness)
}

// NotifyFunc adapts a function to a NotifySink.
type NotifyFunc func(band Readiness)

// Notify calls f.
func (f NotifyFunc) Notify(band Readiness) {
	f(band)
}

// AddNotify registers the sink for the given subscriber id,
// replacing the previous sink of the same subscriber.
// A nil sink removes the subscriber.
func (cb *CircularBuffer) AddNotify(id uint64, sink NotifySink) {
	if sink == nil {
		cb.RemoveNotify(id)
		return
	}

	cb.lockUninterruptible()
	defer cb.unlock()

	for idx := range cb.sinks {
		if cb.sinks[idx].id == id {
			cb.sinks[idx].sink = sink
			return
		}
	}

	cb.sinks = append(cb.sinks, sinkEntry{id: id, sink: sink})
}

// RemoveNotify unregisters the sink of the given subscriber.
// It returns whether a sink was registered.
// A write that completed before the removal may still notify the sink
// once after RemoveNotify returns, since sinks are called outside the guard.
func (cb *CircularBuffer) RemoveNotify(id uint64) bool {
	cb.lockUninterruptible()
	defer cb.unlock()

	before := len(cb.sinks)
	cb.sinks = slices.DeleteFunc(cb.sinks, func(entry sinkEntry) bool {
		return entry.id == id
	})

	return len(cb.sinks) != before
}

// sinksLocked returns a copy of the registered sinks,
// so that they can be notified after the guard is released.
func (cb *CircularBuffer) sinksLocked() []sinkEntry {
	if len(cb.sinks) == 0 {
		return nil
	}
	return slices.Clone(cb.sinks)
}
