// Package rb provides the fixed-capacity circular byte buffer
// shared by the readers and writers of a device unit.
package rb

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// MinCapacity is the smallest accepted capacity.
// One byte is always kept free to tell a full buffer from an empty one.
const MinCapacity = 2

var (
	// ErrWouldBlock is returned when a non-blocking call cannot make progress.
	ErrWouldBlock = errors.New("ring buffer: operation would block")

	// ErrInterrupted is returned when a blocking call is cancelled
	// before doing any work.
	ErrInterrupted = errors.New("ring buffer: interrupted")

	// ErrTransferFault is returned when the caller's buffer cannot be
	// copied from or into.
	ErrTransferFault = errors.New("ring buffer: bad address")

	// ErrInvalidArgument is returned when a buffer is built with an invalid capacity.
	ErrInvalidArgument = errors.New("ring buffer: invalid argument")
)

type sinkEntry struct {
	id   uint64
	sink NotifySink
}

// CircularBuffer is a fixed-capacity circular byte buffer.
// Cursors, storage and notification sinks are only touched while
// holding the guard. Readers sleep on the readers queue and are woken by writers,
// writers sleep on the writers queue and are woken by readers.
type CircularBuffer struct {
	// guard is a binary semaphore, so that acquiring it can be interrupted
	guard *semaphore.Weighted

	storage  []byte
	readPos  int
	writePos int

	readers *waitQueue
	writers *waitQueue

	sinks []sinkEntry
}

// NewCircularBuffer returns a new buffer with the given capacity.
// The usable capacity is capacity-1.
func NewCircularBuffer(capacity int) (*CircularBuffer, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("%w: capacity %d is lower than %d", ErrInvalidArgument, capacity, MinCapacity)
	}

	return &CircularBuffer{
		guard: semaphore.NewWeighted(1),

		storage: make([]byte, capacity),

		readers: newWaitQueue(),
		writers: newWaitQueue(),
	}, nil
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

func (cb *CircularBuffer) lock(ctx context.Context) error {
	if err := cb.guard.Acquire(ctx, 1); err != nil {
		return interrupted(ctx)
	}
	return nil
}

// lockUninterruptible is used by the short, non-sleeping operations.
func (cb *CircularBuffer) lockUninterruptible() {
	// Acquire only fails when the context is done, and Background never is
	_ = cb.guard.Acquire(context.Background(), 1)
}

func (cb *CircularBuffer) unlock() {
	cb.guard.Release(1)
}

///////////////////
//  CURSOR MATH  //
///////////////////

func (cb *CircularBuffer) unreadCount() int {
	capacity := len(cb.storage)
	return (cb.writePos - cb.readPos + capacity) % capacity
}

func (cb *CircularBuffer) freeSpace() int {
	return len(cb.storage) - 1 - cb.unreadCount()
}

func (cb *CircularBuffer) advanceRead(n int) {
	cb.readPos = (cb.readPos + n) % len(cb.storage)
}

func (cb *CircularBuffer) advanceWrite(n int) {
	cb.writePos = (cb.writePos + n) % len(cb.storage)
}

// readableRun returns the number of unread bytes stored contiguously
// from the read cursor. A read never wraps within one call.
func (cb *CircularBuffer) readableRun() int {
	if cb.writePos > cb.readPos {
		return cb.writePos - cb.readPos
	}
	return len(cb.storage) - cb.readPos
}

// writableRun returns the number of free bytes available contiguously
// from the write cursor. A write never wraps within one call.
func (cb *CircularBuffer) writableRun() int {
	if cb.writePos >= cb.readPos {
		return len(cb.storage) - cb.writePos
	}
	return cb.readPos - cb.writePos - 1
}

/////////////////
//  ACCESSORS  //
/////////////////

// Cap returns the capacity of the buffer, including the reserved byte.
func (cb *CircularBuffer) Cap() int {
	return len(cb.storage)
}

// Len returns the number of unread bytes.
func (cb *CircularBuffer) Len() int {
	cb.lockUninterruptible()
	defer cb.unlock()

	return cb.unreadCount()
}

// Free returns the number of bytes that can be written without blocking.
func (cb *CircularBuffer) Free() int {
	cb.lockUninterruptible()
	defer cb.unlock()

	return cb.freeSpace()
}
