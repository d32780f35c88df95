package rb

import (
	"context"
	"fmt"
)

// UserBuffer is the caller side of a transfer.
// The buffer copies at most len(dst) bytes from its start into dst,
// or copies src into its start. A failing copy aborts the transfer
// without moving any cursor.
type UserBuffer interface {
	// Len returns the size of the caller's buffer.
	Len() int
	// CopyFromUser fills dst with the first len(dst) bytes of the buffer.
	CopyFromUser(dst []byte) error
	// CopyToUser stores src at the start of the buffer.
	CopyToUser(src []byte) error
}

var _ UserBuffer = Bytes(nil)

// Bytes is an in-memory UserBuffer that never faults.
type Bytes []byte

// Len returns the length of the slice.
func (b Bytes) Len() int {
	return len(b)
}

// CopyFromUser copies the head of the slice into dst.
func (b Bytes) CopyFromUser(dst []byte) error {
	copy(dst, b)
	return nil
}

// CopyToUser copies src into the head of the slice.
func (b Bytes) CopyToUser(src []byte) error {
	copy(b, src)
	return nil
}

// Write stores bytes from src into the buffer.
//
// If the buffer is full it returns ErrWouldBlock when nonblocking is set,
// otherwise it sleeps until a reader frees some space or the context is done
// (ErrInterrupted). A single call never wraps past the physical end of the
// storage, so it may store fewer bytes than src holds: the caller has to
// issue another call for the rest. After a successful write the sleeping
// readers are woken and every registered sink is notified once.
func (cb *CircularBuffer) Write(ctx context.Context, src UserBuffer, nonblocking bool) (int, error) {
	if src.Len() == 0 {
		return 0, nil
	}

	if err := cb.lock(ctx); err != nil {
		return 0, err
	}

	for cb.freeSpace() == 0 {
		if nonblocking {
			cb.unlock()
			return 0, ErrWouldBlock
		}

		w := cb.writers.enqueue()
		cb.unlock()

		if err := sleep(ctx, w, nil); err != nil {
			cb.writers.dequeue(w)
			return 0, err
		}

		if err := cb.lock(ctx); err != nil {
			return 0, err
		}
	}

	n := min(src.Len(), cb.freeSpace(), cb.writableRun())

	if err := src.CopyFromUser(cb.storage[cb.writePos : cb.writePos+n]); err != nil {
		cb.unlock()
		return 0, fmt.Errorf("%w: %w", ErrTransferFault, err)
	}

	cb.advanceWrite(n)
	sinks := cb.sinksLocked()

	cb.unlock()

	cb.readers.wakeAll()
	for _, entry := range sinks {
		entry.sink.Notify(Readable)
	}

	return n, nil
}

// Read moves bytes from the buffer into dst.
//
// If the buffer is empty it returns ErrWouldBlock when nonblocking is set,
// otherwise it sleeps until a writer stores some data or the context is done
// (ErrInterrupted). A single call never wraps past the physical end of the
// storage. After a successful read the sleeping writers are woken.
func (cb *CircularBuffer) Read(ctx context.Context, dst UserBuffer, nonblocking bool) (int, error) {
	if dst.Len() == 0 {
		return 0, nil
	}

	if err := cb.lock(ctx); err != nil {
		return 0, err
	}

	for cb.unreadCount() == 0 {
		if nonblocking {
			cb.unlock()
			return 0, ErrWouldBlock
		}

		w := cb.readers.enqueue()
		cb.unlock()

		if err := sleep(ctx, w, nil); err != nil {
			cb.readers.dequeue(w)
			return 0, err
		}

		if err := cb.lock(ctx); err != nil {
			return 0, err
		}
	}

	n := min(dst.Len(), cb.readableRun())

	if err := dst.CopyToUser(cb.storage[cb.readPos : cb.readPos+n]); err != nil {
		cb.unlock()
		return 0, fmt.Errorf("%w: %w", ErrTransferFault, err)
	}

	cb.advanceRead(n)

	cb.unlock()

	cb.writers.wakeAll()

	return n, nil
}
