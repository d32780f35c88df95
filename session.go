package pscull

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/pscull/internal/rb"
	"go.opentelemetry.io/otel/attribute"
)

// OpenFlags are the access mode and the options of a session.
type OpenFlags uint8

const (
	// ReadOnly grants read access.
	ReadOnly OpenFlags = 1 << iota
	// WriteOnly grants write access.
	WriteOnly
	// NonBlock makes the calls return ErrWouldBlock instead of sleeping.
	NonBlock

	// ReadWrite grants both read and write access.
	ReadWrite = ReadOnly | WriteOnly
)

func (f OpenFlags) String() string {
	parts := make([]string, 0, 2)

	switch f & ReadWrite {
	case ReadOnly:
		parts = append(parts, "rdonly")
	case WriteOnly:
		parts = append(parts, "wronly")
	case ReadWrite:
		parts = append(parts, "rdwr")
	}

	if f&NonBlock != 0 {
		parts = append(parts, "nonblock")
	}

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}

// UserBuffer is a caller provided buffer whose copies may fail.
type UserBuffer = rb.UserBuffer

var (
	_ io.Reader = (*Session)(nil)
	_ io.Writer = (*Session)(nil)
	_ io.Closer = (*Session)(nil)
)

// Session is an open handle on a device unit.
// It is safe for concurrent use: concurrent calls on the same session
// behave like concurrent calls on different sessions of the same unit.
type Session struct {
	dev *Device

	id       uint64
	flags    OpenFlags
	nonBlock atomic.Bool

	// ctx is cancelled with ErrClosed when the session is closed,
	// interrupting the calls still sleeping on the device.
	ctx    context.Context
	cancel context.CancelCauseFunc

	closeOnce sync.Once
}

func newSession(dev *Device, id uint64, flags OpenFlags) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())

	sess := &Session{
		dev: dev,

		id:    id,
		flags: flags & ReadWrite,

		ctx:    ctx,
		cancel: cancel,
	}

	sess.nonBlock.Store(flags&NonBlock != 0)

	return sess
}

// Flags returns the current flags of the session.
func (s *Session) Flags() OpenFlags {
	flags := s.flags
	if s.nonBlock.Load() {
		flags |= NonBlock
	}
	return flags
}

// SetNonBlock switches the session between blocking and non-blocking mode.
func (s *Session) SetNonBlock(nonBlock bool) {
	s.nonBlock.Store(nonBlock)
}

func (s *Session) checkAccess(mode OpenFlags) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	if s.flags&mode == 0 {
		return ErrBadMode
	}

	return nil
}

// bind returns a context that is done when either ctx or the session is done.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	stop := context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})

	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func (s *Session) read(ctx context.Context, dst rb.UserBuffer, nonBlocking bool) (int, error) {
	if err := s.checkAccess(ReadOnly); err != nil {
		return 0, err
	}

	ctx, span := s.dev.tel.NewTrace(ctx, "device read")
	defer span.End()

	ctx, stop := s.bind(ctx)
	defer stop()

	n, err := s.dev.buf.Read(ctx, dst, nonBlocking)
	if err != nil {
		s.dev.metrics.countError(err)
		return 0, err
	}

	s.dev.metrics.addReadBytes(ctx, n)
	span.SetAttributes(attribute.Int("read_bytes", n))

	return n, nil
}

func (s *Session) write(ctx context.Context, src rb.UserBuffer, nonBlocking bool) (int, error) {
	if err := s.checkAccess(WriteOnly); err != nil {
		return 0, err
	}

	ctx, span := s.dev.tel.NewTrace(ctx, "device write")
	defer span.End()

	ctx, stop := s.bind(ctx)
	defer stop()

	n, err := s.dev.buf.Write(ctx, src, nonBlocking)
	if err != nil {
		s.dev.metrics.countError(err)
		return 0, err
	}

	s.dev.metrics.addWrittenBytes(ctx, n)
	span.SetAttributes(attribute.Int("written_bytes", n))

	return n, nil
}

////////////
//  READ  //
////////////

// ReadContext performs a single read on the device.
// It returns at most len(p) bytes and never more than the bytes stored
// contiguously in the buffer. If the device is empty it sleeps until some
// data arrives, unless the session is non-blocking (ErrWouldBlock).
// A cancelled ctx or a closed session interrupts the sleep (ErrInterrupted).
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	return s.read(ctx, rb.Bytes(p), s.nonBlock.Load())
}

// TryRead performs a single non-blocking read, whatever the session mode.
func (s *Session) TryRead(p []byte) (int, error) {
	return s.read(context.Background(), rb.Bytes(p), true)
}

// ReadBuffer is like ReadContext, but copies into a caller provided buffer
// that may fail (ErrTransferFault).
func (s *Session) ReadBuffer(ctx context.Context, dst UserBuffer) (int, error) {
	return s.read(ctx, dst, s.nonBlock.Load())
}

// Read implements io.Reader with a single device read.
// It never returns io.EOF: a device with no data sleeps or reports ErrWouldBlock.
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

/////////////
//  WRITE  //
/////////////

// WriteContext performs a single write on the device.
// It stores at most len(p) bytes and never more than the free space
// available contiguously in the buffer, so the caller has to write the rest
// with another call. If the device is full it sleeps until some space is freed,
// unless the session is non-blocking (ErrWouldBlock).
// A cancelled ctx or a closed session interrupts the sleep (ErrInterrupted).
func (s *Session) WriteContext(ctx context.Context, p []byte) (int, error) {
	return s.write(ctx, rb.Bytes(p), s.nonBlock.Load())
}

// TryWrite performs a single non-blocking write, whatever the session mode.
func (s *Session) TryWrite(p []byte) (int, error) {
	return s.write(context.Background(), rb.Bytes(p), true)
}

// WriteBuffer is like WriteContext, but copies from a caller provided buffer
// that may fail (ErrTransferFault).
func (s *Session) WriteBuffer(ctx context.Context, src UserBuffer) (int, error) {
	return s.write(ctx, src, s.nonBlock.Load())
}

// WriteAll writes p with as many device writes as needed.
// On error it returns the number of bytes already stored.
func (s *Session) WriteAll(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.WriteContext(ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Write implements io.Writer: it keeps writing until all of p is stored.
// A non-blocking session returns a short count with ErrWouldBlock when the device fills up.
func (s *Session) Write(p []byte) (int, error) {
	return s.WriteAll(context.Background(), p)
}

/////////////////
//  READINESS  //
/////////////////

// Readiness is a set of poll events.
type Readiness = rb.Readiness

const (
	// Readable states that a read would not block.
	Readable = rb.Readable
	// Writable states that a write would not block.
	Writable = rb.Writable
)

// Poll returns a snapshot of the device readiness.
func (s *Session) Poll() (Readiness, error) {
	if s.ctx.Err() != nil {
		return 0, ErrClosed
	}
	return s.dev.buf.Poll(), nil
}

// WaitReady sleeps until the device readiness intersects want.
func (s *Session) WaitReady(ctx context.Context, want Readiness) (Readiness, error) {
	if s.ctx.Err() != nil {
		return 0, ErrClosed
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	ready, err := s.dev.buf.WaitReady(ctx, want)
	if err != nil {
		s.dev.metrics.countError(err)
		return 0, err
	}

	return ready, nil
}

//////////////
//  NOTIFY  //
//////////////

type countingSink struct {
	sink    NotifySink
	metrics *deviceMetrics
}

func (cs *countingSink) Notify(band Readiness) {
	cs.metrics.incrementNotifications()
	cs.sink.Notify(band)
}

// SetNotify registers the sink notified after every successful write on the device,
// replacing the previous sink of the session. A nil sink clears the registration.
func (s *Session) SetNotify(sink NotifySink) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	if sink == nil {
		s.ClearNotify()
		return nil
	}

	s.dev.buf.AddNotify(s.id, &countingSink{sink: sink, metrics: s.dev.metrics})

	return nil
}

// ClearNotify removes the sink of the session, if any.
// A write racing with the removal may still notify the sink once
// after ClearNotify returns.
func (s *Session) ClearNotify() {
	s.dev.buf.RemoveNotify(s.id)
}

/////////////
//  CLOSE  //
/////////////

// Close removes the notification sink of the session and interrupts
// its in-flight calls, which fail with ErrInterrupted wrapping ErrClosed.
// Closing an already closed session returns ErrClosed.
// As with ClearNotify, the sink may still fire once after Close returns.
func (s *Session) Close() error {
	err := ErrClosed

	s.closeOnce.Do(func() {
		s.cancel(ErrClosed)
		s.dev.release(s)
		err = nil
	})

	return err
}

// IsClosed reports whether err was caused by a closed session.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
