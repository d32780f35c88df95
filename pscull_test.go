package pscull

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t testing.TB, units, bufferSize int) *Driver {
	t.Helper()

	drv := NewDriver(&Config{Units: units, BufferSize: bufferSize})
	require.NoError(t, drv.Init(t.Context()))

	t.Cleanup(drv.Close)

	return drv
}

type faultyBuffer struct {
	size int
}

func (fb *faultyBuffer) Len() int { return fb.size }

func (fb *faultyBuffer) CopyFromUser(_ []byte) error { return errors.New("unmapped page") }

func (fb *faultyBuffer) CopyToUser(_ []byte) error { return errors.New("unmapped page") }

func Test_DriverInit(t *testing.T) {
	assert := assert.New(t)

	drv := NewDriver(&Config{Units: 0, BufferSize: 16})

	_, err := drv.Unit(0)
	assert.ErrorIs(err, ErrNotInitialized)

	_, err = drv.Open(0, ReadWrite)
	assert.ErrorIs(err, ErrNotInitialized)

	assert.NoError(drv.Init(t.Context()))
	assert.Equal(DefaultConfigUnits, drv.Units())

	for idx := range drv.Units() {
		dev, err := drv.Unit(idx)
		assert.NoError(err)
		assert.Equal(idx, dev.Index())
		assert.Equal(16, dev.Stats().Capacity)
	}

	_, err = drv.Unit(DefaultConfigUnits)
	assert.ErrorIs(err, ErrNoDevice)

	_, err = drv.Unit(-1)
	assert.ErrorIs(err, ErrNoDevice)

	drv.Close()
	assert.Zero(drv.Units())

	_, err = drv.Unit(0)
	assert.ErrorIs(err, ErrNotInitialized)
}

func Test_DriverDefaults(t *testing.T) {
	assert := assert.New(t)

	drv := NewDriver(nil)
	assert.NoError(drv.Init(t.Context()))
	defer drv.Close()

	assert.Equal(DefaultConfigUnits, drv.Units())

	dev, err := drv.Unit(0)
	assert.NoError(err)

	stats := dev.Stats()
	assert.Equal(DefaultConfigBufferSize, stats.Capacity)
	assert.Equal(DefaultConfigBufferSize-1, stats.Free)
}

func Test_DriverInvalidBufferSize(t *testing.T) {
	assert := assert.New(t)

	for _, size := range []int{-1, 0, 1} {
		drv := NewDriver(&Config{Units: 1, BufferSize: size})

		err := drv.Init(t.Context())
		assert.ErrorIs(err, ErrInvalidArgument)
		assert.Equal(syscall.Errno(syscall.EINVAL), Errno(err))
	}
}

func Test_OpenFlags(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 16)

	_, err := drv.Open(0, NonBlock)
	assert.ErrorIs(err, ErrInvalidArgument)

	_, err = drv.Open(0, OpenFlags(1<<7)|ReadOnly)
	assert.ErrorIs(err, ErrInvalidArgument)

	_, err = drv.Open(3, ReadOnly)
	assert.ErrorIs(err, ErrNoDevice)

	reader, err := drv.Open(0, ReadOnly)
	assert.NoError(err)

	writer, err := drv.Open(0, WriteOnly|NonBlock)
	assert.NoError(err)

	assert.Equal("rdonly", reader.Flags().String())
	assert.Equal("wronly|nonblock", writer.Flags().String())

	_, err = reader.TryWrite([]byte("x"))
	assert.ErrorIs(err, ErrBadMode)

	_, err = writer.TryRead(make([]byte, 1))
	assert.ErrorIs(err, ErrBadMode)
	assert.Equal(syscall.Errno(syscall.EBADF), Errno(err))

	writer.SetNonBlock(false)
	assert.Equal(WriteOnly, writer.Flags())
}

func Test_SessionReadWrite(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 2, 8)

	writer, err := drv.Open(1, WriteOnly)
	assert.NoError(err)

	reader, err := drv.Open(1, ReadOnly)
	assert.NoError(err)

	n, err := writer.WriteContext(t.Context(), []byte("abc"))
	assert.NoError(err)
	assert.Equal(3, n)

	// The other unit does not share the buffer
	other, err := drv.Open(0, ReadOnly|NonBlock)
	assert.NoError(err)
	_, err = other.ReadContext(t.Context(), make([]byte, 8))
	assert.ErrorIs(err, ErrWouldBlock)

	buf := make([]byte, 8)
	n, err = reader.ReadContext(t.Context(), buf)
	assert.NoError(err)
	assert.Equal("abc", string(buf[:n]))

	n, err = reader.TryRead(buf)
	assert.ErrorIs(err, ErrWouldBlock)
	assert.Zero(n)
	assert.Equal(syscall.Errno(syscall.EAGAIN), Errno(err))
}

func Test_SessionPartialWrite(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 8)

	sess, err := drv.Open(0, ReadWrite|NonBlock)
	assert.NoError(err)

	// Move the cursors to 5, so that only 3 bytes fit before the physical end
	n, err := sess.TryWrite([]byte("12345"))
	assert.NoError(err)
	assert.Equal(5, n)
	n, err = sess.TryRead(make([]byte, 5))
	assert.NoError(err)
	assert.Equal(5, n)

	n, err = sess.WriteContext(t.Context(), []byte("abcdef"))
	assert.NoError(err)
	assert.Equal(3, n)

	n, err = sess.WriteContext(t.Context(), []byte("def"))
	assert.NoError(err)
	assert.Equal(3, n)

	buf := make([]byte, 8)
	n, err = sess.ReadContext(t.Context(), buf)
	assert.NoError(err)
	assert.Equal("abc", string(buf[:n]))

	n, err = sess.ReadContext(t.Context(), buf)
	assert.NoError(err)
	assert.Equal("def", string(buf[:n]))
}

func Test_SessionWriteAll(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 8)

	writer, err := drv.Open(0, WriteOnly)
	assert.NoError(err)

	reader, err := drv.Open(0, ReadOnly)
	assert.NoError(err)

	payload := bytes.Repeat([]byte("pscull-"), 64)

	received := make([]byte, 0, len(payload))

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		buf := make([]byte, 5)
		for len(received) < len(payload) {
			n, err := reader.Read(buf)
			if err != nil {
				return
			}
			received = append(received, buf[:n]...)
		}
	})

	n, err := writer.Write(payload)
	assert.NoError(err)
	assert.Equal(len(payload), n)

	wg.Wait()

	assert.Equal(payload, received)

	stats := drv.devices[0].Stats()
	assert.Equal(int64(len(payload)), stats.BytesWritten)
	assert.Equal(int64(len(payload)), stats.BytesRead)
	assert.Zero(stats.Unread)
}

func Test_SessionWriteNonBlockShort(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 8)

	writer, err := drv.Open(0, WriteOnly|NonBlock)
	assert.NoError(err)

	n, err := writer.Write([]byte("0123456789"))
	assert.ErrorIs(err, ErrWouldBlock)
	assert.Equal(7, n)
}

func Test_SessionCloseInterrupts(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 8)

	sess, err := drv.Open(0, ReadOnly)
	assert.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.ReadContext(context.Background(), make([]byte, 4))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(sess.Close())

	select {
	case err := <-errCh:
		assert.True(IsClosed(err))
		assert.Equal(syscall.Errno(syscall.EBADF), Errno(err))
	case <-time.After(time.Second):
		t.Fatal("blocked read was not interrupted")
	}

	assert.ErrorIs(sess.Close(), ErrClosed)

	_, err = sess.TryRead(make([]byte, 1))
	assert.ErrorIs(err, ErrClosed)

	_, err = sess.Poll()
	assert.ErrorIs(err, ErrClosed)

	assert.ErrorIs(sess.SetNotify(NewSignalSink()), ErrClosed)

	stats := drv.devices[0].Stats()
	assert.Zero(stats.Sessions)
	assert.Zero(stats.Readers)
}

func Test_ContextInterrupts(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 4)

	sess, err := drv.Open(0, ReadWrite)
	assert.NoError(err)

	n, err := sess.WriteContext(t.Context(), []byte("abc"))
	assert.NoError(err)
	assert.Equal(3, n)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = sess.WriteContext(ctx, []byte("d"))
	assert.ErrorIs(err, ErrInterrupted)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.False(IsClosed(err))
	assert.Equal(syscall.Errno(syscall.EINTR), Errno(err))

	stats := drv.devices[0].Stats()
	assert.Equal(int64(1), stats.Interrupted)
	assert.Equal(3, stats.Unread)
	assert.Zero(stats.Free)
}

func Test_DriverCloseInterrupts(t *testing.T) {
	assert := assert.New(t)

	drv := NewDriver(&Config{Units: 1, BufferSize: 8})
	assert.NoError(drv.Init(t.Context()))

	dev, err := drv.Unit(0)
	assert.NoError(err)

	sess, err := dev.Open(ReadOnly)
	assert.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Read(make([]byte, 4))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	drv.Close()

	select {
	case err := <-errCh:
		assert.True(IsClosed(err))
	case <-time.After(time.Second):
		t.Fatal("blocked read was not interrupted")
	}

	_, err = dev.Open(ReadOnly)
	assert.ErrorIs(err, ErrClosed)
}

func Test_SessionNotify(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 16)

	subscriber, err := drv.Open(0, ReadOnly|NonBlock)
	assert.NoError(err)

	writer, err := drv.Open(0, WriteOnly)
	assert.NoError(err)

	sink := NewSignalSink()
	assert.NoError(subscriber.SetNotify(sink))

	calls := 0
	assert.NoError(writer.SetNotify(SinkFunc(func(band Readiness) {
		assert.Equal(Readable, band)
		calls++
	})))

	for range 3 {
		_, err := writer.WriteContext(t.Context(), []byte("x"))
		assert.NoError(err)
	}

	// Signals are coalesced
	assert.Len(sink.C(), 1)
	<-sink.C()
	assert.Equal(Readable, sink.Pending())
	assert.Equal(Readiness(0), sink.Pending())
	assert.Equal(3, calls)

	// Reads never notify
	_, err = subscriber.TryRead(make([]byte, 3))
	assert.NoError(err)
	assert.Empty(sink.C())

	assert.Equal(int64(6), drv.devices[0].Stats().Notifications)

	subscriber.ClearNotify()
	assert.NoError(writer.SetNotify(nil))

	_, err = writer.WriteContext(t.Context(), []byte("y"))
	assert.NoError(err)
	assert.Empty(sink.C())
	assert.Equal(3, calls)

	// Closing the session removes its sink
	assert.NoError(subscriber.SetNotify(sink))
	assert.NoError(subscriber.Close())

	_, err = writer.WriteContext(t.Context(), []byte("z"))
	assert.NoError(err)
	assert.Empty(sink.C())
}

func Test_SessionPollAndWait(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 4)

	reader, err := drv.Open(0, ReadOnly)
	assert.NoError(err)

	writer, err := drv.Open(0, WriteOnly)
	assert.NoError(err)

	ready, err := reader.Poll()
	assert.NoError(err)
	assert.Equal(Writable, ready)

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		ready, err := reader.WaitReady(t.Context(), Readable)
		assert.NoError(err)
		assert.NotZero(ready & Readable)
	})

	time.Sleep(10 * time.Millisecond)

	_, err = writer.WriteContext(t.Context(), []byte("abc"))
	assert.NoError(err)

	wg.Wait()

	ready, err = writer.Poll()
	assert.NoError(err)
	assert.Equal(Readable, ready)
}

func Test_SessionTransferFault(t *testing.T) {
	assert := assert.New(t)

	drv := newTestDriver(t, 1, 8)

	sess, err := drv.Open(0, ReadWrite)
	assert.NoError(err)

	_, err = sess.WriteBuffer(t.Context(), &faultyBuffer{size: 3})
	assert.ErrorIs(err, ErrTransferFault)
	assert.Equal(syscall.Errno(syscall.EFAULT), Errno(err))

	_, err = sess.WriteContext(t.Context(), []byte("ab"))
	assert.NoError(err)

	_, err = sess.ReadBuffer(t.Context(), &faultyBuffer{size: 3})
	assert.ErrorIs(err, ErrTransferFault)

	stats := drv.devices[0].Stats()
	assert.Equal(int64(2), stats.TransferFaults)
	assert.Equal(2, stats.Unread)
}

func Test_Errno(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(syscall.Errno(0), Errno(nil))
	assert.Equal(syscall.Errno(syscall.ENODEV), Errno(ErrNoDevice))
	assert.Equal(syscall.Errno(syscall.ENODEV), Errno(ErrNotInitialized))
	assert.Equal(syscall.Errno(syscall.EIO), Errno(errors.New("unknown")))
}
