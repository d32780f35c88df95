package pscull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/rb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/cpu"
)

var (
	readAttrs  = metric.WithAttributes(attribute.String("op", "read"))
	writeAttrs = metric.WithAttributes(attribute.String("op", "write"))
)

///////////////
//  METRICS  //
///////////////

// deviceMetrics keeps the transfer counters on separate cache lines,
// readers and writers update them from different goroutines.
type deviceMetrics struct {
	tel *internal.Telemetry

	readBytes atomic.Int64
	_         cpu.CacheLinePad

	writtenBytes atomic.Int64
	_            cpu.CacheLinePad

	wouldBlock     atomic.Int64
	interrupted    atomic.Int64
	transferFaults atomic.Int64
	notifications  atomic.Int64

	sessions atomic.Int64
	readers  atomic.Int64
	writers  atomic.Int64

	transferSize metric.Int64Histogram
}

func newDeviceMetrics(tel *internal.Telemetry) *deviceMetrics {
	return &deviceMetrics{
		tel: tel,
	}
}

func (dm *deviceMetrics) init(buf *rb.CircularBuffer) {
	dm.tel.NewCounter("read_bytes", func() int64 { return dm.readBytes.Load() })
	dm.tel.NewCounter("written_bytes", func() int64 { return dm.writtenBytes.Load() })
	dm.tel.NewCounter("would_block", func() int64 { return dm.wouldBlock.Load() })
	dm.tel.NewCounter("interrupted", func() int64 { return dm.interrupted.Load() })
	dm.tel.NewCounter("transfer_faults", func() int64 { return dm.transferFaults.Load() })
	dm.tel.NewCounter("notifications", func() int64 { return dm.notifications.Load() })

	dm.tel.NewUpDownCounter("sessions", func() int64 { return dm.sessions.Load() })
	dm.tel.NewUpDownCounter("readers", func() int64 { return dm.readers.Load() })
	dm.tel.NewUpDownCounter("writers", func() int64 { return dm.writers.Load() })
	dm.tel.NewUpDownCounter("unread_bytes", func() int64 { return int64(buf.Len()) })

	dm.transferSize = dm.tel.NewHistogram("transfer_size", "By")
}

func (dm *deviceMetrics) addReadBytes(ctx context.Context, amount int) {
	dm.readBytes.Add(int64(amount))
	dm.transferSize.Record(ctx, int64(amount), readAttrs)
}

func (dm *deviceMetrics) addWrittenBytes(ctx context.Context, amount int) {
	dm.writtenBytes.Add(int64(amount))
	dm.transferSize.Record(ctx, int64(amount), writeAttrs)
}

func (dm *deviceMetrics) incrementNotifications() {
	dm.notifications.Add(1)
}

// countError updates the counter matching the error kind.
func (dm *deviceMetrics) countError(err error) {
	switch {
	case errors.Is(err, ErrWouldBlock):
		dm.wouldBlock.Add(1)
	case errors.Is(err, ErrInterrupted):
		dm.interrupted.Add(1)
	case errors.Is(err, ErrTransferFault):
		dm.transferFaults.Add(1)
	}
}

func (dm *deviceMetrics) attach(flags OpenFlags) {
	dm.sessions.Add(1)
	if flags&ReadOnly != 0 {
		dm.readers.Add(1)
	}
	if flags&WriteOnly != 0 {
		dm.writers.Add(1)
	}
}

func (dm *deviceMetrics) detach(flags OpenFlags) {
	dm.sessions.Add(-1)
	if flags&ReadOnly != 0 {
		dm.readers.Add(-1)
	}
	if flags&WriteOnly != 0 {
		dm.writers.Add(-1)
	}
}

//////////////
//  DEVICE  //
//////////////

// Stats is a snapshot of the state and the counters of a device unit.
type Stats struct {
	// Capacity is the buffer capacity, including the reserved byte.
	Capacity int
	// Unread is the number of bytes waiting to be read.
	Unread   int
	// Free is the number of bytes that can be written without blocking.
	Free     int

	Sessions int64
	Readers  int64
	Writers  int64

	BytesRead      int64
	BytesWritten   int64
	WouldBlock     int64
	Interrupted    int64
	TransferFaults int64
	Notifications  int64
}

// Device is a device unit.
// All its sessions share the same circular buffer.
type Device struct {
	tel *internal.Telemetry

	index int
	buf   *rb.CircularBuffer

	mux      sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	closed   bool

	metrics *deviceMetrics
}

func newDevice(index, bufferSize int) (*Device, error) {
	buf, err := rb.NewCircularBuffer(bufferSize)
	if err != nil {
		return nil, err
	}

	tel := internal.NewTelemetry("device", fmt.Sprintf("pscull%d", index))

	dev := &Device{
		tel: tel,

		index: index,
		buf:   buf,

		sessions: make(map[uint64]*Session),

		metrics: newDeviceMetrics(tel),
	}

	dev.metrics.init(buf)

	return dev, nil
}

// Index returns the unit index of the device.
func (d *Device) Index() int {
	return d.index
}

// Open opens a new session on the device.
// The flags must grant read access, write access or both.
func (d *Device) Open(flags OpenFlags) (*Session, error) {
	if flags&ReadWrite == 0 || flags&^(ReadWrite|NonBlock) != 0 {
		return nil, fmt.Errorf("%w: open flags %s", ErrInvalidArgument, flags)
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	d.nextID++
	sess := newSession(d, d.nextID, flags)
	d.sessions[sess.id] = sess

	d.metrics.attach(flags)

	d.tel.LogDebug("session opened", "session", sess.id, "flags", flags.String())

	return sess, nil
}

// release removes a closed session from the device.
func (d *Device) release(sess *Session) {
	d.buf.RemoveNotify(sess.id)

	d.mux.Lock()
	defer d.mux.Unlock()

	if _, ok := d.sessions[sess.id]; !ok {
		return
	}

	delete(d.sessions, sess.id)
	d.metrics.detach(sess.flags)

	d.tel.LogDebug("session closed", "session", sess.id)
}

func (d *Device) close() {
	d.mux.Lock()
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.mux.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// Stats returns a snapshot of the device state and counters.
func (d *Device) Stats() Stats {
	capacity := d.buf.Cap()
	unread := d.buf.Len()

	return Stats{
		Capacity: capacity,
		Unread:   unread,
		Free:     capacity - 1 - unread,

		Sessions: d.metrics.sessions.Load(),
		Readers:  d.metrics.readers.Load(),
		Writers:  d.metrics.writers.Load(),

		BytesRead:      d.metrics.readBytes.Load(),
		BytesWritten:   d.metrics.writtenBytes.Load(),
		WouldBlock:     d.metrics.wouldBlock.Load(),
		Interrupted:    d.metrics.interrupted.Load(),
		TransferFaults: d.metrics.transferFaults.Load(),
		Notifications:  d.metrics.notifications.Load(),
	}
}
