package drain

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAsyncUnsupported is returned by Run in async mode when the reader
// does not support notifications.
var ErrAsyncUnsupported = errors.New("drain: reader does not support async notifications")

// Reader is the device side of a drain. It is implemented by *pscull.Session.
type Reader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// AsyncReader is a Reader that can notify when new data is written.
// It is implemented by *pscull.Session.
type AsyncReader interface {
	Reader
	TryRead(p []byte) (int, error)
	SetNotify(sink pscull.NotifySink) error
	ClearNotify()
}

///////////////
//  METRICS  //
///////////////

type drainMetrics struct {
	tel *internal.Telemetry

	drainedBytes atomic.Int64
	writeErrors  atomic.Int64
	flushErrors  atomic.Int64
	wakeups      atomic.Int64
}

func newDrainMetrics(tel *internal.Telemetry) *drainMetrics {
	return &drainMetrics{
		tel: tel,
	}
}

func (dm *drainMetrics) init() {
	dm.tel.NewCounter("drained_bytes", func() int64 { return dm.drainedBytes.Load() })
	dm.tel.NewCounter("write_errors", func() int64 { return dm.writeErrors.Load() })
	dm.tel.NewCounter("flush_errors", func() int64 { return dm.flushErrors.Load() })
	dm.tel.NewCounter("wakeups", func() int64 { return dm.wakeups.Load() })
}

func (dm *drainMetrics) addDrainedBytes(amount int64) {
	dm.drainedBytes.Add(amount)
}

func (dm *drainMetrics) incrementWriteErrors() {
	dm.writeErrors.Add(1)
}

func (dm *drainMetrics) incrementFlushErrors() {
	dm.flushErrors.Add(1)
}

func (dm *drainMetrics) incrementWakeups() {
	dm.wakeups.Add(1)
}

/////////////
//  DRAIN  //
/////////////

// Drain reads a device and writes the data into a buffered output.
// The output is flushed when the buffered bytes exceed the threshold,
// when the flush deadline expires and when the drain is closed.
type Drain struct {
	tel *internal.Telemetry

	cfg *Config

	out  io.Writer
	path string
	file *os.File

	// writeMux protects writer, that is also flushed by the deadline ticker
	writeMux         sync.Mutex
	writer           *bufio.Writer
	bufSizeThreshold int64
	notFlushedBytes  int64

	metrics *drainMetrics
}

func newDrain(name string, cfg *Config) *Drain {
	if cfg == nil {
		cfg = NewConfig()
	}

	tel := internal.NewTelemetry("drain", name)

	return &Drain{
		tel: tel,

		cfg: cfg,

		metrics: newDrainMetrics(tel),
	}
}

// New returns a drain that writes into w.
func New(w io.Writer, cfg *Config) *Drain {
	d := newDrain("writer", cfg)
	d.out = w
	return d
}

// NewFile returns a drain that appends to the file at path.
// The file is created by Init if it does not exist.
func NewFile(path string, cfg *Config) *Drain {
	d := newDrain("file", cfg)
	d.path = path
	return d
}

// Init validates the configuration and opens the output.
func (d *Drain) Init(_ context.Context) error {
	d.tel.LogInfo("initializing")

	config.NewValidator(d.tel).Validate(d.cfg)

	if d.path != "" {
		file, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}

		d.file = file
		d.out = file
	}

	d.writer = bufio.NewWriterSize(d.out, d.cfg.BufferSize)
	d.bufSizeThreshold = int64(float64(d.cfg.BufferSize) * d.cfg.FlushThresholdPercentage)

	d.metrics.init()

	return nil
}

// Run drains r until the context is done.
// When stopped by the context it flushes the output and returns
// the flush error, otherwise it returns the error that stopped the drain.
func (d *Drain) Run(ctx context.Context, r Reader) error {
	ctx, cancel := context.WithCancel(ctx)

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		d.runTicker(ctx)
	})

	defer func() {
		cancel()
		wg.Wait()
	}()

	var err error
	switch d.cfg.Mode {
	case ModeAsync:
		ar, ok := r.(AsyncReader)
		if !ok {
			return ErrAsyncUnsupported
		}
		err = d.runAsync(ctx, ar)

	default:
		err = d.runBlocking(ctx, r)
	}

	if ctx.Err() != nil {
		return d.flush()
	}

	return err
}

func (d *Drain) runBlocking(ctx context.Context, r Reader) error {
	buf := make([]byte, d.cfg.ReadSize)

	for {
		n, err := r.ReadContext(ctx, buf)
		if err != nil {
			return err
		}

		if err := d.deliver(ctx, buf[:n]); err != nil {
			return err
		}
	}
}

func (d *Drain) runAsync(ctx context.Context, r AsyncReader) error {
	sink := pscull.NewSignalSink()
	if err := r.SetNotify(sink); err != nil {
		return err
	}
	defer r.ClearNotify()

	buf := make([]byte, d.cfg.ReadSize)

	for {
		// The sink is registered before reading, so a write
		// that happens after the last read still signals it
		for {
			n, err := r.TryRead(buf)
			if errors.Is(err, pscull.ErrWouldBlock) {
				break
			}
			if err != nil {
				return err
			}

			if err := d.deliver(ctx, buf[:n]); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case <-sink.C():
			d.metrics.incrementWakeups()
		}
	}
}

func (d *Drain) deliver(ctx context.Context, data []byte) error {
	_, span := d.tel.NewTrace(ctx, "write output")
	defer span.End()

	d.writeMux.Lock()
	defer d.writeMux.Unlock()

	n, err := d.writer.Write(data)
	if err != nil {
		d.tel.LogError("failed to write output", err, "path", d.path)
		d.metrics.incrementWriteErrors()

		return err
	}

	span.SetAttributes(attribute.Int("chunk_size", n))

	d.notFlushedBytes += int64(n)
	d.metrics.addDrainedBytes(int64(n))

	if d.notFlushedBytes >= d.bufSizeThreshold {
		return d.flushLocked()
	}

	return nil
}

func (d *Drain) runTicker(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := d.flush(); err != nil {
				d.tel.LogError("periodic flush failed", err, "path", d.path)
			}
		}
	}
}

func (d *Drain) flush() error {
	d.writeMux.Lock()
	defer d.writeMux.Unlock()

	return d.flushLocked()
}

func (d *Drain) flushLocked() error {
	if d.notFlushedBytes == 0 {
		return nil
	}

	if err := d.writer.Flush(); err != nil {
		d.tel.LogError("failed to flush output", err, "path", d.path)
		d.metrics.incrementFlushErrors()

		return err
	}

	d.notFlushedBytes = 0

	return nil
}

// Close flushes the output and closes the file opened by Init, if any.
func (d *Drain) Close() {
	d.tel.LogInfo("closing")

	if d.writer != nil {
		if err := d.flush(); err != nil {
			d.tel.LogError("failed to flush output on close", err, "path", d.path)
		}
	}

	if d.file == nil {
		return
	}

	if err := d.file.Sync(); err != nil {
		d.tel.LogError("failed to sync file", err, "path", d.path)
	}

	if err := d.file.Close(); err != nil {
		d.tel.LogError("failed to close file", err, "path", d.path)
	}
}
