package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/config"
	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
)

// Writer is the device side of a feed. It is implemented by *pscull.Session.
type Writer interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// readinessWaiter is implemented by the writers that can sleep
// until they become writable, like a non-blocking *pscull.Session.
type readinessWaiter interface {
	WaitReady(ctx context.Context, want pscull.Readiness) (pscull.Readiness, error)
}

///////////////
//  METRICS  //
///////////////

type feedMetrics struct {
	tel *internal.Telemetry

	readers       atomic.Int64
	activeReaders atomic.Int64
	readBytes     atomic.Int64
	writtenBytes  atomic.Int64
	writeErrors   atomic.Int64
}

func newFeedMetrics(tel *internal.Telemetry) *feedMetrics {
	return &feedMetrics{
		tel: tel,
	}
}

func (fm *feedMetrics) init() {
	fm.tel.NewUpDownCounter("readers", func() int64 { return fm.readers.Load() })
	fm.tel.NewUpDownCounter("active_readers", func() int64 { return fm.activeReaders.Load() })
	fm.tel.NewCounter("read_bytes", func() int64 { return fm.readBytes.Load() })
	fm.tel.NewCounter("written_bytes", func() int64 { return fm.writtenBytes.Load() })
	fm.tel.NewCounter("write_errors", func() int64 { return fm.writeErrors.Load() })
}

func (fm *feedMetrics) incrementReaders() {
	fm.readers.Add(1)
}

func (fm *feedMetrics) decrementReaders() {
	fm.readers.Add(-1)
}

func (fm *feedMetrics) incrementActiveReaders() {
	fm.activeReaders.Add(1)
}

func (fm *feedMetrics) decrementActiveReaders() {
	fm.activeReaders.Add(-1)
}

func (fm *feedMetrics) addReadBytes(amount int64) {
	fm.readBytes.Add(amount)
}

func (fm *feedMetrics) addWrittenBytes(amount int64) {
	fm.writtenBytes.Add(amount)
}

func (fm *feedMetrics) incrementWriteErrors() {
	fm.writeErrors.Add(1)
}

////////////
//  FEED  //
////////////

// FileFeed watches a list of directories and writes the contents
// of their files into a device. The files already present are read first,
// then every file is read again from its last offset when it is written.
//
// Each file is read by its own goroutine, the chunks are funneled
// into a single goroutine that writes them to the device one at a time,
// so that chunks of different files are never interleaved.
type FileFeed struct {
	tel *internal.Telemetry

	cfg *Config

	watcher *fsnotify.Watcher

	chunks chan *chunk

	readersMux sync.Mutex
	readers    map[string]*fileReader

	metrics *feedMetrics
}

// NewFileFeed returns a new file feed.
func NewFileFeed(cfg *Config) *FileFeed {
	if cfg == nil {
		cfg = NewConfig()
	}

	tel := internal.NewTelemetry("feed", "file")

	return &FileFeed{
		tel: tel,

		cfg: cfg,

		readers: make(map[string]*fileReader),

		metrics: newFeedMetrics(tel),
	}
}

// Init validates the configuration and starts watching the directories.
func (ff *FileFeed) Init(_ context.Context) error {
	ff.tel.LogInfo("initializing")

	config.NewValidator(ff.tel).Validate(ff.cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, dirPath := range ff.cfg.WatchedDirs {
		if err := watcher.Add(dirPath); err != nil {
			watcher.Close()
			return err
		}
	}

	ff.watcher = watcher
	ff.chunks = make(chan *chunk, ff.cfg.QueueSize)

	ff.metrics.init()

	return nil
}

// Run feeds the files into w until the context is done
// or the watcher is closed.
func (ff *FileFeed) Run(ctx context.Context, w Writer) {
	ctx, cancel := context.WithCancel(ctx)

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		ff.runBridge(ctx, w)
	})

	defer func() {
		cancel()
		wg.Wait()
	}()

	// The watcher does not fire events for the files already present
	ff.readExistingFiles(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-ff.watcher.Events:
			if !ok {
				return
			}

			ff.handleEvent(ctx, event)

		case err, ok := <-ff.watcher.Errors:
			if !ok {
				return
			}

			ff.tel.LogError("watcher error", err)
		}
	}
}

// Close stops every reader and the watcher.
func (ff *FileFeed) Close() {
	ff.tel.LogInfo("closing")

	ff.readersMux.Lock()
	readers := ff.readers
	ff.readers = make(map[string]*fileReader)
	ff.readersMux.Unlock()

	for _, reader := range readers {
		reader.close()
		ff.metrics.decrementReaders()
	}

	if ff.watcher != nil {
		if err := ff.watcher.Close(); err != nil {
			ff.tel.LogError("failed to close watcher", err)
		}
	}
}

func (ff *FileFeed) readExistingFiles(ctx context.Context) {
	for _, dirPath := range ff.cfg.WatchedDirs {
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			ff.tel.LogError("failed to read directory", err, "path", dirPath)
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}

			ff.startReader(ctx, filepath.Join(dirPath, entry.Name()))
		}
	}
}

// startReader starts the reader of the file, creating it if needed.
func (ff *FileFeed) startReader(ctx context.Context, path string) {
	ff.readersMux.Lock()
	defer ff.readersMux.Unlock()

	reader, ok := ff.readers[path]
	if !ok {
		reader = newFileReader(ff.tel, ff.chunks, ff.metrics, ff.cfg.toReaderConfig(path))
		ff.readers[path] = reader

		ff.metrics.incrementReaders()
	}

	reader.start(ctx)
}

func (ff *FileFeed) removeReader(path string) {
	ff.readersMux.Lock()
	reader, ok := ff.readers[path]
	delete(ff.readers, path)
	ff.readersMux.Unlock()

	if !ok {
		return
	}

	reader.close()
	ff.metrics.decrementReaders()
}

func (ff *FileFeed) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		ff.removeReader(path)

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return
		}

		ff.startReader(ctx, path)
	}
}

//////////////
//  BRIDGE  //
//////////////

func (ff *FileFeed) runBridge(ctx context.Context, w Writer) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-ff.chunks:
			if err := ff.writeChunk(ctx, w, c); err != nil {
				if ctx.Err() != nil {
					return
				}

				ff.metrics.incrementWriteErrors()
				ff.tel.LogError("failed to write chunk", err, "path", c.path, "offset", c.offset)

				// A closed device cannot accept any other chunk
				if errors.Is(err, pscull.ErrClosed) {
					return
				}
			}
		}
	}
}

// writeChunk writes the whole chunk, issuing a new device write
// after every partial one.
func (ff *FileFeed) writeChunk(ctx context.Context, w Writer, c *chunk) error {
	ctx, span := ff.tel.NewTrace(ctx, "write chunk")
	defer span.End()

	written := 0
	for written < len(c.data) {
		n, err := w.WriteContext(ctx, c.data[written:])
		written += n

		if err == nil {
			continue
		}

		waiter, ok := w.(readinessWaiter)
		if !errors.Is(err, pscull.ErrWouldBlock) || !ok {
			return err
		}

		if _, err := waiter.WaitReady(ctx, pscull.Writable); err != nil {
			return err
		}
	}

	ff.metrics.addWrittenBytes(int64(written))

	span.SetAttributes(
		attribute.String("path", c.path),
		attribute.Int64("offset", c.offset),
		attribute.Int("chunk_size", written),
	)

	return nil
}
