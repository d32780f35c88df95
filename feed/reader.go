package feed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/FerroO2000/pscull/internal"
	"go.opentelemetry.io/otel/attribute"
)

// chunk is a piece of a file waiting to be written to the device.
type chunk struct {
	path   string
	offset int64
	data   []byte
}

type readerConfig struct {
	path            string
	chunkSize       int
	checkChunkDelim bool
	chunkDelim      byte
	maxChunkSize    int
	forceReRead     bool
	closeDebounce   time.Duration
}

type readerState uint8

const (
	readerStateIdle readerState = iota
	readerStateStarted
	readerStatePaused
	readerStateClosed
)

// fileReader reads a single file in chunks.
// After EOF it pauses, waiting for a new write on the file,
// and closes the file when nothing happens for closeDebounce.
type fileReader struct {
	tel *internal.Telemetry

	cfg *readerConfig

	chunks  chan<- *chunk
	metrics *feedMetrics

	mux    sync.Mutex
	state  readerState
	offset int64
	cancel context.CancelFunc
	done   chan struct{}

	// wakeCh is written while holding mux
	wakeCh chan struct{}
}

func newFileReader(tel *internal.Telemetry, chunks chan<- *chunk, metrics *feedMetrics, cfg *readerConfig) *fileReader {
	return &fileReader{
		tel: tel,

		cfg: cfg,

		chunks:  chunks,
		metrics: metrics,

		state: readerStateIdle,

		wakeCh: make(chan struct{}, 1),
	}
}

// start spawns the reader goroutine if the reader is idle or closed,
// otherwise it wakes the goroutine up so that it reads the new data.
func (fr *fileReader) start(ctx context.Context) {
	fr.mux.Lock()
	defer fr.mux.Unlock()

	switch fr.state {
	case readerStateIdle, readerStateClosed:
		readCtx, cancel := context.WithCancel(ctx)
		fr.cancel = cancel
		fr.done = make(chan struct{})
		fr.state = readerStateStarted

		fr.metrics.incrementActiveReaders()

		go fr.run(readCtx, cancel, fr.done)

	case readerStateStarted, readerStatePaused:
		select {
		case fr.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (fr *fileReader) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer fr.finish(cancel, done)

	file, err := os.Open(fr.cfg.path)
	if err != nil {
		fr.tel.LogError("failed to open file", err, "path", fr.cfg.path)
		return
	}
	defer file.Close()

	fr.mux.Lock()
	if fr.cfg.forceReRead {
		fr.offset = 0
	}
	offset := fr.offset
	fr.mux.Unlock()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			fr.tel.LogError("failed to seek file", err, "path", fr.cfg.path)
			return
		}
	}

	fr.tel.LogInfo("reading file", "path", fr.cfg.path, "offset", offset)

	reader := bufio.NewReaderSize(file, fr.cfg.chunkSize)

	for {
		if ctx.Err() != nil {
			return
		}

		data, err := fr.readChunk(ctx, reader)
		if len(data) > 0 {
			if !fr.send(ctx, data) {
				return
			}
		}

		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) {
			fr.tel.LogError("failed to read file", err, "path", fr.cfg.path)
			return
		}

		if fr.pause(ctx) {
			return
		}
	}
}

// readChunk reads up to chunkSize bytes. When the delimiter check is enabled,
// the chunk is grown until the delimiter, EOF or maxChunkSize is reached.
func (fr *fileReader) readChunk(ctx context.Context, reader *bufio.Reader) ([]byte, error) {
	buf := make([]byte, fr.cfg.chunkSize)

	n, err := reader.Read(buf)
	if n == 0 {
		return nil, err
	}
	data := buf[:n]

	if !fr.cfg.checkChunkDelim || data[n-1] == fr.cfg.chunkDelim {
		return data, err
	}

	_, span := fr.tel.NewTrace(ctx, "grow file chunk")
	defer span.End()

	delimFound := false
	for len(data) < fr.cfg.maxChunkSize {
		b, err := reader.ReadByte()
		if err != nil {
			break
		}

		data = append(data, b)

		if b == fr.cfg.chunkDelim {
			delimFound = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("chunk_size", len(data)),
		attribute.Bool("delimiter_found", delimFound),
	)

	if !delimFound {
		fr.tel.LogWarn("delimiter not found in chunk", "path", fr.cfg.path, "chunk_size", len(data))
	}

	return data, nil
}

// send queues the chunk and advances the offset.
// It returns false if the context is done.
func (fr *fileReader) send(ctx context.Context, data []byte) bool {
	fr.mux.Lock()
	c := &chunk{path: fr.cfg.path, offset: fr.offset, data: data}
	fr.offset += int64(len(data))
	fr.mux.Unlock()

	fr.metrics.addReadBytes(int64(len(data)))

	select {
	case fr.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// pause waits for a wake-up after EOF and returns whether the reader should stop.
func (fr *fileReader) pause(ctx context.Context) bool {
	fr.mux.Lock()
	fr.state = readerStatePaused
	fr.mux.Unlock()

	timer := time.NewTimer(fr.cfg.closeDebounce)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true

	case <-fr.wakeCh:

	case <-timer.C:
		// A wake-up sent right before the timeout must not be lost
		fr.mux.Lock()
		defer fr.mux.Unlock()

		select {
		case <-fr.wakeCh:
			fr.state = readerStateStarted
			return false
		default:
		}

		// From now on start spawns a new goroutine
		fr.state = readerStateClosed
		return true
	}

	fr.mux.Lock()
	fr.state = readerStateStarted
	fr.mux.Unlock()

	return false
}

func (fr *fileReader) finish(cancel context.CancelFunc, done chan struct{}) {
	cancel()

	fr.mux.Lock()
	defer fr.mux.Unlock()

	// The reader may have been restarted in the meantime
	if fr.done == done {
		fr.state = readerStateClosed
	}

	fr.metrics.decrementActiveReaders()

	fr.tel.LogInfo("file closed", "path", fr.cfg.path)
}

// close stops the reader goroutine and waits for it to exit.
func (fr *fileReader) close() {
	fr.mux.Lock()
	cancel := fr.cancel
	done := fr.done
	fr.mux.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
