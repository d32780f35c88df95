package drain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mux sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mux.Lock()
	defer lb.mux.Unlock()

	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mux.Lock()
	defer lb.mux.Unlock()

	return lb.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write(_ []byte) (int, error) {
	return 0, syscall.EPIPE
}

type plainReader struct{}

func (plainReader) ReadContext(ctx context.Context, _ []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestSessions(t *testing.T, bufferSize int) (writer, reader *pscull.Session) {
	t.Helper()

	drv := pscull.NewDriver(&pscull.Config{Units: 1, BufferSize: bufferSize})
	require.NoError(t, drv.Init(t.Context()))
	t.Cleanup(drv.Close)

	writer, err := drv.Open(0, pscull.WriteOnly)
	require.NoError(t, err)

	reader, err = drv.Open(0, pscull.ReadOnly)
	require.NoError(t, err)

	return writer, reader
}

func newTestConfig(mode Mode) *Config {
	cfg := NewConfig()
	cfg.Mode = mode
	cfg.ReadSize = 5
	cfg.FlushDeadline = 10 * time.Millisecond
	return cfg
}

// runDrain runs the drain in a goroutine, the returned function
// stops it and returns the result of Run.
func runDrain(t *testing.T, d *Drain, r Reader) func() error {
	t.Helper()

	require.NoError(t, d.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx, r)
	}()

	return func() error {
		cancel()
		err := <-errCh
		d.Close()
		return err
	}
}

func Test_Config(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{
		Mode:                     "polling",
		ReadSize:                 -1,
		FlushThresholdPercentage: 1.5,
	}

	count := config.NewValidator(internal.NewTelemetry("drain", "test")).Validate(cfg)

	assert.Equal(ModeBlocking, cfg.Mode)
	assert.Equal(DefaultConfigReadSize, cfg.ReadSize)
	assert.Equal(DefaultConfigBufferSize, cfg.BufferSize)
	assert.Equal(1.0, cfg.FlushThresholdPercentage)
	assert.Equal(DefaultConfigFlushDeadline, cfg.FlushDeadline)
	assert.Equal(5, count)
}

func Test_DrainBlocking(t *testing.T) {
	assert := assert.New(t)

	writer, reader := newTestSessions(t, 8)

	out := &lockedBuffer{}
	d := New(out, newTestConfig(ModeBlocking))
	stop := runDrain(t, d, reader)

	payload := bytes.Repeat([]byte("blocking drain\n"), 20)
	n, err := writer.Write(payload)
	assert.NoError(err)
	assert.Equal(len(payload), n)

	// The deadline flushes the tail that does not reach the threshold
	assert.Eventually(func() bool {
		return out.String() == string(payload)
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(stop())
	assert.Equal(int64(len(payload)), d.metrics.drainedBytes.Load())
}

func Test_DrainAsync(t *testing.T) {
	assert := assert.New(t)

	writer, reader := newTestSessions(t, 8)

	out := &lockedBuffer{}
	d := New(out, newTestConfig(ModeAsync))
	stop := runDrain(t, d, reader)

	payload := bytes.Repeat([]byte("async drain\n"), 20)
	n, err := writer.Write(payload)
	assert.NoError(err)
	assert.Equal(len(payload), n)

	assert.Eventually(func() bool {
		return out.String() == string(payload)
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(stop())
	assert.Positive(d.metrics.wakeups.Load())
}

func Test_DrainAsyncUnsupported(t *testing.T) {
	assert := assert.New(t)

	d := New(&lockedBuffer{}, newTestConfig(ModeAsync))
	assert.NoError(d.Init(t.Context()))
	defer d.Close()

	assert.ErrorIs(d.Run(t.Context(), plainReader{}), ErrAsyncUnsupported)
}

func Test_DrainClosedSession(t *testing.T) {
	assert := assert.New(t)

	_, reader := newTestSessions(t, 8)

	d := New(&lockedBuffer{}, newTestConfig(ModeBlocking))
	assert.NoError(d.Init(t.Context()))
	defer d.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(t.Context(), reader)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(reader.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(err, pscull.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("drain did not stop")
	}
}

func Test_DrainFile(t *testing.T) {
	assert := assert.New(t)

	writer, reader := newTestSessions(t, 16)

	path := filepath.Join(t.TempDir(), "out.log")
	assert.NoError(os.WriteFile(path, []byte("header\n"), 0o644))

	cfg := newTestConfig(ModeBlocking)
	cfg.FlushDeadline = time.Hour

	d := NewFile(path, cfg)
	stop := runDrain(t, d, reader)

	payload := []byte("appended line\n")
	_, err := writer.Write(payload)
	assert.NoError(err)

	assert.Eventually(func() bool {
		return d.metrics.drainedBytes.Load() == int64(len(payload))
	}, 2*time.Second, 10*time.Millisecond)

	// Below the threshold, so only the final flush writes it
	assert.NoError(stop())

	content, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Equal("header\nappended line\n", string(content))
}

func Test_DrainFinalFlushError(t *testing.T) {
	assert := assert.New(t)

	writer, reader := newTestSessions(t, 16)

	cfg := newTestConfig(ModeBlocking)
	cfg.FlushDeadline = time.Hour

	d := New(failingWriter{}, cfg)
	stop := runDrain(t, d, reader)

	_, err := writer.Write([]byte("lost"))
	assert.NoError(err)

	assert.Eventually(func() bool {
		return d.metrics.drainedBytes.Load() == 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(stop(), syscall.EPIPE)
	assert.NotZero(d.metrics.flushErrors.Load())
}
