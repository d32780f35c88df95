// Package feed writes the contents of the files found in a set of watched
// directories into a device unit.
package feed

import (
	"time"

	"github.com/FerroO2000/pscull/internal/config"
)

// Default values for the feed configuration.
const (
	DefaultConfigChunkSize       = 4096
	DefaultConfigCheckChunkDelim = false
	DefaultConfigChunkDelim      = '\n'
	DefaultConfigMaxChunkSize    = 32 * 1024
	DefaultConfigForceReRead     = false
	DefaultConfigCloseDebounce   = time.Second
	DefaultConfigQueueSize       = 512
)

// DefaultConfigWatchedDirs is the default list of directories to watch.
var DefaultConfigWatchedDirs = []string{"."}

// Config contains the configuration of the file feed.
type Config struct {
	// WatchedDirs contains the list of directories to watch.
	WatchedDirs []string `yaml:"watched_dirs"`

	// ChunkSize is the size of the chunks read from a file.
	// Every chunk is written to the device without being interleaved
	// with the chunks of other files.
	ChunkSize int `yaml:"chunk_size"`

	// CheckChunkDelim states whether to grow a chunk until ChunkDelim
	// (or EOF) is found, so that records are never split between chunks.
	CheckChunkDelim bool `yaml:"check_chunk_delim"`

	// ChunkDelim is the delimiter byte used to grow the chunks.
	ChunkDelim byte `yaml:"chunk_delim"`

	// MaxChunkSize bounds the size of a grown chunk.
	MaxChunkSize int `yaml:"max_chunk_size"`

	// ForceReRead states whether a file is read again from the start when its reader
	// is re-opened. If false, the reader resumes from the last read offset.
	ForceReRead bool `yaml:"force_re_read"`

	// CloseDebounce is the idle time after EOF before the file is closed.
	CloseDebounce time.Duration `yaml:"close_debounce"`

	// QueueSize is the number of chunks that can wait to be written to the device.
	QueueSize int `yaml:"queue_size"`
}

// NewConfig returns the default configuration of the file feed.
func NewConfig() *Config {
	return &Config{
		WatchedDirs:     DefaultConfigWatchedDirs,
		ChunkSize:       DefaultConfigChunkSize,
		CheckChunkDelim: DefaultConfigCheckChunkDelim,
		ChunkDelim:      DefaultConfigChunkDelim,
		MaxChunkSize:    DefaultConfigMaxChunkSize,
		ForceReRead:     DefaultConfigForceReRead,
		CloseDebounce:   DefaultConfigCloseDebounce,
		QueueSize:       DefaultConfigQueueSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "WatchedDirs", &c.WatchedDirs, DefaultConfigWatchedDirs)

	config.CheckNotNegative(ac, "ChunkSize", &c.ChunkSize, DefaultConfigChunkSize)
	config.CheckNotZero(ac, "ChunkSize", &c.ChunkSize, DefaultConfigChunkSize)

	config.CheckNotNegative(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultConfigMaxChunkSize)
	config.CheckNotZero(ac, "MaxChunkSize", &c.MaxChunkSize, DefaultConfigMaxChunkSize)
	config.CheckNotLowerThan(ac, "MaxChunkSize", "ChunkSize", &c.MaxChunkSize, c.ChunkSize)

	config.CheckNotNegative(ac, "CloseDebounce", &c.CloseDebounce, DefaultConfigCloseDebounce)

	config.CheckNotNegative(ac, "QueueSize", &c.QueueSize, DefaultConfigQueueSize)
}

func (c *Config) toReaderConfig(path string) *readerConfig {
	return &readerConfig{
		path:            path,
		chunkSize:       c.ChunkSize,
		checkChunkDelim: c.CheckChunkDelim,
		chunkDelim:      c.ChunkDelim,
		maxChunkSize:    c.MaxChunkSize,
		forceReRead:     c.ForceReRead,
		closeDebounce:   c.CloseDebounce,
	}
}
