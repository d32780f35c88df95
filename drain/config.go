// Package drain copies the data of a device unit into a buffered output.
package drain

import (
	"time"

	"github.com/FerroO2000/pscull/internal/config"
)

// Mode is the way the drain waits for data.
type Mode string

const (
	// ModeBlocking sleeps inside the device read.
	ModeBlocking Mode = "blocking"
	// ModeAsync registers for the device notifications and reads without blocking
	// every time it is signaled.
	ModeAsync Mode = "async"
)

// Default values for the drain configuration.
const (
	DefaultConfigMode                     = ModeBlocking
	DefaultConfigReadSize                 = 4096
	DefaultConfigBufferSize               = 4096
	DefaultConfigFlushThresholdPercentage = 0.75
	DefaultConfigFlushDeadline            = time.Second
)

// Config contains the configuration of the drain.
type Config struct {
	// Mode is the way the drain waits for data.
	//
	// Default: blocking
	Mode Mode `yaml:"mode"`

	// ReadSize is the size of the buffer passed to every device read.
	//
	// Default: 4096
	ReadSize int `yaml:"read_size"`

	// BufferSize is the size of the output buffer.
	//
	// Default: 4096
	BufferSize int `yaml:"buffer_size"`

	// FlushThresholdPercentage is the percentage of the buffer size that triggers a flush.
	//
	// Default: 0.75
	FlushThresholdPercentage float64 `yaml:"flush_threshold_percentage"`

	// FlushDeadline is the maximum time to wait before flushing the buffer.
	//
	// Default: 1s
	FlushDeadline time.Duration `yaml:"flush_deadline"`
}

// NewConfig returns the default configuration of the drain.
func NewConfig() *Config {
	return &Config{
		Mode:                     DefaultConfigMode,
		ReadSize:                 DefaultConfigReadSize,
		BufferSize:               DefaultConfigBufferSize,
		FlushThresholdPercentage: DefaultConfigFlushThresholdPercentage,
		FlushDeadline:            DefaultConfigFlushDeadline,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckOneOf(ac, "Mode", &c.Mode, DefaultConfigMode, ModeBlocking, ModeAsync)

	config.CheckNotNegative(ac, "ReadSize", &c.ReadSize, DefaultConfigReadSize)
	config.CheckNotZero(ac, "ReadSize", &c.ReadSize, DefaultConfigReadSize)

	config.CheckNotNegative(ac, "BufferSize", &c.BufferSize, DefaultConfigBufferSize)
	config.CheckNotZero(ac, "BufferSize", &c.BufferSize, DefaultConfigBufferSize)

	config.CheckNotNegative(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, DefaultConfigFlushThresholdPercentage)
	config.CheckNotZero(ac, "FlushThresholdPercentage", &c.FlushThresholdPercentage, DefaultConfigFlushThresholdPercentage)
	config.CheckNotGreaterThan(ac, "FlushThresholdPercentage", "1", &c.FlushThresholdPercentage, 1)

	config.CheckNotNegative(ac, "FlushDeadline", &c.FlushDeadline, DefaultConfigFlushDeadline)
	config.CheckNotZero(ac, "FlushDeadline", &c.FlushDeadline, DefaultConfigFlushDeadline)
}
