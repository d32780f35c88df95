// Package pscull provides a driver that exposes a set of device units,
// each one backed by a blocking circular byte buffer shared by all
// the sessions opened on it.
package pscull

import (
	"context"
	"fmt"
	"sync"

	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the driver configuration.
const (
	DefaultConfigUnits      = 4
	DefaultConfigBufferSize = 8000
)

// Config contains the configuration of the driver.
type Config struct {
	// Units is the number of device units created by the driver.
	//
	// Default: 4
	Units int `yaml:"units"`

	// BufferSize is the capacity of the buffer of each unit.
	// One byte is always kept free, so a unit stores at most BufferSize-1 bytes.
	// A value lower than 2 is rejected by Init.
	//
	// Default: 8000
	BufferSize int `yaml:"buffer_size"`
}

// NewConfig returns the default configuration of the driver.
func NewConfig() *Config {
	return &Config{
		Units:      DefaultConfigUnits,
		BufferSize: DefaultConfigBufferSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotNegative(ac, "Units", &c.Units, DefaultConfigUnits)
	config.CheckNotZero(ac, "Units", &c.Units, DefaultConfigUnits)
}

//////////////
//  DRIVER  //
//////////////

// Driver owns the device units.
// It has to be initialized before opening any unit.
type Driver struct {
	tel *internal.Telemetry

	cfg *Config

	mux         sync.RWMutex
	devices     []*Device
	initialized bool
}

// NewDriver returns a new driver.
// A nil configuration is replaced by the default one.
func NewDriver(cfg *Config) *Driver {
	if cfg == nil {
		cfg = NewConfig()
	}

	return &Driver{
		tel: internal.NewTelemetry("driver", "pscull"),

		cfg: cfg,
	}
}

// Init validates the configuration and creates the device units.
func (d *Driver) Init(_ context.Context) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.initialized {
		return nil
	}

	d.tel.LogInfo("initializing")

	config.NewValidator(d.tel).Validate(d.cfg)

	devices := make([]*Device, 0, d.cfg.Units)
	for idx := range d.cfg.Units {
		dev, err := newDevice(idx, d.cfg.BufferSize)
		if err != nil {
			d.tel.LogError("failed to create device", err, "unit", idx)
			return fmt.Errorf("pscull: unit %d: %w", idx, err)
		}

		devices = append(devices, dev)
	}

	d.devices = devices
	d.initialized = true

	d.tel.LogInfo("initialized", "units", d.cfg.Units, "buffer_size", d.cfg.BufferSize)

	return nil
}

// Units returns the number of device units.
func (d *Driver) Units() int {
	d.mux.RLock()
	defer d.mux.RUnlock()

	return len(d.devices)
}

// Unit returns the device unit with the given index.
func (d *Driver) Unit(idx int) (*Device, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	if !d.initialized {
		return nil, ErrNotInitialized
	}

	if idx < 0 || idx >= len(d.devices) {
		return nil, fmt.Errorf("%w: unit %d", ErrNoDevice, idx)
	}

	return d.devices[idx], nil
}

// Open opens a new session on the device unit with the given index.
func (d *Driver) Open(unit int, flags OpenFlags) (*Session, error) {
	dev, err := d.Unit(unit)
	if err != nil {
		return nil, err
	}

	return dev.Open(flags)
}

// Close closes every open session and removes the device units.
// The driver can be initialized again afterwards.
func (d *Driver) Close() {
	d.mux.Lock()
	defer d.mux.Unlock()

	if !d.initialized {
		return
	}

	d.tel.LogInfo("closing")

	for _, dev := range d.devices {
		dev.close()
	}

	d.devices = nil
	d.initialized = false
}
