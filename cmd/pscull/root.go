package main

import (
	"fmt"
	"log/slog"

	"github.com/FerroO2000/pscull"
	"github.com/FerroO2000/pscull/drain"
	"github.com/FerroO2000/pscull/feed"
	"github.com/FerroO2000/pscull/internal"
	"github.com/FerroO2000/pscull/internal/config"
	"github.com/spf13/cobra"
)

const serviceName = "pscull"

// fileConfig is the layout of the YAML configuration file.
type fileConfig struct {
	Driver    *pscull.Config   `yaml:"driver"`
	Feed      *feed.Config     `yaml:"feed"`
	Drain     *drain.Config    `yaml:"drain"`
	Telemetry *telemetryConfig `yaml:"telemetry"`
}

func newFileConfig() *fileConfig {
	return &fileConfig{
		Driver:    pscull.NewConfig(),
		Feed:      feed.NewConfig(),
		Drain:     drain.NewConfig(),
		Telemetry: newTelemetryConfig(),
	}
}

// options are shared by all the commands.
type options struct {
	configPath   string
	units        int
	bufferSize   int
	logLevel     string
	otelEndpoint string

	cfg *fileConfig
	tel *internal.Telemetry

	shutdownTelemetry func()
}

func newOptions() *options {
	return &options{
		cfg: newFileConfig(),

		shutdownTelemetry: func() {},
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pscull",
		Short: "Move data through blocking circular buffer devices",
		Long: `pscull creates a set of device units, each one backed by a circular
byte buffer with one byte always kept free. Writers sleep while a unit is full,
readers sleep while it is empty.

Configuration can be loaded from a YAML file with --config,
flags override the values of the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path of the YAML configuration file")
	flags.IntVar(&opts.units, "units", pscull.DefaultConfigUnits, "number of device units")
	flags.IntVar(&opts.bufferSize, "buffer-size", pscull.DefaultConfigBufferSize, "buffer capacity of each unit, in bytes")
	flags.StringVar(&opts.logLevel, "log-level", "info", "minimum level of the console logs (debug, info, warn, error)")
	flags.StringVar(&opts.otelEndpoint, "otel-endpoint", defaultTelemetryEndpoint, "OpenTelemetry collector gRPC endpoint, empty to disable")

	cmd.AddCommand(newPipeCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))

	return cmd
}

// setup loads the configuration file, applies the flags
// and starts the telemetry.
func (o *options) setup(cmd *cobra.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("%w: log level %q", pscull.ErrInvalidArgument, o.logLevel)
	}
	internal.SetLogLevel(level)

	if o.configPath != "" {
		if err := config.LoadYAML(o.configPath, o.cfg); err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("units") {
		o.cfg.Driver.Units = o.units
	}
	if flags.Changed("buffer-size") {
		o.cfg.Driver.BufferSize = o.bufferSize
	}
	if flags.Changed("otel-endpoint") || o.configPath == "" {
		o.cfg.Telemetry.Endpoint = o.otelEndpoint
	}

	o.tel = internal.NewTelemetry("cli", serviceName)

	shutdown, err := initTelemetry(cmd.Context(), o.tel, o.cfg.Telemetry)
	if err != nil {
		return err
	}
	o.shutdownTelemetry = shutdown

	return nil
}

// openDriver initializes a driver and opens a writer and a reader session on unit.
func (o *options) openDriver(cmd *cobra.Command, unit int, readerFlags pscull.OpenFlags) (*pscull.Driver, *pscull.Session, *pscull.Session, error) {
	drv := pscull.NewDriver(o.cfg.Driver)
	if err := drv.Init(cmd.Context()); err != nil {
		return nil, nil, nil, err
	}

	writer, err := drv.Open(unit, pscull.WriteOnly)
	if err != nil {
		drv.Close()
		return nil, nil, nil, err
	}

	reader, err := drv.Open(unit, readerFlags)
	if err != nil {
		drv.Close()
		return nil, nil, nil, err
	}

	return drv, writer, reader, nil
}

// logStats logs the final counters of the unit.
func (o *options) logStats(drv *pscull.Driver, unit int) {
	dev, err := drv.Unit(unit)
	if err != nil {
		return
	}

	stats := dev.Stats()
	o.tel.LogInfo("device stats",
		"unit", unit,
		"bytes_written", stats.BytesWritten,
		"bytes_read", stats.BytesRead,
		"unread", stats.Unread,
		"would_block", stats.WouldBlock,
		"interrupted", stats.Interrupted,
		"notifications", stats.Notifications,
	)
}
