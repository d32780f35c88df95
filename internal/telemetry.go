// Package internal contains the telemetry shared by all the components.
package internal

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const scopePrefix = "github.com/FerroO2000/pscull/"

var (
	logLevel = new(slog.LevelVar)

	consoleOnce    sync.Once
	consoleHandler slog.Handler
)

// SetLogLevel sets the minimum level of the console logs.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func getConsoleHandler() slog.Handler {
	consoleOnce.Do(func() {
		consoleHandler = tint.NewHandler(colorable.NewColorableStderr(), &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	})

	return consoleHandler
}

// Telemetry bundles the logger, the tracer and the meter of a component.
type Telemetry struct {
	console *slog.Logger
	otelLog *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter
}

// NewTelemetry returns the telemetry of the component with the given kind and name.
// The tracer and the meter are taken from the global OpenTelemetry providers.
func NewTelemetry(kind, name string) *Telemetry {
	scope := scopePrefix + kind

	attrs := []any{"kind", kind, "name", name}

	return &Telemetry{
		console: slog.New(getConsoleHandler()).With(attrs...),
		otelLog: otelslog.NewLogger(scope).With(attrs...),

		tracer: otel.Tracer(scope),
		meter:  otel.Meter(scope),
	}
}

func (t *Telemetry) log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()

	t.console.Log(ctx, level, msg, args...)
	t.otelLog.Log(ctx, level, msg, args...)
}

// LogDebug logs a debug message.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.log(slog.LevelDebug, msg, args...)
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.log(slog.LevelInfo, msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.log(slog.LevelWarn, msg, args...)
}

// LogError logs an error message.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.log(slog.LevelError, msg, append([]any{tint.Err(err)}, args...)...)
}

// NewTrace starts a new span.
func (t *Telemetry) NewTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// NewCounter registers an observable counter that reads its value from get.
func (t *Telemetry) NewCounter(name string, get func() int64) {
	_, err := t.meter.Int64ObservableCounter(name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(get())
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create counter", err, "counter", name)
	}
}

// NewUpDownCounter registers an observable up/down counter that reads its value from get.
func (t *Telemetry) NewUpDownCounter(name string, get func() int64) {
	_, err := t.meter.Int64ObservableUpDownCounter(name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(get())
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create up/down counter", err, "counter", name)
	}
}

// NewHistogram returns a new histogram.
// If the histogram cannot be created, a no-op one is returned.
func (t *Telemetry) NewHistogram(name, unit string) metric.Int64Histogram {
	hist, err := t.meter.Int64Histogram(name, metric.WithUnit(unit))
	if err != nil || hist == nil {
		t.LogError("failed to create histogram", err, "histogram", name)
		return noop.Int64Histogram{}
	}

	return hist
}
