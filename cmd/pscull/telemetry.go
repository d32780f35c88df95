package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/FerroO2000/pscull/internal"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultTelemetryEndpoint   = "localhost:4317"
	defaultTelemetryTraceRatio = 0.05

	serviceVersion = "0.1.0"
)

type telemetryConfig struct {
	// Endpoint is the gRPC endpoint of the OpenTelemetry collector.
	// An empty endpoint disables the exporters.
	Endpoint string `yaml:"endpoint"`

	// TraceRatio is the sampling ratio of the traces.
	TraceRatio float64 `yaml:"trace_ratio"`
}

func newTelemetryConfig() *telemetryConfig {
	return &telemetryConfig{
		Endpoint:   defaultTelemetryEndpoint,
		TraceRatio: defaultTelemetryTraceRatio,
	}
}

// isCollectorReachable checks if the collector port is reachable.
func isCollectorReachable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// initTelemetry installs the OpenTelemetry providers exporting to the collector.
// When the collector is not reachable it only logs a warning.
// The returned function shuts the providers down.
func initTelemetry(ctx context.Context, tel *internal.Telemetry, cfg *telemetryConfig) (func(), error) {
	noop := func() {}

	if cfg.Endpoint == "" {
		return noop, nil
	}

	if !isCollectorReachable(cfg.Endpoint) {
		tel.LogWarn("OpenTelemetry collector is not reachable", "endpoint", cfg.Endpoint)
		return noop, nil
	}

	grpcTransport := grpc.WithTransportCredentials(insecure.NewCredentials())
	grpcConn, err := grpc.NewClient(cfg.Endpoint, grpcTransport)
	if err != nil {
		return nil, err
	}

	res, err := newResource()
	if err != nil {
		grpcConn.Close()
		return nil, err
	}

	// Trace
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(grpcConn))
	if err != nil {
		grpcConn.Close()
		return nil, err
	}
	tracerProvider := newTracerProvider(res, traceExporter, cfg.TraceRatio)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Meter
	meterExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(grpcConn))
	if err != nil {
		grpcConn.Close()
		return nil, err
	}
	meterProvider := newMeterProvider(res, meterExporter)
	otel.SetMeterProvider(meterProvider)

	// Logs
	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(grpcConn))
	if err != nil {
		grpcConn.Close()
		return nil, err
	}
	loggerProvider := newLoggerProvider(res, logExporter)
	global.SetLoggerProvider(loggerProvider)

	// Runtime
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		tel.LogError("failed to start runtime instrumentation", err)
	}

	tel.LogInfo("telemetry enabled", "endpoint", cfg.Endpoint)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := errors.Join(
			tracerProvider.Shutdown(shutdownCtx),
			meterProvider.Shutdown(shutdownCtx),
			loggerProvider.Shutdown(shutdownCtx),
			grpcConn.Close(),
		)
		if err != nil {
			tel.LogError("failed to shut down telemetry", err)
		}
	}, nil
}

func newResource() (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
}

func newTracerProvider(res *resource.Resource, exporter *otlptrace.Exporter, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}

func newMeterProvider(res *resource.Resource, exporter sdkmetric.Exporter) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Second)),
		),
	)
}

func newLoggerProvider(res *resource.Resource, exporter sdklog.Exporter) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
}
