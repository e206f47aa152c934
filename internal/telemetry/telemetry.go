// Package telemetry wires OpenTelemetry tracing and metrics the way the
// rest of the Granite stack does: best-effort OTLP export, never blocking
// a run on a collector that isn't reachable.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

func endpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// Returns a shutdown func; on exporter dial failure it returns a no-op
// shutdown rather than failing the install.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint()),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel tracer init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := sdkresource.New(ctx, sdkresource.WithAttributes(attribute.String("service.name", service)))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// InitMetrics configures a global meter provider with an OTLP gRPC
// exporter and returns the shared counters/histograms the engine and
// installer record against.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Instruments) {
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint()),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	res, _ := sdkresource.New(ctx, sdkresource.WithAttributes(attribute.String("service.name", service)))
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, newInstruments()
}

// Instruments holds the counters/histograms the engine and installer record.
type Instruments struct {
	TaskDuration   metric.Float64Histogram
	TaskRetries    metric.Int64Counter
	TaskFailures   metric.Int64Counter
	Parallelism    metric.Int64Gauge
	BytesDownload  metric.Int64Counter
	CircuitOpens   metric.Int64Counter
	RateLimitWaits metric.Int64Counter
}

func newInstruments() Instruments {
	meter := otel.Meter("granite-installer")
	dur, _ := meter.Float64Histogram("granite_task_duration_ms")
	retries, _ := meter.Int64Counter("granite_task_retries_total")
	failures, _ := meter.Int64Counter("granite_task_failures_total")
	parallelism, _ := meter.Int64Gauge("granite_task_parallelism")
	bytesDownload, _ := meter.Int64Counter("granite_bytes_downloaded_total")
	circuitOpens, _ := meter.Int64Counter("granite_circuit_open_total")
	rateLimitWaits, _ := meter.Int64Counter("granite_rate_limit_waits_total")
	return Instruments{
		TaskDuration:   dur,
		TaskRetries:    retries,
		TaskFailures:   failures,
		Parallelism:    parallelism,
		BytesDownload:  bytesDownload,
		CircuitOpens:   circuitOpens,
		RateLimitWaits: rateLimitWaits,
	}
}

// WithSpan starts a span and returns the derived context and an end func,
// mirroring the teacher's otelinit.WithSpan helper.
func WithSpan(ctx context.Context, tracerName, spanName string) (context.Context, func()) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, spanName)
	return ctx, func() { span.End() }
}

// Flush runs shutdown with a bounded timeout, matching the teacher's Flush.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
