// Package observability wires up the OpenTelemetry SDK (traces, metrics,
// bridged slog logs) plus the runtime-specific meter instruments the worker
// uses to publish the in-flight count, claim/complete/fail/dead-letter
// counts, and the current poll interval.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is used when the flow kind is not yet known.
const DefaultServiceName = "queue-worker"

// Config holds observability configuration.
type Config struct {
	Enabled     bool
	ServiceName string // conventionally "<flow_kind>-worker"
}

// newResource creates a resource with service metadata merged with SDK
// defaults, tolerating the partial-resource errors resource.Merge can
// return (they're non-fatal; the resource is still usable).
func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// InitTracerProvider initializes an OTLP-over-gRPC tracer provider, or a
// no-op one when disabled.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp, nil
}

// InitMeterProvider initializes an OTLP-over-gRPC meter provider, or a
// no-op one when disabled.
func InitMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(context.Background(), otlpmetricgrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// InitLogger initializes an OTLP log provider and returns a slog.Logger
// bridged to it, or a stdout JSON logger when disabled.
func InitLogger(ctx context.Context, cfg Config) (*log.LoggerProvider, *slog.Logger, error) {
	if !cfg.Enabled {
		return log.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlploggrpc.New(context.Background(), otlploggrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	lp := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter, log.WithExportTimeout(5*time.Second))),
		log.WithResource(res),
	)
	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	return lp, logger, nil
}

// RuntimeInstruments are the meter instruments the worker runtime publishes
// on every poll cycle and handler outcome.
type RuntimeInstruments struct {
	FlowKind        string
	InFlight        metric.Int64UpDownCounter
	ClaimedTotal    metric.Int64Counter
	CompletedTotal  metric.Int64Counter
	FailedTotal     metric.Int64Counter
	DeadLetterTotal metric.Int64Counter
	PollIntervalMS  metric.Int64Gauge
}

// NewRuntimeInstruments creates the worker runtime's meter instruments off
// the global meter provider set by InitMeterProvider.
func NewRuntimeInstruments(flowKind string) (*RuntimeInstruments, error) {
	meter := otel.Meter("github.com/rezkam/taskqueue/worker")

	inFlight, err := meter.Int64UpDownCounter("queue.worker.in_flight",
		metric.WithDescription("records currently dispatched to a handler"))
	if err != nil {
		return nil, err
	}
	claimed, err := meter.Int64Counter("queue.worker.claimed_total")
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("queue.worker.completed_total")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("queue.worker.failed_total")
	if err != nil {
		return nil, err
	}
	dead, err := meter.Int64Counter("queue.worker.dead_lettered_total")
	if err != nil {
		return nil, err
	}
	pollInterval, err := meter.Int64Gauge("queue.worker.poll_interval_ms")
	if err != nil {
		return nil, err
	}

	return &RuntimeInstruments{
		FlowKind:        flowKind,
		InFlight:        inFlight,
		ClaimedTotal:    claimed,
		CompletedTotal:  completed,
		FailedTotal:     failed,
		DeadLetterTotal: dead,
		PollIntervalMS:  pollInterval,
	}, nil
}
