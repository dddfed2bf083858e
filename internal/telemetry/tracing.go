// Package telemetry sets up OpenTelemetry tracing. Spans are started by the
// worker loop and the HTTP API; trace context rides along in Pub/Sub
// message attributes.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitTracerProvider installs a global tracer provider and the W3C
// propagators. Extra span processors (an exporter's batcher, or a test
// recorder) are attached as given. Call Shutdown on the result at exit.
func InitTracerProvider(ctx context.Context, serviceName string, processors ...sdktrace.SpanProcessor) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// InitOTLP exports spans over OTLP/HTTP. The endpoint and headers come from
// the standard OTEL_EXPORTER_OTLP_* environment variables.
func InitOTLP(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}
	return InitTracerProvider(ctx, serviceName, sdktrace.NewBatchSpanProcessor(exporter))
}
