package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: WHERE THE SPANS GO

  hub -> OpenTelemetry SDK -> Jaeger exporter -> collector

The hub only ever talks to the OpenTelemetry API (middleware.StartSpan);
this file is the one place that knows the backend is Jaeger. Without an
endpoint the global provider stays the no-op one and spans cost nothing.
*/

// InitJaeger installs a tracer provider exporting to jaegerEndpoint and
// returns its shutdown func. An empty endpoint leaves tracing off.
func InitJaeger(serviceName, jaegerEndpoint string) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		log.Println("⚠️  JAEGER_ENDPOINT is empty, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Every op frame is a span; sample them all, hub traffic is low
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)

	// Flushes batched spans; main calls it on shutdown
	return tp.Shutdown, nil
}

// ServiceVersion is reported on every span
const ServiceVersion = "0.3.0"
