package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// NoopProviders returns providers that record nothing. Used when no exporter
// endpoint is configured and in tests. The trace context propagator is still
// installed so outgoing message headers stay well formed.
func NoopProviders() Providers {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return Providers{
		Tracer:   tracenoop.NewTracerProvider(),
		Meter:    metricnoop.NewMeterProvider(),
		Shutdown: func(context.Context) {},
	}
}
