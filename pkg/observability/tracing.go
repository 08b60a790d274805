// Package observability wires OpenTelemetry tracing for the engine.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/revlens/syncengine/pkg/errors"
)

// TracerName is the instrumentation scope for engine spans.
const TracerName = "github.com/revlens/syncengine"

// InitTracing installs a trace provider with a stdout exporter and
// returns a shutdown function. Suitable for development and CI; a
// production deployment swaps the exporter via OTEL_* environment
// configuration at the collector.
func InitTracing(ctx context.Context, sampleRatio float64) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the engine tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
