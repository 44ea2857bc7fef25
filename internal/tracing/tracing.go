// Package tracing configures OpenTelemetry for a scabbard node.
//
// Spans are always created through the global provider; when tracing is
// disabled that provider is the no-op default, so instrumented code does not
// branch on configuration.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/roach88/scabbard"

// Setup installs a global tracer provider exporting to stdout when enable is
// true. It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
	return SetupWriter(enable, os.Stdout)
}

// SetupWriter is Setup with the exporter writing to w.
func SetupWriter(enable bool, w io.Writer) (func(context.Context) error, error) {
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the scabbard tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name on the scabbard tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}
