package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every vpsd span.
const TracerName = "nathanbeddoewebdev/vpsd"

// SetupTracing installs the global tracer provider. exporter is "none"
// (spans are created but dropped) or "stdout". The returned function
// flushes and shuts the provider down.
func SetupTracing(exporter string, out io.Writer) (func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption

	switch exporter {
	case "", "none":
	case "stdout":
		if out == nil {
			out = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("telemetry: unsupported trace exporter %q", exporter)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the vpsd tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
