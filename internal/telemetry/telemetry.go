// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config selects the span exporter. Endpoint wins over File; with neither,
// spans are recorded for context propagation but not exported.
type Config struct {
	Endpoint string
	File     string
}

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

func newFileExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
}

// newCollectorExporter sends spans to an OTLP/HTTP collector such as
// "localhost:4318" or "http://otel:4318".
func newCollectorExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{}
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	default:
		endpoint = strings.TrimPrefix(endpoint, "http://")
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	opts = append(opts, otlptracehttp.WithEndpoint(strings.TrimSuffix(endpoint, "/")))
	return otlptracehttp.New(ctx, opts...)
}

func newResource(service, version string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	)
}

// NewProvider creates a tracer provider and sets it as the global one, along
// with the W3C trace context propagator. The returned func tears it down.
func NewProvider(ctx context.Context, service, version string, cfg Config) (*sdktrace.TracerProvider, Shutdown, error) {
	var (
		exp  sdktrace.SpanExporter
		file *os.File
		err  error
	)
	switch {
	case cfg.Endpoint != "":
		exp, err = newCollectorExporter(ctx, cfg.Endpoint)
		slog.Info("exporting traces", "endpoint", cfg.Endpoint)
	case cfg.File != "":
		file, err = os.Create(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("creating trace file: %w", err)
		}
		exp, err = newFileExporter(file)
		slog.Info("writing traces to file", "path", cfg.File)
	}
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, nil, fmt.Errorf("creating span exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(newResource(service, version))}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			err = errors.Join(err, file.Close())
		}
		return err
	}, nil
}
