// Package telemetry sets up OpenTelemetry tracing for plcd.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
)

// Tracing is the installed tracer provider and propagator.
type Tracing struct {
	Provider   trace.TracerProvider
	Propagator propagation.TextMapPropagator
	// Shutdown flushes pending spans and stops the exporter.
	Shutdown func(context.Context) error
}

// Setup builds tracing from cfg and installs it as the otel globals. The W3C
// trace-context and baggage propagators are always installed, so an incoming
// trace id reaches the request log even when no exporter is configured.
// Spans are recorded only with an exporter; stdout spans are written to w.
func Setup(ctx context.Context, cfg config.Config, w io.Writer) (Tracing, error) {
	t := Tracing{
		Propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		Shutdown:   func(context.Context) error { return nil },
	}

	var exporter sdktrace.SpanExporter
	switch cfg.OTelExporter {
	case "", config.OTelExporterNone:
		t.Provider = noop.NewTracerProvider()
	case config.OTelExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return Tracing{}, fmt.Errorf("stdout trace exporter: %w", err)
		}
		exporter = exp
	case config.OTelExporterOTLP:
		var opts []otlptracehttp.Option
		if cfg.OTelEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTelEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return Tracing{}, fmt.Errorf("otlp trace exporter: %w", err)
		}
		exporter = exp
	default:
		return Tracing{}, fmt.Errorf("unknown trace exporter %q", cfg.OTelExporter)
	}

	if exporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.OTelServiceName))),
		)
		t.Provider = tp
		t.Shutdown = tp.Shutdown
	}

	otel.SetTracerProvider(t.Provider)
	otel.SetTextMapPropagator(t.Propagator)
	return t, nil
}
