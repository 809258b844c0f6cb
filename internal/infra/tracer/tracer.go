// Package tracer configures OpenTelemetry and wraps the span calls the rest
// of the service makes.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
)

const serviceName = "basecamp"

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider described by cfg. Disabled
// tracing and the noop exporter install a provider that records nothing.
func Setup(ctx context.Context, cfg config.TracerConfig) (Shutdown, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, release, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), release())
	}, nil
}

// newExporter builds the span exporter and a func that releases whatever it
// writes to. Spans go to stdout unless cfg.Output names a file.
func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, func() error, error) {
	if cfg.Exporter != "stdout" {
		return nil, nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
	if cfg.Output == "" {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	return exp, f.Close, nil
}

// sampler keeps a ratio of new traces and follows the parent's decision for
// the rest.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the service tracer. The tenant and session on
// ctx, when set, are attached ahead of attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(serviceName).Start(ctx, name, trace.WithAttributes(scopeAttrs(ctx, attrs)...))
}

func scopeAttrs(ctx context.Context, attrs []attribute.KeyValue) []attribute.KeyValue {
	var scope []attribute.KeyValue
	if id := domain.TenantIDFromContext(ctx); id != "" {
		scope = append(scope, attribute.String("tenant.id", id))
	}
	if id := domain.SessionIDFromContext(ctx); id != "" {
		scope = append(scope, attribute.String("session.id", id))
	}
	if scope == nil {
		return attrs
	}
	return append(scope, attrs...)
}

// Event adds a timestamped event to span.
func Event(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

// Finish sets the status from err and ends span.
func Finish(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetOK(span)
	}
	span.End()
}

func StringAttr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

func IntAttr(key string, value int) attribute.KeyValue { return attribute.Int(key, value) }

func Float64Attr(key string, value float64) attribute.KeyValue { return attribute.Float64(key, value) }

func BoolAttr(key string, value bool) attribute.KeyValue { return attribute.Bool(key, value) }
