package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "lcyt-relay"

type Span struct {
	span otrace.Span
}

func (s *Span) End() {
	s.span.End()
}

// Fail marks the span as errored.
func (s *Span) Fail(err error) {
	s.span.RecordError(err)
}

func Logf(ctx context.Context, category, format string, args ...interface{}) {
	s := otrace.SpanFromContext(ctx)
	s.AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return newCtx, &Span{span: ospan}
}

// ConfigureOTLP installs a batching OTLP/HTTP tracer provider. The returned function flushes
// and stops the provider.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) (func(context.Context) error, error) {
	parsedOTLPURL, err := url.Parse(otlpURL)
	if err != nil {
		return nil, err
	}
	isInsecure := parsedOTLPURL.Scheme == "http" // e.g testing and development
	if parsedOTLPURL.Path != "" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(parsedOTLPURL.Host),
	}
	if isInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpPass != "" && otlpUser != "" {
		opts = append(opts, otlptracehttp.WithHeaders(
			map[string]string{
				"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(otlpUser+":"+otlpPass)),
			},
		))
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			attribute.String("version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{},
	))
	logger.Info().Str("host", parsedOTLPURL.Host).Bool("insecure", isInsecure).Msg("configured OTLP exporter")
	return tp.Shutdown, nil
}
