package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

func endpoint(otlpServerURL, path string) (*url.URL, error) {
	u, err := url.Parse(otlpServerURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing otlpServerURL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("otlpServerURL %q needs a scheme and host", otlpServerURL)
	}
	u.Path = path
	return u, nil
}

func authHeaders(authToken string) map[string]string {
	if authToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + authToken}
}

// New returns a logger shipping entries at or above level over OTLP/HTTP to
// otlpServerURL (path /v1/logs), batching them in the background. The
// shutdown func flushes what is still buffered.
func New(ctx context.Context, otlpServerURL string, authToken string, serviceName string, level logger.LogLevel) (logger.Logger, ShutdownFunc, error) {
	logURL, err := endpoint(otlpServerURL, "/v1/logs")
	if err != nil {
		return nil, nil, err
	}
	opts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL.String()),
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if h := authHeaders(authToken); h != nil {
		opts = append(opts, otlploghttp.WithHeaders(h))
	}
	if logURL.Scheme == "http" {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return logger.NewOtelLogger(provider.Logger(serviceName), level), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		provider.Shutdown(ctx)
	}, nil
}

// NewTracerProvider installs a global tracer provider exporting spans over
// OTLP/HTTP to otlpServerURL (path /v1/traces). An empty URL leaves the
// global no-op provider in place and returns a no-op shutdown.
func NewTracerProvider(ctx context.Context, otlpServerURL string, authToken string, serviceName string) (ShutdownFunc, error) {
	if otlpServerURL == "" {
		return func() {}, nil
	}
	otlpURL, err := endpoint(otlpServerURL, "/v1/traces")
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(otlpURL.String()),
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if h := authHeaders(authToken); h != nil {
		opts = append(opts, otlptracehttp.WithHeaders(h))
	}
	if otlpURL.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		provider.Shutdown(ctx)
	}, nil
}
