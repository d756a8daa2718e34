package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName is reported as service.name on every metric and span.
const ServiceName = "aria"

// Telemetry owns the process-wide meter and tracer providers and the
// Prometheus registry served on /metrics.
type Telemetry struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	metrics  *Metrics
}

type telemetryOptions struct {
	version  string
	exporter sdktrace.SpanExporter
	global   bool
}

// TelemetryOption configures [Setup].
type TelemetryOption func(*telemetryOptions)

// WithServiceVersion sets service.version.
func WithServiceVersion(v string) TelemetryOption {
	return func(o *telemetryOptions) { o.version = v }
}

// WithSpanExporter batches finished spans to exp. Without it spans are
// sampled for log correlation but never exported.
func WithSpanExporter(exp sdktrace.SpanExporter) TelemetryOption {
	return func(o *telemetryOptions) { o.exporter = exp }
}

// WithoutGlobals keeps the providers out of the otel globals. Tests use it to
// build several independent instances.
func WithoutGlobals() TelemetryOption {
	return func(o *telemetryOptions) { o.global = false }
}

// Setup builds the providers. Metrics are exported through a dedicated
// Prometheus registry that also carries the Go runtime and process
// collectors. Unless [WithoutGlobals] is given the providers and the W3C
// trace-context propagator become the otel globals.
func Setup(opts ...TelemetryOption) (*Telemetry, error) {
	o := telemetryOptions{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	// Schemaless so the merge never conflicts with the SDK default schema.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(o.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("observe: register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("observe: register process collector: %w", err)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		registry: reg,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.exporter))
	}
	t.tracer = sdktrace.NewTracerProvider(tpOpts...)

	if t.metrics, err = NewMetrics(t.meters); err != nil {
		return nil, errors.Join(err, t.Shutdown(context.Background()))
	}

	if o.global {
		otel.SetMeterProvider(t.meters)
		otel.SetTracerProvider(t.tracer)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}
	return t, nil
}

// Metrics returns the instruments bound to this meter provider.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// Handler serves the Prometheus exposition of this instance's registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans, then stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}
