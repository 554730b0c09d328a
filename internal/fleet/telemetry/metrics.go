// Package telemetry wires OpenTelemetry metrics with a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the instruments recorded by the HTTP layer, the job runner
// and the reconciliation passes.
type Metrics struct {
	Requests        metric.Int64Counter
	ErrorCount      metric.Int64Counter
	RequestDuration metric.Float64Histogram
	JobsCompleted   metric.Int64Counter
	ReconRuns       metric.Int64Counter
	ReconItemErrors metric.Int64Counter
}

// PrometheusHandler exposes the metrics scrape endpoint.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// InitMetrics sets up the meter provider with a Prometheus exporter and
// creates the service instruments. The returned function shuts the provider
// down.
func InitMetrics(version string) (func(context.Context) error, *Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("egressfleet"),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		return nil, nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	meter := provider.Meter("egressfleet")

	metrics := &Metrics{}
	if metrics.Requests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, nil, err
	}
	if metrics.ErrorCount, err = meter.Int64Counter("http_request_errors_total",
		metric.WithDescription("HTTP requests that returned an error status")); err != nil {
		return nil, nil, err
	}
	if metrics.RequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds")); err != nil {
		return nil, nil, err
	}
	if metrics.JobsCompleted, err = meter.Int64Counter("provision_jobs_completed_total",
		metric.WithDescription("Provisioning jobs that reached a terminal status")); err != nil {
		return nil, nil, err
	}
	if metrics.ReconRuns, err = meter.Int64Counter("recon_pass_runs_total",
		metric.WithDescription("Reconciliation pass executions")); err != nil {
		return nil, nil, err
	}
	if metrics.ReconItemErrors, err = meter.Int64Counter("recon_item_errors_total",
		metric.WithDescription("Reconciliation items that failed")); err != nil {
		return nil, nil, err
	}

	return provider.Shutdown, metrics, nil
}
