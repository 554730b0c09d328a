// Package router contains API routing logic
package router

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	v0 "github.com/egressfleet/egressfleet/internal/fleet/api/handlers/v0"
	"github.com/egressfleet/egressfleet/internal/fleet/config"
	"github.com/egressfleet/egressfleet/internal/fleet/service"
	"github.com/egressfleet/egressfleet/internal/fleet/telemetry"
)

// Middleware configuration options
type middlewareConfig struct {
	skipPaths map[string]bool
}

type MiddlewareOption func(*middlewareConfig)

// WithSkipPaths allows skipping instrumentation for specific paths
func WithSkipPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, path := range paths {
			c.skipPaths[path] = true
		}
	}
}

// skipped matches either the full path or its last segment, so versioned
// monitoring paths like /v0/health are exempt alongside the bare ones.
func skipped(cfg *middlewareConfig, path string) bool {
	parts := strings.Split(path, "/")
	return cfg.skipPaths[path] || cfg.skipPaths["/"+parts[len(parts)-1]]
}

// getRoutePath extracts the route pattern from the context
func getRoutePath(ctx huma.Context) string {
	if op := ctx.Operation().Path; op != "" {
		return ctx.Operation().Path
	}
	return ctx.URL().Path
}

// MetricTelemetryMiddleware records request count, error count and latency.
func MetricTelemetryMiddleware(metrics *telemetry.Metrics, options ...MiddlewareOption) func(huma.Context, func(huma.Context)) {
	cfg := &middlewareConfig{
		skipPaths: make(map[string]bool),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if skipped(cfg, ctx.URL().Path) {
			next(ctx)
			return
		}

		start := time.Now()
		method := ctx.Method()
		routePath := getRoutePath(ctx)

		next(ctx)

		duration := time.Since(start).Seconds()
		statusCode := ctx.Status()

		attrs := []attribute.KeyValue{
			attribute.String("method", method),
			attribute.String("path", routePath),
			attribute.Int("status_code", statusCode),
		}

		metrics.Requests.Add(ctx.Context(), 1, metric.WithAttributes(attrs...))
		if statusCode >= 400 {
			metrics.ErrorCount.Add(ctx.Context(), 1, metric.WithAttributes(attrs...))
		}
		metrics.RequestDuration.Record(ctx.Context(), duration, metric.WithAttributes(attrs...))
	}
}

// BearerAuthMiddleware rejects requests whose bearer credential does not
// match the configured admin token. Read-only monitoring endpoints are
// exempt.
func BearerAuthMiddleware(api huma.API, token string, options ...MiddlewareOption) func(huma.Context, func(huma.Context)) {
	cfg := &middlewareConfig{
		skipPaths: make(map[string]bool),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if skipped(cfg, ctx.URL().Path) {
			next(ctx)
			return
		}

		presented := strings.TrimPrefix(ctx.Header("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid or missing admin credential")
			return
		}
		next(ctx)
	}
}

// NewHumaAPI creates a new Huma API with all routes registered
func NewHumaAPI(cfg *config.Config, svc service.ProvisionService, mux *http.ServeMux, metrics *telemetry.Metrics, versionInfo *v0.VersionBody) huma.API {
	humaConfig := huma.DefaultConfig("Egress Fleet Admin API", "1.0.0")
	humaConfig.Info.Description = "Provisioning and inspection API for the proxy egress fleet."
	// Disable $schema property in responses: https://github.com/danielgtaylor/huma/issues/230
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}

	api := humago.New(mux, humaConfig)

	if cfg.AdminAPIToken != "" {
		api.UseMiddleware(BearerAuthMiddleware(api, cfg.AdminAPIToken,
			WithSkipPaths("/health", "/metrics", "/ping", "/version"),
		))
	}

	api.OpenAPI().Tags = []*huma.Tag{
		{
			Name:        "provision",
			Description: "Operations for provisioning and tearing down address ranges",
		},
		{
			Name:        "jobs",
			Description: "Operations for tracking provisioning jobs",
		},
		{
			Name:        "servers",
			Description: "Operations for inspecting fleet membership",
		},
		{
			Name:        "addresses",
			Description: "Operations for inspecting address records",
		},
		{
			Name:        "health",
			Description: "Health check endpoint for monitoring service availability",
		},
	}

	api.UseMiddleware(MetricTelemetryMiddleware(metrics,
		WithSkipPaths("/health", "/metrics", "/ping", "/docs"),
	))

	RegisterRoutes(api, cfg, svc, versionInfo)

	// Add /metrics for Prometheus metrics using promhttp
	mux.Handle("/metrics", metrics.PrometheusHandler())

	return api
}
