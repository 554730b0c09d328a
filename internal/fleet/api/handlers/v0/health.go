package v0

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// HealthBody represents the health check response
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status of the service"`
}

// PingBody represents the ping response
type PingBody struct {
	Pong bool `json:"pong" example:"true" doc:"Always true"`
}

// VersionBody represents the version response
type VersionBody struct {
	Version   string `json:"version" example:"1.0.0" doc:"Service version"`
	GitCommit string `json:"gitCommit" example:"abc123" doc:"Git commit the binary was built from"`
	BuildTime string `json:"buildTime" example:"2025-01-01T00:00:00Z" doc:"Build timestamp"`
}

// RegisterHealthEndpoint registers the health check endpoint
func RegisterHealthEndpoint(api huma.API, pathPrefix string) {
	huma.Register(api, huma.Operation{
		OperationID: "health-check" + strings.ReplaceAll(pathPrefix, "/", "-"),
		Method:      http.MethodGet,
		Path:        pathPrefix + "/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
	}, func(_ context.Context, _ *struct{}) (*Response[HealthBody], error) {
		return &Response[HealthBody]{Body: HealthBody{Status: "ok"}}, nil
	})
}

// RegisterPingEndpoint registers the ping endpoint
func RegisterPingEndpoint(api huma.API, pathPrefix string) {
	huma.Register(api, huma.Operation{
		OperationID: "ping" + strings.ReplaceAll(pathPrefix, "/", "-"),
		Method:      http.MethodGet,
		Path:        pathPrefix + "/ping",
		Summary:     "Ping",
		Tags:        []string{"ping"},
	}, func(_ context.Context, _ *struct{}) (*Response[PingBody], error) {
		return &Response[PingBody]{Body: PingBody{Pong: true}}, nil
	})
}

// RegisterVersionEndpoint registers the version endpoint
func RegisterVersionEndpoint(api huma.API, pathPrefix string, versionInfo *VersionBody) {
	huma.Register(api, huma.Operation{
		OperationID: "version" + strings.ReplaceAll(pathPrefix, "/", "-"),
		Method:      http.MethodGet,
		Path:        pathPrefix + "/version",
		Summary:     "Version information",
		Tags:        []string{"version"},
	}, func(_ context.Context, _ *struct{}) (*Response[VersionBody], error) {
		return &Response[VersionBody]{Body: *versionInfo}, nil
	})
}
