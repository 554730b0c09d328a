// Package router contains API routing logic
package router

import (
	"github.com/danielgtaylor/huma/v2"

	v0 "github.com/egressfleet/egressfleet/internal/fleet/api/handlers/v0"
	"github.com/egressfleet/egressfleet/internal/fleet/config"
	"github.com/egressfleet/egressfleet/internal/fleet/service"
)

// RegisterRoutes registers all API routes for all versions
// This is the single entry point for all route registration
func RegisterRoutes(
	api huma.API,
	cfg *config.Config,
	svc service.ProvisionService,
	versionInfo *v0.VersionBody,
) {
	registerV0Routes(api, "/v0", cfg, svc, versionInfo)
}

func registerV0Routes(
	api huma.API,
	pathPrefix string,
	_ *config.Config,
	svc service.ProvisionService,
	versionInfo *v0.VersionBody,
) {
	v0.RegisterHealthEndpoint(api, pathPrefix)
	v0.RegisterPingEndpoint(api, pathPrefix)
	v0.RegisterVersionEndpoint(api, pathPrefix, versionInfo)
	v0.RegisterProvisionEndpoints(api, pathPrefix, svc)
}
