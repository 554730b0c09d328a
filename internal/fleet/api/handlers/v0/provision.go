package v0

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
	"github.com/egressfleet/egressfleet/internal/fleet/service"
)

// ProvisionInput carries the target range for a provisioning operation.
type ProvisionInput struct {
	Body struct {
		Range string `json:"range" doc:"IPv4 CIDR range to provision" example:"203.0.113.0/29"`
	}
}

// JobDetailInput identifies a provisioning job.
type JobDetailInput struct {
	JobID string `path:"jobId" doc:"Provisioning job ID" example:"8f14e45f-ceea-4672-9b3a-0e6c2b6f8a11"`
}

// ListAddressesInput filters address records by range.
type ListAddressesInput struct {
	Range string `query:"range" doc:"IPv4 CIDR range to inspect" example:"203.0.113.0/29"`
}

// ServerListBody is the fleet membership response.
type ServerListBody struct {
	Servers []models.ServerRecord `json:"servers"`
}

// AddressListBody is the address listing response.
type AddressListBody struct {
	Addresses []models.AddressRecord `json:"addresses"`
}

// RegisterProvisionEndpoints registers the provisioning operations.
func RegisterProvisionEndpoints(api huma.API, pathPrefix string, svc service.ProvisionService) {
	opSuffix := strings.ReplaceAll(pathPrefix, "/", "-")

	// Provision a range
	huma.Register(api, huma.Operation{
		OperationID:   "provision-range" + opSuffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/provision",
		Summary:       "Provision an address range",
		Description:   "Accept a provisioning job for the range and return immediately. Track progress through the job endpoint.",
		Tags:          []string{"provision"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProvisionInput) (*Response[models.Job], error) {
		job, err := svc.Generate(ctx, input.Body.Range)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[models.Job]{Body: *job}, nil
	})

	// Re-run provisioning for a range
	huma.Register(api, huma.Operation{
		OperationID:   "reprovision-range" + opSuffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/provision/regenerate",
		Summary:       "Re-run provisioning for an address range",
		Description:   "Accept a provisioning job that re-applies the range, counting already-present addresses as existing.",
		Tags:          []string{"provision"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProvisionInput) (*Response[models.Job], error) {
		job, err := svc.Regenerate(ctx, input.Body.Range)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[models.Job]{Body: *job}, nil
	})

	// Tear a range down
	huma.Register(api, huma.Operation{
		OperationID:   "remove-range" + opSuffix,
		Method:        http.MethodDelete,
		Path:          pathPrefix + "/provision",
		Summary:       "Remove an address range",
		Description:   "Accept a teardown job that unbinds the range's addresses and retires their records.",
		Tags:          []string{"provision"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProvisionInput) (*Response[models.Job], error) {
		job, err := svc.Remove(ctx, input.Body.Range)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[models.Job]{Body: *job}, nil
	})

	// Job status
	huma.Register(api, huma.Operation{
		OperationID: "get-job" + opSuffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/jobs/{jobId}",
		Summary:     "Get provisioning job status",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *JobDetailInput) (*Response[models.Job], error) {
		job, err := svc.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[models.Job]{Body: *job}, nil
	})

	// Delete a terminal job
	huma.Register(api, huma.Operation{
		OperationID: "delete-job" + opSuffix,
		Method:      http.MethodDelete,
		Path:        pathPrefix + "/jobs/{jobId}",
		Summary:     "Delete a finished provisioning job",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *JobDetailInput) (*Response[EmptyResponse], error) {
		if _, err := svc.DeleteJob(ctx, input.JobID); err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[EmptyResponse]{Body: EmptyResponse{Message: "Job deleted successfully"}}, nil
	})

	// Fleet membership
	huma.Register(api, huma.Operation{
		OperationID: "list-servers" + opSuffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/servers",
		Summary:     "List fleet servers",
		Tags:        []string{"servers"},
	}, func(ctx context.Context, _ *struct{}) (*Response[ServerListBody], error) {
		servers, err := svc.ListServers(ctx)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[ServerListBody]{Body: ServerListBody{Servers: servers}}, nil
	})

	// Address records inside a range
	huma.Register(api, huma.Operation{
		OperationID: "list-addresses" + opSuffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/addresses",
		Summary:     "List address records in a range",
		Tags:        []string{"addresses"},
	}, func(ctx context.Context, input *ListAddressesInput) (*Response[AddressListBody], error) {
		recs, err := svc.ListAddresses(ctx, input.Range)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &Response[AddressListBody]{Body: AddressListBody{Addresses: recs}}, nil
	})
}

// mapServiceError converts classified service errors into huma problem
// responses.
func mapServiceError(err error) error {
	var fe *fleeterr.Error
	if !errors.As(err, &fe) {
		return huma.Error500InternalServerError("Internal error", err)
	}
	switch fe.Kind {
	case fleeterr.KindValidation:
		return huma.Error422UnprocessableEntity(fe.Message)
	case fleeterr.KindSchemaValidation:
		errs := make([]error, 0, len(fe.Fields))
		for _, field := range fe.Fields {
			errs = append(errs, &huma.ErrorDetail{Location: field.Location, Message: field.Message})
		}
		return huma.Error422UnprocessableEntity(fe.Message, errs...)
	case fleeterr.KindNotFound:
		return huma.Error404NotFound(fe.Message)
	case fleeterr.KindUnauthorized:
		return huma.Error401Unauthorized(fe.Message)
	case fleeterr.KindForbidden:
		return huma.Error403Forbidden(fe.Message)
	case fleeterr.KindTransportFailure:
		return huma.Error502BadGateway(fe.Message)
	default:
		return huma.Error502BadGateway(fe.Message)
	}
}
