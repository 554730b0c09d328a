// Package service orchestrates provisioning across the fleet: it resolves
// range ownership and forwards each operation to the local runner or the
// owning server's admin API.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/egressfleet/egressfleet/internal/fleet/cluster"
	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/jobs"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// ProvisionService is the business surface exposed to the API layer.
type ProvisionService interface {
	// Generate provisions a new address range wherever it is owned.
	Generate(ctx context.Context, cidr string) (*models.Job, error)
	// Regenerate re-runs provisioning for a range, skipping what exists.
	Regenerate(ctx context.Context, cidr string) (*models.Job, error)
	// Remove tears a range down wherever it is owned.
	Remove(ctx context.Context, cidr string) (*models.Job, error)

	// GetJob returns a locally-tracked job.
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// DeleteJob hides a terminal job from lookups.
	DeleteJob(ctx context.Context, id string) (*models.Job, error)
	// ListServers returns the fleet membership.
	ListServers(ctx context.Context) ([]models.ServerRecord, error)
	// ListAddresses returns the address records inside a range.
	ListAddresses(ctx context.Context, cidr string) ([]models.AddressRecord, error)
}

type provisionService struct {
	db         database.Database
	router     *cluster.Router
	local      cluster.ProvisioningBackend
	dispatcher cluster.RemoteDispatcher
}

// NewProvisionService constructs the fleet provisioning service.
func NewProvisionService(db database.Database, router *cluster.Router, local cluster.ProvisioningBackend, dispatcher cluster.RemoteDispatcher) ProvisionService {
	return &provisionService{
		db:         db,
		router:     router,
		local:      local,
		dispatcher: dispatcher,
	}
}

// backendFor resolves the range owner and returns the backend that must run
// the operation.
func (s *provisionService) backendFor(ctx context.Context, cidr string) (cluster.ProvisioningBackend, error) {
	owner, server, err := s.router.Resolve(ctx, cidr)
	if err != nil {
		return nil, err
	}
	if owner == cluster.OwnerRemote {
		return cluster.NewRemoteBackend(s.dispatcher, server), nil
	}
	return s.local, nil
}

func (s *provisionService) Generate(ctx context.Context, cidr string) (*models.Job, error) {
	backend, err := s.backendFor(ctx, cidr)
	if err != nil {
		return nil, err
	}
	return backend.Generate(ctx, cidr)
}

func (s *provisionService) Regenerate(ctx context.Context, cidr string) (*models.Job, error) {
	backend, err := s.backendFor(ctx, cidr)
	if err != nil {
		return nil, err
	}
	return backend.Regenerate(ctx, cidr)
}

func (s *provisionService) Remove(ctx context.Context, cidr string) (*models.Job, error) {
	backend, err := s.backendFor(ctx, cidr)
	if err != nil {
		return nil, err
	}
	return backend.Remove(ctx, cidr)
}

func (s *provisionService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.db.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fleeterr.Newf(fleeterr.KindNotFound, "job %s not found", id)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

// DeleteJob soft-deletes a job. Only terminal jobs may be deleted; a
// processing job still has a worker writing to it.
func (s *provisionService) DeleteJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsTerminal() {
		return nil, fleeterr.Newf(fleeterr.KindValidation, "job %s is still %s", id, job.Status)
	}
	if err := s.db.SoftDeleteJob(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return job, nil
}

func (s *provisionService) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	servers, err := s.db.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

func (s *provisionService) ListAddresses(ctx context.Context, cidr string) ([]models.AddressRecord, error) {
	normalized, err := jobs.NormalizeRange(cidr)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindValidation, "invalid address range", err)
	}
	recs, err := s.db.GetAddressesByRange(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses in %s: %w", normalized, err)
	}
	return recs, nil
}
