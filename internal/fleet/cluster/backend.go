package cluster

import (
	"context"

	"github.com/egressfleet/egressfleet/internal/fleet/jobs"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// ProvisioningBackend performs provisioning work for a resolved owner.
// Exactly two implementations exist: local execution through the job runner,
// and remote dispatch to the owning server's admin API.
type ProvisioningBackend interface {
	Generate(ctx context.Context, cidr string) (*models.Job, error)
	Regenerate(ctx context.Context, cidr string) (*models.Job, error)
	Remove(ctx context.Context, cidr string) (*models.Job, error)
}

// RemoteDispatcher issues provisioning calls against a remote server's
// admin API. Implemented by the dispatch client.
type RemoteDispatcher interface {
	Generate(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error)
	Regenerate(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error)
	Remove(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error)
}

type localBackend struct {
	runner *jobs.Runner
}

// NewLocalBackend wraps the job runner as a ProvisioningBackend.
func NewLocalBackend(runner *jobs.Runner) ProvisioningBackend {
	return &localBackend{runner: runner}
}

func (b *localBackend) Generate(ctx context.Context, cidr string) (*models.Job, error) {
	return b.runner.Add(ctx, models.JobKindGenerate, cidr)
}

func (b *localBackend) Regenerate(ctx context.Context, cidr string) (*models.Job, error) {
	return b.runner.Add(ctx, models.JobKindRegenerate, cidr)
}

func (b *localBackend) Remove(ctx context.Context, cidr string) (*models.Job, error) {
	return b.runner.Add(ctx, models.JobKindRemove, cidr)
}

type remoteBackend struct {
	dispatcher RemoteDispatcher
	server     *models.ServerRecord
}

// NewRemoteBackend binds a dispatcher to the owning server record.
func NewRemoteBackend(dispatcher RemoteDispatcher, server *models.ServerRecord) ProvisioningBackend {
	return &remoteBackend{dispatcher: dispatcher, server: server}
}

func (b *remoteBackend) Generate(ctx context.Context, cidr string) (*models.Job, error) {
	return b.dispatcher.Generate(ctx, cidr, b.server)
}

func (b *remoteBackend) Regenerate(ctx context.Context, cidr string) (*models.Job, error) {
	return b.dispatcher.Regenerate(ctx, cidr, b.server)
}

func (b *remoteBackend) Remove(ctx context.Context, cidr string) (*models.Job, error) {
	return b.dispatcher.Remove(ctx, cidr, b.server)
}
