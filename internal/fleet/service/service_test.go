package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egressfleet/egressfleet/internal/fleet/cluster"
	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/fleettest"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// recordingBackend captures local provisioning calls.
type recordingBackend struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) record(op, cidr string) (*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+" "+cidr)
	return &models.Job{ID: "local-job", Status: models.JobStatusProcessing}, nil
}

func (b *recordingBackend) Generate(_ context.Context, cidr string) (*models.Job, error) {
	return b.record("generate", cidr)
}

func (b *recordingBackend) Regenerate(_ context.Context, cidr string) (*models.Job, error) {
	return b.record("regenerate", cidr)
}

func (b *recordingBackend) Remove(_ context.Context, cidr string) (*models.Job, error) {
	return b.record("remove", cidr)
}

// recordingDispatcher captures remote provisioning calls.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) record(op, cidr string, server *models.ServerRecord) (*models.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op+" "+cidr+" @"+server.Name)
	return &models.Job{ID: "remote-job", Status: models.JobStatusProcessing}, nil
}

func (d *recordingDispatcher) Generate(_ context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return d.record("generate", cidr, server)
}

func (d *recordingDispatcher) Regenerate(_ context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return d.record("regenerate", cidr, server)
}

func (d *recordingDispatcher) Remove(_ context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return d.record("remove", cidr, server)
}

type serviceFixture struct {
	db         *fleettest.FakeDatabase
	local      *recordingBackend
	dispatcher *recordingDispatcher
	svc        ProvisionService
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		db:         fleettest.NewFakeDatabase(),
		local:      &recordingBackend{},
		dispatcher: &recordingDispatcher{},
	}
	router := cluster.NewRouter(f.db, "203.0.113.10")
	f.svc = NewProvisionService(f.db, router, f.local, f.dispatcher)
	return f
}

func TestGenerateUnclaimedRangeRunsLocally(t *testing.T) {
	f := newServiceFixture()

	job, err := f.svc.Generate(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, "local-job", job.ID)
	assert.Equal(t, []string{"generate 198.51.100.0/29"}, f.local.calls)
	assert.Empty(t, f.dispatcher.calls)
}

func TestGenerateClaimedRangeIsDispatched(t *testing.T) {
	f := newServiceFixture()
	f.db.AddServer(models.ServerRecord{
		Name:        "edge-2",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "10.0.0.5",
		AdminPort:   8080,
		Enabled:     true,
	})

	job, err := f.svc.Generate(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, "remote-job", job.ID)
	assert.Equal(t, []string{"generate 198.51.100.0/29 @edge-2"}, f.dispatcher.calls)
	assert.Empty(t, f.local.calls)
}

func TestRemoveFollowsOwnership(t *testing.T) {
	f := newServiceFixture()
	f.db.AddServer(models.ServerRecord{
		Name:        "edge-1",
		IPRanges:    []string{"198.51.100.0/24"},
		HostAddress: "203.0.113.10", // this process
		Enabled:     true,
	})

	_, err := f.svc.Remove(context.Background(), "198.51.100.0/29")
	require.NoError(t, err)
	assert.Equal(t, []string{"remove 198.51.100.0/29"}, f.local.calls)
}

func TestGetJob(t *testing.T) {
	f := newServiceFixture()
	created, err := f.db.CreateJob(context.Background(), &models.Job{
		Kind:    models.JobKindGenerate,
		Payload: "198.51.100.0/29",
		Status:  models.JobStatusProcessing,
	})
	require.NoError(t, err)

	job, err := f.svc.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, job.ID)

	_, err = f.svc.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindNotFound, fleeterr.KindOf(err))
}

func TestDeleteJobRequiresTerminalStatus(t *testing.T) {
	f := newServiceFixture()
	created, err := f.db.CreateJob(context.Background(), &models.Job{
		Kind:    models.JobKindGenerate,
		Payload: "198.51.100.0/29",
		Status:  models.JobStatusProcessing,
	})
	require.NoError(t, err)

	_, err = f.svc.DeleteJob(context.Background(), created.ID)
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindValidation, fleeterr.KindOf(err))

	require.NoError(t, f.db.UpdateJobStatus(context.Background(), created.ID,
		database.JobStatusUpdate{Status: models.JobStatusSuccess, Counts: &models.JobCounts{}}))

	_, err = f.svc.DeleteJob(context.Background(), created.ID)
	require.NoError(t, err)

	_, err = f.svc.GetJob(context.Background(), created.ID)
	assert.Equal(t, fleeterr.KindNotFound, fleeterr.KindOf(err))
}

func TestListAddressesNormalizesRange(t *testing.T) {
	f := newServiceFixture()
	f.db.AddAddress(models.AddressRecord{IP: "198.51.100.2", Mask: 32, Enabled: true})
	f.db.AddAddress(models.AddressRecord{IP: "198.51.100.3", Mask: 32, Enabled: true})

	// A host-form range is canonicalized before the lookup.
	recs, err := f.svc.ListAddresses(context.Background(), "198.51.100.3/29")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = f.svc.ListAddresses(context.Background(), "not-a-range")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindValidation, fleeterr.KindOf(err))
}

func TestListServers(t *testing.T) {
	f := newServiceFixture()
	f.db.AddServer(models.ServerRecord{Name: "edge-1", Enabled: true})
	f.db.AddServer(models.ServerRecord{Name: "edge-2", Enabled: false})

	servers, err := f.svc.ListServers(context.Background())
	require.NoError(t, err)
	assert.Len(t, servers, 2)
}
