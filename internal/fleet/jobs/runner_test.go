package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/fleettest"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

type runnerFixture struct {
	db       *fleettest.FakeDatabase
	executor *fleettest.FakeExecutor
	proxy    *fleettest.FakeProxyWriter
	runner   *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		db:       fleettest.NewFakeDatabase(),
		executor: fleettest.NewFakeExecutor(),
		proxy:    &fleettest.FakeProxyWriter{},
	}
	f.runner = NewRunner(f.db, f.db, f.executor, f.proxy, RunnerOptions{
		Interface: "eth0",
		Workers:   2,
		QueueLen:  8,
	})
	t.Cleanup(f.runner.Stop)
	return f
}

// settle waits until the job reaches a terminal status.
func (f *runnerFixture) settle(t *testing.T, id string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.db.GetJobByID(context.Background(), id)
		require.NoError(t, err)
		if job.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never settled", id)
	return nil
}

func TestAddReturnsBeforeCompletion(t *testing.T) {
	f := newRunnerFixture(t)

	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.NotEmpty(t, job.ID)

	f.settle(t, job.ID)
}

func TestAddRejectsUnknownKind(t *testing.T) {
	f := newRunnerFixture(t)

	_, err := f.runner.Add(context.Background(), models.JobKind("resize"), "203.0.113.0/29")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindValidation, fleeterr.KindOf(err))
}

func TestAddPersistsCanonicalRange(t *testing.T) {
	f := newRunnerFixture(t)

	// Host bits are cleared before the payload is persisted, so the stored
	// range is a valid cidr literal for the database's range lookups.
	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.5/29")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.0/29", job.Payload)

	stored, err := f.db.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.0/29", stored.Payload)

	done := f.settle(t, job.ID)
	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 5}, done.Counts)
}

func TestAddRejectsInvalidRange(t *testing.T) {
	f := newRunnerFixture(t)

	_, err := f.runner.Add(context.Background(), models.JobKindGenerate, "not-a-range")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindValidation, fleeterr.KindOf(err))
}

func TestGenerateFullSuccess(t *testing.T) {
	f := newRunnerFixture(t)

	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, job.ID)

	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 5}, done.Counts)
	assert.Empty(t, done.LastError)

	// Every record in the range is enabled after the bulk activation, and
	// the proxy surface was rewritten from the enabled set.
	enabled, err := f.db.GetAllEnabledAddresses(context.Background())
	require.NoError(t, err)
	assert.Len(t, enabled, 5)
	for _, rec := range enabled {
		assert.Equal(t, "203.0.113.1", rec.Gateway)
		assert.Equal(t, "eth0", rec.InterfaceName)
		assert.True(t, f.executor.Bound(rec.IP))
	}
	assert.Equal(t, 1, f.proxy.Writes())
	assert.Len(t, f.proxy.Last(), 5)
}

func TestGeneratePartialBindFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.executor.BindErrs = map[string]error{
		"203.0.113.3": errors.New("RTNETLINK answers: permission denied"),
		"203.0.113.5": errors.New("RTNETLINK answers: permission denied"),
	}

	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, job.ID)

	assert.Equal(t, models.JobStatusFail, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 3, TotalErrored: 2}, done.Counts)
	assert.Contains(t, done.LastError, "bind failed")

	// A partial failure never activates the range or touches the proxy
	// config.
	enabled, err := f.db.GetAllEnabledAddresses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, enabled)
	assert.Zero(t, f.proxy.Writes())

	// The three working addresses were still attempted: no short-circuit
	// on the first failure.
	assert.True(t, f.executor.Bound("203.0.113.2"))
	assert.True(t, f.executor.Bound("203.0.113.4"))
	assert.True(t, f.executor.Bound("203.0.113.6"))
}

func TestGenerateCountsExistingBindings(t *testing.T) {
	f := newRunnerFixture(t)
	f.executor.PreBind("203.0.113.2")
	f.executor.PreBind("203.0.113.3")

	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, job.ID)

	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 3, TotalExisting: 2}, done.Counts)
}

func TestGenerateIsIdempotentOverExistingRecords(t *testing.T) {
	f := newRunnerFixture(t)

	first, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	f.settle(t, first.ID)

	second, err := f.runner.Add(context.Background(), models.JobKindRegenerate, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, second.ID)

	// The second run finds every address already bound and every record
	// already present.
	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalExisting: 5}, done.Counts)
}

func TestGenerateActivationFailureKeepsBindCounts(t *testing.T) {
	f := newRunnerFixture(t)
	f.db.ActivateRangeErr = errors.New("connection reset by peer")

	job, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, job.ID)

	assert.Equal(t, models.JobStatusFail, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 5}, done.Counts)
	assert.Contains(t, done.LastError, "failed to activate range")
}

func TestRemoveUnbindsAndDeletes(t *testing.T) {
	f := newRunnerFixture(t)

	gen, err := f.runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)
	f.settle(t, gen.ID)

	rem, err := f.runner.Add(context.Background(), models.JobKindRemove, "203.0.113.0/29")
	require.NoError(t, err)
	done := f.settle(t, rem.ID)

	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{TotalRecord: 5, TotalAdded: 5}, done.Counts)

	for _, ip := range []string{"203.0.113.2", "203.0.113.3", "203.0.113.4", "203.0.113.5", "203.0.113.6"} {
		assert.False(t, f.executor.Bound(ip))
	}
	recs, err := f.db.GetAddressesByRange(context.Background(), "203.0.113.0/29")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.proxy.Last())
}

func TestRemoveOnEmptyRangeSucceeds(t *testing.T) {
	f := newRunnerFixture(t)

	job, err := f.runner.Add(context.Background(), models.JobKindRemove, "198.51.100.0/29")
	require.NoError(t, err)
	done := f.settle(t, job.ID)

	assert.Equal(t, models.JobStatusSuccess, done.Status)
	assert.Equal(t, models.JobCounts{}, done.Counts)
}

func TestObserverSeesTerminalTransition(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	executor := fleettest.NewFakeExecutor()
	proxy := &fleettest.FakeProxyWriter{}

	type event struct {
		kind   models.JobKind
		status models.JobStatus
	}
	events := make(chan event, 1)
	runner := NewRunner(db, db, executor, proxy, RunnerOptions{
		Interface: "eth0",
		Observer: func(kind models.JobKind, status models.JobStatus) {
			events <- event{kind, status}
		},
	})
	defer runner.Stop()

	_, err := runner.Add(context.Background(), models.JobKindGenerate, "203.0.113.0/29")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, models.JobKindGenerate, ev.kind)
		assert.Equal(t, models.JobStatusSuccess, ev.status)
	case <-time.After(5 * time.Second):
		t.Fatal("observer was never called")
	}
}
