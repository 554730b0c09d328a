package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egressfleet/egressfleet/internal/fleet/billing"
	"github.com/egressfleet/egressfleet/internal/fleet/config"
	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/fleettest"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

func newScheduler(db *fleettest.FakeDatabase, gw *fleettest.FakeBilling) *Scheduler {
	return NewScheduler(db, gw, config.ReconConfig{
		StuckThreshold: 30 * time.Minute,
		BatchSize:      100,
	}, nil)
}

func TestSyncPackages(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddPackage(models.Package{ID: "pkg-1", SubscriptionSerial: "sub-1", Status: models.PackageStatusActive})
	db.AddPackage(models.Package{ID: "pkg-2", SubscriptionSerial: "sub-2", Status: models.PackageStatusActive, Synced: true})

	sched := newScheduler(db, gw)
	itemErrors := sched.SyncPackages(context.Background())
	assert.Zero(t, itemErrors)

	assert.Equal(t, []string{"pkg-1"}, gw.PushedPackages)
	assert.True(t, db.Package("pkg-1").Synced)

	recs := db.SyncRecordsFor("pkg-1", models.SyncCategoryPackage)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SyncStatusSuccess, recs[0].Status)

	// A second run with no state change makes no further mutations.
	itemErrors = sched.SyncPackages(context.Background())
	assert.Zero(t, itemErrors)
	assert.Equal(t, []string{"pkg-1"}, gw.PushedPackages)
	assert.Len(t, db.SyncRecordsFor("pkg-1", models.SyncCategoryPackage), 1)
}

func TestSyncPackagesIsolatesItemFailures(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{
		PushPackageFn: func(_ context.Context, pkg models.Package) error {
			if pkg.ID == "pkg-1" {
				return errors.New("upstream 500")
			}
			return nil
		},
	}
	db.AddPackage(models.Package{ID: "pkg-1", Status: models.PackageStatusActive})
	db.AddPackage(models.Package{ID: "pkg-2", Status: models.PackageStatusActive})

	itemErrors := newScheduler(db, gw).SyncPackages(context.Background())
	assert.Equal(t, 1, itemErrors)

	// The second item still ran after the first failed.
	assert.False(t, db.Package("pkg-1").Synced)
	assert.True(t, db.Package("pkg-2").Synced)

	recs := db.SyncRecordsFor("pkg-1", models.SyncCategoryPackage)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SyncStatusFail, recs[0].Status)
}

func TestSyncPackagesSkipsInProcessItems(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddPackage(models.Package{ID: "pkg-1", Status: models.PackageStatusActive})
	db.AddSyncRecord(models.SyncRecord{
		ReferenceID: "pkg-1",
		Category:    models.SyncCategoryPackage,
		Status:      models.SyncStatusInProcess,
		UpdatedAt:   time.Now().UTC(),
	})

	itemErrors := newScheduler(db, gw).SyncPackages(context.Background())
	assert.Zero(t, itemErrors)
	assert.Empty(t, gw.PushedPackages)
}

func TestSyncCancelledOrders(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddOrder(models.Order{ID: "ord-1", SubscriptionSerial: "sub-1", CancelRequested: true})

	itemErrors := newScheduler(db, gw).SyncCancelledOrders(context.Background())
	assert.Zero(t, itemErrors)

	assert.Equal(t, []string{"sub-1"}, gw.Cancelled)
	assert.True(t, db.Order("ord-1").CancelAcked)
}

func TestSyncCancelledOrdersAcksGoneSubscription(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{
		GetSubscriptionFn: func(_ context.Context, serial string) (*billing.Subscription, error) {
			return nil, fleeterr.New(fleeterr.KindNotFound, "subscription not found")
		},
	}
	db.AddOrder(models.Order{ID: "ord-1", SubscriptionSerial: "sub-1", CancelRequested: true})

	itemErrors := newScheduler(db, gw).SyncCancelledOrders(context.Background())
	assert.Zero(t, itemErrors)

	// Billing no longer knows the subscription, so no cancel call is made
	// but the order is still acknowledged.
	assert.Empty(t, gw.Cancelled)
	assert.True(t, db.Order("ord-1").CancelAcked)
}

func TestSyncCancelledOrdersSkipsAlreadyCancelledUpstream(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{
		GetSubscriptionFn: func(_ context.Context, serial string) (*billing.Subscription, error) {
			return &billing.Subscription{Serial: serial, Status: "cancelled"}, nil
		},
	}
	db.AddOrder(models.Order{ID: "ord-1", SubscriptionSerial: "sub-1", CancelRequested: true})

	itemErrors := newScheduler(db, gw).SyncCancelledOrders(context.Background())
	assert.Zero(t, itemErrors)
	assert.Empty(t, gw.Cancelled)
	assert.True(t, db.Order("ord-1").CancelAcked)
}

func TestExpirePackagesDisablesLapsedPackage(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	past := time.Now().UTC().Add(-time.Hour)
	gw := &fleettest.FakeBilling{
		GetSubscriptionFn: func(_ context.Context, serial string) (*billing.Subscription, error) {
			return &billing.Subscription{Serial: serial, Status: "expired", ExpiresAt: &past}, nil
		},
	}
	db.AddPackage(models.Package{ID: "pkg-1", SubscriptionSerial: "sub-1", Status: models.PackageStatusActive, ExpiresAt: &past})

	itemErrors := newScheduler(db, gw).ExpirePackages(context.Background())
	assert.Zero(t, itemErrors)
	assert.Equal(t, models.PackageStatusDisabled, db.Package("pkg-1").Status)
}

func TestExpirePackagesLeavesRenewedPackageAlone(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(24 * time.Hour)
	gw := &fleettest.FakeBilling{
		GetSubscriptionFn: func(_ context.Context, serial string) (*billing.Subscription, error) {
			return &billing.Subscription{Serial: serial, Status: "active", ExpiresAt: &future}, nil
		},
	}
	db.AddPackage(models.Package{ID: "pkg-1", SubscriptionSerial: "sub-1", Status: models.PackageStatusActive, ExpiresAt: &past})

	itemErrors := newScheduler(db, gw).ExpirePackages(context.Background())
	assert.Zero(t, itemErrors)
	assert.Equal(t, models.PackageStatusActive, db.Package("pkg-1").Status)
}

func TestSweepStuckResetsAbandonedRecords(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddSyncRecord(models.SyncRecord{
		ID:          "sync-stale",
		ReferenceID: "pkg-1",
		Category:    models.SyncCategoryPackage,
		Status:      models.SyncStatusInProcess,
		UpdatedAt:   time.Now().UTC().Add(-2 * time.Hour),
	})
	db.AddSyncRecord(models.SyncRecord{
		ID:          "sync-fresh",
		ReferenceID: "pkg-2",
		Category:    models.SyncCategoryPackage,
		Status:      models.SyncStatusInProcess,
		UpdatedAt:   time.Now().UTC(),
	})
	db.AddPackage(models.Package{ID: "pkg-1", Status: models.PackageStatusActive})

	sched := newScheduler(db, gw)
	itemErrors := sched.SweepStuck(context.Background())
	assert.Zero(t, itemErrors)

	stale := db.SyncRecordsFor("pkg-1", models.SyncCategoryPackage)
	require.Len(t, stale, 1)
	assert.Equal(t, models.SyncStatusError, stale[0].Status)

	fresh := db.SyncRecordsFor("pkg-2", models.SyncCategoryPackage)
	require.Len(t, fresh, 1)
	assert.Equal(t, models.SyncStatusInProcess, fresh[0].Status)

	// With the stale claim released, the package pass can retry the item.
	itemErrors = sched.SyncPackages(context.Background())
	assert.Zero(t, itemErrors)
	assert.True(t, db.Package("pkg-1").Synced)
}

func TestSyncUsers(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddUser(models.User{ID: "usr-1", Email: "a@example.com"})

	itemErrors := newScheduler(db, gw).SyncUsers(context.Background())
	assert.Zero(t, itemErrors)

	user := db.User("usr-1")
	assert.True(t, user.Synced)
	assert.Equal(t, "remote-usr-1", user.RemoteID)
}

func TestSyncUsersIsolatesItemFailures(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{
		CreateUserFn: func(_ context.Context, user models.User) (*billing.RemoteUser, error) {
			if user.ID == "usr-1" {
				return nil, errors.New("upstream 500")
			}
			return &billing.RemoteUser{ID: "remote-" + user.ID}, nil
		},
	}
	db.AddUser(models.User{ID: "usr-1", Email: "a@example.com"})
	db.AddUser(models.User{ID: "usr-2", Email: "b@example.com"})

	itemErrors := newScheduler(db, gw).SyncUsers(context.Background())
	assert.Equal(t, 1, itemErrors)
	assert.False(t, db.User("usr-1").Synced)
	assert.True(t, db.User("usr-2").Synced)
}

func TestStartRunsPassesUntilCancelled(t *testing.T) {
	db := fleettest.NewFakeDatabase()
	gw := &fleettest.FakeBilling{}
	db.AddPackage(models.Package{ID: "pkg-1", Status: models.PackageStatusActive})

	ran := make(chan string, 16)
	sched := NewScheduler(db, gw, config.ReconConfig{
		PackageSyncInterval:   time.Hour,
		OrderCancelInterval:   time.Hour,
		PackageExpiryInterval: time.Hour,
		StuckSweepInterval:    time.Hour,
		UserSyncInterval:      time.Hour,
		StuckThreshold:        30 * time.Minute,
		BatchSize:             100,
	}, func(pass string, itemErrors int) {
		ran <- pass
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < 5 {
		select {
		case pass := <-ran:
			seen[pass] = true
		case <-deadline:
			t.Fatalf("only saw passes %v", seen)
		}
	}
	cancel()
	sched.Wait()

	assert.True(t, db.Package("pkg-1").Synced)
}
