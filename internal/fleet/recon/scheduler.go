// Package recon keeps local business state consistent with the external
// billing system despite at-least-once, eventually-consistent webhook
// delivery. Five independently-timed passes each drive a bounded work list
// to a terminal state; one bad record never halts a pass.
package recon

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/billing"
	"github.com/egressfleet/egressfleet/internal/fleet/config"
	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Observer is notified after every pass run.
type Observer func(pass string, itemErrors int)

// Store is the persistence surface the passes need.
type Store interface {
	database.SyncStore
	database.BusinessStore
}

// Scheduler owns the reconciliation passes.
type Scheduler struct {
	store    Store
	billing  billing.Gateway
	cfg      config.ReconConfig
	observer Observer

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. observer may be nil.
func NewScheduler(store Store, gateway billing.Gateway, cfg config.ReconConfig, observer Observer) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{store: store, billing: gateway, cfg: cfg, observer: observer}
}

// Start launches the five pass loops and returns. Loops stop when ctx is
// cancelled; Wait blocks until they have exited.
func (s *Scheduler) Start(ctx context.Context) {
	passes := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) int
	}{
		{"package-sync", s.cfg.PackageSyncInterval, s.SyncPackages},
		{"order-cancellation-sync", s.cfg.OrderCancelInterval, s.SyncCancelledOrders},
		{"package-expiry-sync", s.cfg.PackageExpiryInterval, s.ExpirePackages},
		{"stuck-in-process-sweep", s.cfg.StuckSweepInterval, s.SweepStuck},
		{"user-sync", s.cfg.UserSyncInterval, s.SyncUsers},
	}
	for _, pass := range passes {
		s.wg.Add(1)
		go s.loop(ctx, pass.name, pass.interval, pass.run)
	}
}

// Wait blocks until all pass loops have stopped.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) int) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		itemErrors := run(ctx)
		if s.observer != nil {
			s.observer(name, itemErrors)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claim opens an in-process sync record for the item, or reports that
// another run already holds one.
func (s *Scheduler) claim(ctx context.Context, referenceID string, category models.SyncCategory) (*models.SyncRecord, bool) {
	rec, err := s.store.CreateSyncRecord(ctx, referenceID, category)
	if err != nil {
		if !errors.Is(err, database.ErrAlreadyExists) {
			log.Printf("recon: failed to claim %s/%s: %v", category, referenceID, err)
		}
		return nil, false
	}
	return rec, true
}

func (s *Scheduler) settle(ctx context.Context, rec *models.SyncRecord, status models.SyncStatus) {
	if err := s.store.UpdateSyncRecordStatus(ctx, rec.ID, status); err != nil {
		log.Printf("recon: failed to settle sync record %s as %s: %v", rec.ID, status, err)
	}
}

// SyncPackages pushes every unsynced package to billing. Returns the number
// of items that failed; the pass itself never fails.
func (s *Scheduler) SyncPackages(ctx context.Context) int {
	pkgs, err := s.store.ListUnsyncedPackages(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Printf("recon: package-sync list failed: %v", err)
		return 1
	}

	itemErrors := 0
	for _, pkg := range pkgs {
		rec, ok := s.claim(ctx, pkg.ID, models.SyncCategoryPackage)
		if !ok {
			continue
		}
		if err := s.billing.PushPackage(ctx, pkg); err != nil {
			log.Printf("recon: package-sync %s: %v", pkg.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		if err := s.store.MarkPackageSynced(ctx, pkg.ID); err != nil {
			log.Printf("recon: package-sync %s: failed to mark synced: %v", pkg.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		s.settle(ctx, rec, models.SyncStatusSuccess)
	}
	return itemErrors
}

// SyncCancelledOrders drives orders with a pending cancellation to a
// terminal acknowledgment against billing.
func (s *Scheduler) SyncCancelledOrders(ctx context.Context) int {
	orders, err := s.store.ListUncancelledOrders(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Printf("recon: order-cancellation-sync list failed: %v", err)
		return 1
	}

	itemErrors := 0
	for _, order := range orders {
		rec, ok := s.claim(ctx, order.ID, models.SyncCategoryCancelSubscription)
		if !ok {
			continue
		}
		if err := s.cancelUpstream(ctx, order.SubscriptionSerial); err != nil {
			log.Printf("recon: order-cancellation-sync %s: %v", order.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		if err := s.store.MarkOrderCancelAcked(ctx, order.ID); err != nil {
			log.Printf("recon: order-cancellation-sync %s: failed to ack: %v", order.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		s.settle(ctx, rec, models.SyncStatusSuccess)
	}
	return itemErrors
}

// cancelUpstream cancels the subscription unless billing already considers
// it gone.
func (s *Scheduler) cancelUpstream(ctx context.Context, serial string) error {
	sub, err := s.billing.GetSubscription(ctx, serial)
	if err != nil {
		if fleeterr.IsKind(err, fleeterr.KindNotFound) {
			return nil
		}
		return err
	}
	if sub.Status == "cancelled" || sub.Status == "expired" {
		return nil
	}
	return s.billing.CancelSubscription(ctx, serial)
}

// ExpirePackages disables packages whose billing-confirmed expiry has
// passed.
func (s *Scheduler) ExpirePackages(ctx context.Context) int {
	pkgs, err := s.store.ListExpiredPackages(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		log.Printf("recon: package-expiry-sync list failed: %v", err)
		return 1
	}

	itemErrors := 0
	for _, pkg := range pkgs {
		rec, ok := s.claim(ctx, pkg.ID, models.SyncCategoryExpirePackage)
		if !ok {
			continue
		}
		if renewed, err := s.renewedUpstream(ctx, pkg); err != nil {
			log.Printf("recon: package-expiry-sync %s: %v", pkg.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		} else if renewed {
			// Billing extended the subscription; the webhook will refresh
			// the local expiry.
			s.settle(ctx, rec, models.SyncStatusSuccess)
			continue
		}
		if err := s.store.DisablePackage(ctx, pkg.ID); err != nil {
			log.Printf("recon: package-expiry-sync %s: failed to disable: %v", pkg.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		s.settle(ctx, rec, models.SyncStatusSuccess)
	}
	return itemErrors
}

func (s *Scheduler) renewedUpstream(ctx context.Context, pkg models.Package) (bool, error) {
	sub, err := s.billing.GetSubscription(ctx, pkg.SubscriptionSerial)
	if err != nil {
		if fleeterr.IsKind(err, fleeterr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.ExpiresAt != nil && sub.ExpiresAt.After(time.Now().UTC()), nil
}

// SweepStuck resets in-process sync records older than the staleness
// threshold so the owning pass retries them.
func (s *Scheduler) SweepStuck(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckThreshold)
	recs, err := s.store.ListStuckSyncRecords(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		log.Printf("recon: stuck-in-process-sweep list failed: %v", err)
		return 1
	}

	itemErrors := 0
	for _, rec := range recs {
		log.Printf("recon: resetting abandoned sync record %s (%s/%s)", rec.ID, rec.Category, rec.ReferenceID)
		if err := s.store.UpdateSyncRecordStatus(ctx, rec.ID, models.SyncStatusError); err != nil {
			log.Printf("recon: stuck-in-process-sweep %s: %v", rec.ID, err)
			itemErrors++
		}
	}
	return itemErrors
}

// SyncUsers re-attempts remote creation for locally-created users lacking a
// confirmed billing counterpart.
func (s *Scheduler) SyncUsers(ctx context.Context) int {
	users, err := s.store.ListUnsyncedUsers(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Printf("recon: user-sync list failed: %v", err)
		return 1
	}

	itemErrors := 0
	for _, user := range users {
		rec, ok := s.claim(ctx, user.ID, models.SyncCategoryUser)
		if !ok {
			continue
		}
		remote, err := s.billing.CreateUser(ctx, user)
		if err != nil {
			log.Printf("recon: user-sync %s: %v", user.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		if err := s.store.LinkUserRemote(ctx, user.ID, remote.ID); err != nil {
			log.Printf("recon: user-sync %s: failed to link: %v", user.ID, err)
			s.settle(ctx, rec, models.SyncStatusFail)
			itemErrors++
			continue
		}
		s.settle(ctx, rec, models.SyncStatusSuccess)
	}
	return itemErrors
}
