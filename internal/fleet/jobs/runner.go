// Package jobs runs provisioning jobs: accept fast, settle asynchronously,
// with partial-failure accounting in the job record.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
	"github.com/egressfleet/egressfleet/internal/fleet/netif"
	"github.com/egressfleet/egressfleet/internal/fleet/proxycfg"
)

// Observer is notified when a job reaches a terminal status.
type Observer func(kind models.JobKind, status models.JobStatus)

// Runner accepts provisioning jobs and executes them on a bounded worker
// pool. Acceptance persists the job in processing state and returns
// immediately; the outcome is observable only through the job store.
type Runner struct {
	store     database.JobStore
	addresses database.AddressStore
	executor  netif.Executor
	proxy     proxycfg.Writer
	iface     string
	observer  Observer

	queue chan *models.Job
	wg    sync.WaitGroup
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Interface is the device addresses are bound to.
	Interface string
	// Workers is the size of the execution pool.
	Workers int
	// QueueLen is the acceptance queue capacity.
	QueueLen int
	// Observer, if set, is called at every terminal transition.
	Observer Observer
}

// NewRunner creates a Runner and starts its worker pool.
func NewRunner(store database.JobStore, addresses database.AddressStore, executor netif.Executor, proxy proxycfg.Writer, opts RunnerOptions) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 64
	}
	r := &Runner{
		store:     store,
		addresses: addresses,
		executor:  executor,
		proxy:     proxy,
		iface:     opts.Interface,
		observer:  opts.Observer,
		queue:     make(chan *models.Job, opts.QueueLen),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Stop drains the queue and waits for in-flight jobs. Jobs already
// dispatched run to completion; there is no mid-flight cancellation.
func (r *Runner) Stop() {
	close(r.queue)
	r.wg.Wait()
}

// Add validates the payload, persists the job in processing state and
// schedules its execution. The returned job is the accepted record; the
// caller does not block on provisioning completion.
func (r *Runner) Add(ctx context.Context, kind models.JobKind, payload string) (*models.Job, error) {
	switch kind {
	case models.JobKindGenerate, models.JobKindRegenerate, models.JobKindRemove:
	default:
		return nil, fleeterr.Newf(fleeterr.KindValidation, "unknown job kind %q", kind)
	}
	// The canonical masked form is what every later range lookup casts as a
	// cidr literal, so host bits must be cleared before the payload lands in
	// the job record.
	normalized, err := NormalizeRange(payload)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindValidation, "invalid provisioning range", err)
	}

	job, err := r.store.CreateJob(ctx, &models.Job{
		Kind:    kind,
		Payload: normalized,
		Status:  models.JobStatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	select {
	case r.queue <- job:
	case <-ctx.Done():
		r.finish(job, models.JobStatusFail, models.JobCounts{}, "job was never scheduled: "+ctx.Err().Error())
		return nil, ctx.Err()
	}
	return job, nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for job := range r.queue {
		// Execution is detached from the request context: there is no
		// caller left to cancel on.
		r.execute(context.Background(), job)
	}
}

func (r *Runner) execute(ctx context.Context, job *models.Job) {
	log.Printf("job %s: executing %s for %s", job.ID, job.Kind, job.Payload)
	switch job.Kind {
	case models.JobKindGenerate, models.JobKindRegenerate:
		r.executeGenerate(ctx, job)
	case models.JobKindRemove:
		r.executeRemove(ctx, job)
	}
}

// outcome classifies one address attempt. changed means the executor acted
// on the address; skipped means it was already in the desired state.
type outcome struct {
	changed bool
	skipped bool
	err     error
}

func (r *Runner) executeGenerate(ctx context.Context, job *models.Job) {
	gateway, hosts, err := ExpandRange(job.Payload)
	if err != nil {
		r.finish(job, models.JobStatusFail, models.JobCounts{}, "failed to expand range: "+err.Error())
		return
	}

	candidates := make([]models.AddressRecord, 0, len(hosts))
	for _, host := range hosts {
		candidates = append(candidates, models.AddressRecord{
			IP:            host,
			Mask:          32,
			Gateway:       gateway,
			InterfaceName: r.iface,
		})
	}
	if _, err := r.addresses.InsertAddressBatch(ctx, candidates); err != nil {
		r.finish(job, models.JobStatusFail,
			models.JobCounts{TotalRecord: len(candidates), TotalErrored: len(candidates)},
			"failed to reserve candidate records: "+err.Error())
		return
	}

	recs, err := r.addresses.GetAddressesByRange(ctx, job.Payload)
	if err != nil {
		r.finish(job, models.JobStatusFail,
			models.JobCounts{TotalRecord: len(candidates), TotalErrored: len(candidates)},
			"failed to resolve reserved records: "+err.Error())
		return
	}

	counts, lastErr := r.bindAll(ctx, recs)
	if counts.TotalErrored > 0 {
		// The range is not activated on any binding failure.
		r.finish(job, models.JobStatusFail, counts, lastErr)
		return
	}

	if err := r.activate(ctx, job.Payload); err != nil {
		// Terminal status reflects the furthest failed step; binding counts
		// stay intact.
		r.finish(job, models.JobStatusFail, counts, err.Error())
		return
	}
	r.finish(job, models.JobStatusSuccess, counts, "")
}

func (r *Runner) executeRemove(ctx context.Context, job *models.Job) {
	recs, err := r.addresses.GetAddressesByRange(ctx, job.Payload)
	if err != nil {
		r.finish(job, models.JobStatusFail, models.JobCounts{}, "failed to resolve records: "+err.Error())
		return
	}

	counts, lastErr := r.unbindAll(ctx, recs)
	if counts.TotalErrored > 0 {
		r.finish(job, models.JobStatusFail, counts, lastErr)
		return
	}

	if err := r.retire(ctx, job.Payload); err != nil {
		r.finish(job, models.JobStatusFail, counts, err.Error())
		return
	}
	r.finish(job, models.JobStatusSuccess, counts, "")
}

// bindAll attempts every candidate concurrently and joins on all of them, so
// the failure count is exact rather than first-error-wins.
func (r *Runner) bindAll(ctx context.Context, recs []models.AddressRecord) (models.JobCounts, string) {
	outcomes := make([]outcome, len(recs))
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = r.bindOne(ctx, recs[i])
		}(i)
	}
	wg.Wait()
	return tally(recs, outcomes)
}

func (r *Runner) bindOne(ctx context.Context, rec models.AddressRecord) outcome {
	exists, err := r.executor.Exists(ctx, rec.IP)
	if err != nil {
		return outcome{err: fleeterr.Wrap(fleeterr.KindExecutionFailure, "existence check failed for "+rec.IP, err)}
	}
	if exists {
		return outcome{skipped: true}
	}
	if err := r.executor.Bind(ctx, rec.IP, rec.Mask, rec.InterfaceName); err != nil {
		return outcome{err: fleeterr.Wrap(fleeterr.KindExecutionFailure, "bind failed for "+rec.IP, err)}
	}
	return outcome{changed: true}
}

func (r *Runner) unbindAll(ctx context.Context, recs []models.AddressRecord) (models.JobCounts, string) {
	outcomes := make([]outcome, len(recs))
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = r.unbindOne(ctx, recs[i])
		}(i)
	}
	wg.Wait()
	return tally(recs, outcomes)
}

func (r *Runner) unbindOne(ctx context.Context, rec models.AddressRecord) outcome {
	exists, err := r.executor.Exists(ctx, rec.IP)
	if err != nil {
		return outcome{err: fleeterr.Wrap(fleeterr.KindExecutionFailure, "existence check failed for "+rec.IP, err)}
	}
	if !exists {
		return outcome{skipped: true}
	}
	if err := r.executor.Unbind(ctx, rec.IP, rec.Mask, rec.InterfaceName); err != nil {
		return outcome{err: fleeterr.Wrap(fleeterr.KindExecutionFailure, "unbind failed for "+rec.IP, err)}
	}
	return outcome{changed: true}
}

func tally(recs []models.AddressRecord, outcomes []outcome) (models.JobCounts, string) {
	counts := models.JobCounts{TotalRecord: len(recs)}
	var lastErr string
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			counts.TotalErrored++
			lastErr = o.err.Error()
			log.Printf("address %s: %v", recs[i].IP, o.err)
		case o.skipped:
			counts.TotalExisting++
		case o.changed:
			counts.TotalAdded++
		}
	}
	return counts, lastErr
}

// activate enables the range in one bulk update and rewrites the proxy
// surface from the full enabled set.
func (r *Runner) activate(ctx context.Context, cidr string) error {
	if err := r.addresses.ActivateRange(ctx, cidr); err != nil {
		return fmt.Errorf("failed to activate range: %w", err)
	}
	return r.rewriteProxy(ctx)
}

func (r *Runner) retire(ctx context.Context, cidr string) error {
	if err := r.addresses.DeactivateRange(ctx, cidr); err != nil {
		return fmt.Errorf("failed to deactivate range: %w", err)
	}
	if err := r.addresses.DeleteRange(ctx, cidr); err != nil {
		return fmt.Errorf("failed to delete range: %w", err)
	}
	return r.rewriteProxy(ctx)
}

func (r *Runner) rewriteProxy(ctx context.Context) error {
	enabled, err := r.addresses.GetAllEnabledAddresses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled addresses: %w", err)
	}
	if err := r.proxy.Write(ctx, enabled); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	return nil
}

// finish records the terminal transition. Errors here can only be logged;
// there is no caller left to receive them.
func (r *Runner) finish(job *models.Job, status models.JobStatus, counts models.JobCounts, lastErr string) {
	update := database.JobStatusUpdate{Status: status, Counts: &counts, LastError: lastErr}
	if err := r.store.UpdateJobStatus(context.Background(), job.ID, update); err != nil {
		log.Printf("job %s: failed to record terminal status %s: %v", job.ID, status, err)
	}
	if lastErr != "" {
		log.Printf("job %s: %s (%+v): %s", job.ID, status, counts, lastErr)
	} else {
		log.Printf("job %s: %s (%+v)", job.ID, status, counts)
	}
	if r.observer != nil {
		r.observer(job.Kind, status)
	}
}
