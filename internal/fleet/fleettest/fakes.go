// Package fleettest provides in-memory fakes of the fleet collaborators for
// unit tests.
package fleettest

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/billing"
	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// FakeDatabase is an in-memory database.Database.
type FakeDatabase struct {
	mu sync.Mutex

	addresses map[string]models.AddressRecord
	nextAddr  int64
	jobs      map[string]*models.Job
	nextJob   int
	servers   []models.ServerRecord
	syncRecs  map[string]*models.SyncRecord
	nextSync  int
	packages  map[string]*models.Package
	orders    map[string]*models.Order
	users     map[string]*models.User

	// Error injection points.
	InsertBatchErr     error
	GetByRangeErr      error
	GetAllEnabledErr   error
	ActivateRangeErr   error
	DeactivateRangeErr error
	ServerLookupErr    error
}

var _ database.Database = (*FakeDatabase)(nil)

// NewFakeDatabase returns an empty fake.
func NewFakeDatabase() *FakeDatabase {
	return &FakeDatabase{
		addresses: make(map[string]models.AddressRecord),
		jobs:      make(map[string]*models.Job),
		syncRecs:  make(map[string]*models.SyncRecord),
		packages:  make(map[string]*models.Package),
		orders:    make(map[string]*models.Order),
		users:     make(map[string]*models.User),
	}
}

func (f *FakeDatabase) Close() error { return nil }

func inRange(cidr, ip string) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Masked().Contains(addr)
}

// ---- AddressStore ----

func (f *FakeDatabase) GetAddressesByRange(_ context.Context, cidr string) ([]models.AddressRecord, error) {
	if f.GetByRangeErr != nil {
		return nil, f.GetByRangeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AddressRecord
	for _, rec := range f.addresses {
		if inRange(cidr, rec.IP) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (f *FakeDatabase) GetAllEnabledAddresses(_ context.Context) ([]models.AddressRecord, error) {
	if f.GetAllEnabledErr != nil {
		return nil, f.GetAllEnabledErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AddressRecord
	for _, rec := range f.addresses {
		if rec.Enabled {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (f *FakeDatabase) InsertAddressBatch(_ context.Context, recs []models.AddressRecord) ([]models.AddressRecord, error) {
	if f.InsertBatchErr != nil {
		return nil, f.InsertBatchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []models.AddressRecord
	for _, rec := range recs {
		if _, ok := f.addresses[rec.IP]; ok {
			continue
		}
		f.nextAddr++
		rec.ID = f.nextAddr
		rec.CreatedAt = time.Now().UTC()
		rec.UpdatedAt = rec.CreatedAt
		f.addresses[rec.IP] = rec
		inserted = append(inserted, rec)
	}
	return inserted, nil
}

func (f *FakeDatabase) ActivateRange(_ context.Context, cidr string) error {
	if f.ActivateRangeErr != nil {
		return f.ActivateRangeErr
	}
	f.setEnabled(cidr, true)
	return nil
}

func (f *FakeDatabase) DeactivateRange(_ context.Context, cidr string) error {
	if f.DeactivateRangeErr != nil {
		return f.DeactivateRangeErr
	}
	f.setEnabled(cidr, false)
	return nil
}

func (f *FakeDatabase) setEnabled(cidr string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ip, rec := range f.addresses {
		if inRange(cidr, ip) {
			rec.Enabled = enabled
			rec.UpdatedAt = time.Now().UTC()
			f.addresses[ip] = rec
		}
	}
}

func (f *FakeDatabase) DeleteRange(_ context.Context, cidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ip := range f.addresses {
		if inRange(cidr, ip) {
			delete(f.addresses, ip)
		}
	}
	return nil
}

// AddAddress seeds an address record.
func (f *FakeDatabase) AddAddress(rec models.AddressRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAddr++
	rec.ID = f.nextAddr
	f.addresses[rec.IP] = rec
}

// ---- JobStore ----

func (f *FakeDatabase) CreateJob(_ context.Context, job *models.Job) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJob++
	stored := *job
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("job-%d", f.nextJob)
	}
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	f.jobs[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (f *FakeDatabase) GetJobByID(_ context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.DeletedAt != nil {
		return nil, database.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (f *FakeDatabase) UpdateJobStatus(_ context.Context, id string, update database.JobStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.DeletedAt != nil {
		return database.ErrNotFound
	}
	job.Status = update.Status
	if update.Counts != nil {
		job.Counts = *update.Counts
	}
	job.LastError = update.LastError
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *FakeDatabase) SoftDeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.DeletedAt != nil {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	job.DeletedAt = &now
	return nil
}

// ---- ServerRegistry ----

func (f *FakeDatabase) ListServers(_ context.Context) ([]models.ServerRecord, error) {
	if f.ServerLookupErr != nil {
		return nil, f.ServerLookupErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ServerRecord, len(f.servers))
	copy(out, f.servers)
	return out, nil
}

func (f *FakeDatabase) GetServerByRange(_ context.Context, cidr string) (*models.ServerRecord, error) {
	if f.ServerLookupErr != nil {
		return nil, f.ServerLookupErr
	}
	target, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, database.ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	match := database.MatchServerByRange(f.servers, target.Masked())
	if match == nil {
		return nil, database.ErrNotFound
	}
	out := *match
	return &out, nil
}

// AddServer seeds a server record.
func (f *FakeDatabase) AddServer(rec models.ServerRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = int64(len(f.servers) + 1)
	f.servers = append(f.servers, rec)
}

// ---- SyncStore ----

func (f *FakeDatabase) CreateSyncRecord(_ context.Context, referenceID string, category models.SyncCategory) (*models.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.syncRecs {
		if rec.ReferenceID == referenceID && rec.Category == category && rec.Status == models.SyncStatusInProcess {
			return nil, database.ErrAlreadyExists
		}
	}
	f.nextSync++
	rec := &models.SyncRecord{
		ID:          fmt.Sprintf("sync-%d", f.nextSync),
		ReferenceID: referenceID,
		Category:    category,
		Status:      models.SyncStatusInProcess,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	f.syncRecs[rec.ID] = rec
	out := *rec
	return &out, nil
}

func (f *FakeDatabase) UpdateSyncRecordStatus(_ context.Context, id string, status models.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.syncRecs[id]
	if !ok {
		return database.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *FakeDatabase) ListStuckSyncRecords(_ context.Context, olderThan time.Time, limit int) ([]models.SyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncRecord
	for _, rec := range f.syncRecs {
		if rec.Status == models.SyncStatusInProcess && rec.UpdatedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddSyncRecord seeds a sync record.
func (f *FakeDatabase) AddSyncRecord(rec models.SyncRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSync++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("sync-%d", f.nextSync)
	}
	stored := rec
	f.syncRecs[rec.ID] = &stored
}

// SyncRecordsFor returns all sync records for a reference/category pair.
func (f *FakeDatabase) SyncRecordsFor(referenceID string, category models.SyncCategory) []models.SyncRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncRecord
	for _, rec := range f.syncRecs {
		if rec.ReferenceID == referenceID && rec.Category == category {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- BusinessStore ----

func (f *FakeDatabase) ListUnsyncedPackages(_ context.Context, limit int) ([]models.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Package
	for _, pkg := range f.packages {
		if !pkg.Synced && pkg.Status == models.PackageStatusActive {
			out = append(out, *pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return bounded(out, limit), nil
}

func (f *FakeDatabase) ListExpiredPackages(_ context.Context, now time.Time, limit int) ([]models.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Package
	for _, pkg := range f.packages {
		if pkg.Status == models.PackageStatusActive && pkg.ExpiresAt != nil && pkg.ExpiresAt.Before(now) {
			out = append(out, *pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return bounded(out, limit), nil
}

func bounded[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func (f *FakeDatabase) MarkPackageSynced(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[id]
	if !ok {
		return database.ErrNotFound
	}
	pkg.Synced = true
	return nil
}

func (f *FakeDatabase) DisablePackage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[id]
	if !ok {
		return database.ErrNotFound
	}
	pkg.Status = models.PackageStatusDisabled
	return nil
}

func (f *FakeDatabase) ListUncancelledOrders(_ context.Context, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.CancelRequested && !o.CancelAcked {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return bounded(out, limit), nil
}

func (f *FakeDatabase) MarkOrderCancelAcked(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return database.ErrNotFound
	}
	o.CancelAcked = true
	o.Status = "cancelled"
	return nil
}

func (f *FakeDatabase) ListUnsyncedUsers(_ context.Context, limit int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.User
	for _, u := range f.users {
		if !u.Synced {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return bounded(out, limit), nil
}

func (f *FakeDatabase) LinkUserRemote(_ context.Context, id, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return database.ErrNotFound
	}
	u.RemoteID = remoteID
	u.Synced = true
	return nil
}

// AddPackage, AddOrder and AddUser seed business records.
func (f *FakeDatabase) AddPackage(pkg models.Package) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := pkg
	f.packages[pkg.ID] = &stored
}

func (f *FakeDatabase) AddOrder(o models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := o
	f.orders[o.ID] = &stored
}

func (f *FakeDatabase) AddUser(u models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := u
	f.users[u.ID] = &stored
}

// Package returns a seeded package by id.
func (f *FakeDatabase) Package(id string) models.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.packages[id]
}

// Order returns a seeded order by id.
func (f *FakeDatabase) Order(id string) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

// User returns a seeded user by id.
func (f *FakeDatabase) User(id string) models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

// FakeExecutor is an in-memory netif.Executor.
type FakeExecutor struct {
	mu    sync.Mutex
	bound map[string]bool

	// BindErrs fails Bind for specific addresses.
	BindErrs map[string]error
	// ExistsErrs fails Exists for specific addresses.
	ExistsErrs map[string]error

	BindCalls   []string
	UnbindCalls []string
}

// NewFakeExecutor returns an executor with no addresses bound.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{bound: make(map[string]bool)}
}

// PreBind marks an address as already assigned.
func (f *FakeExecutor) PreBind(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[ip] = true
}

// Bound reports whether an address is currently assigned.
func (f *FakeExecutor) Bound(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[ip]
}

func (f *FakeExecutor) Exists(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ExistsErrs[ip]; ok {
		return false, err
	}
	return f.bound[ip], nil
}

func (f *FakeExecutor) Bind(_ context.Context, ip string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BindCalls = append(f.BindCalls, ip)
	if err, ok := f.BindErrs[ip]; ok {
		return err
	}
	f.bound[ip] = true
	return nil
}

func (f *FakeExecutor) Unbind(_ context.Context, ip string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnbindCalls = append(f.UnbindCalls, ip)
	delete(f.bound, ip)
	return nil
}

// FakeProxyWriter records proxy config writes.
type FakeProxyWriter struct {
	mu     sync.Mutex
	writes int
	last   []models.AddressRecord

	WriteErr error
}

func (f *FakeProxyWriter) Write(_ context.Context, recs []models.AddressRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.writes++
	f.last = append([]models.AddressRecord(nil), recs...)
	return nil
}

// Writes returns how many times the config was rewritten.
func (f *FakeProxyWriter) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Last returns the most recently written address set.
func (f *FakeProxyWriter) Last() []models.AddressRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AddressRecord(nil), f.last...)
}

// FakeBilling is an in-memory billing.Gateway. Unset function fields
// succeed.
type FakeBilling struct {
	mu sync.Mutex

	GetSubscriptionFn    func(ctx context.Context, serial string) (*billing.Subscription, error)
	CancelSubscriptionFn func(ctx context.Context, serial string) error
	PushPackageFn        func(ctx context.Context, pkg models.Package) error
	CreateUserFn         func(ctx context.Context, user models.User) (*billing.RemoteUser, error)

	PushedPackages []string
	Cancelled      []string
	CreatedUsers   []string
}

var _ billing.Gateway = (*FakeBilling)(nil)

func (f *FakeBilling) GetSubscription(ctx context.Context, serial string) (*billing.Subscription, error) {
	if f.GetSubscriptionFn != nil {
		return f.GetSubscriptionFn(ctx, serial)
	}
	return &billing.Subscription{Serial: serial, Status: "active"}, nil
}

func (f *FakeBilling) CancelSubscription(ctx context.Context, serial string) error {
	f.mu.Lock()
	f.Cancelled = append(f.Cancelled, serial)
	f.mu.Unlock()
	if f.CancelSubscriptionFn != nil {
		return f.CancelSubscriptionFn(ctx, serial)
	}
	return nil
}

func (f *FakeBilling) PushPackage(ctx context.Context, pkg models.Package) error {
	f.mu.Lock()
	f.PushedPackages = append(f.PushedPackages, pkg.ID)
	f.mu.Unlock()
	if f.PushPackageFn != nil {
		return f.PushPackageFn(ctx, pkg)
	}
	return nil
}

func (f *FakeBilling) CreateUser(ctx context.Context, user models.User) (*billing.RemoteUser, error) {
	f.mu.Lock()
	f.CreatedUsers = append(f.CreatedUsers, user.ID)
	f.mu.Unlock()
	if f.CreateUserFn != nil {
		return f.CreateUserFn(ctx, user)
	}
	return &billing.RemoteUser{ID: "remote-" + user.ID, Email: user.Email}, nil
}
