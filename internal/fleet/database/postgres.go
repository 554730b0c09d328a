package database

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// PostgreSQL is an implementation of the Database interface using PostgreSQL
type PostgreSQL struct {
	pool *pgxpool.Pool
}

// Executor is an interface for executing queries (satisfied by both pgx.Tx and pgxpool.Pool)
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Database = (*PostgreSQL)(nil)

// NewPostgreSQL creates a new instance of the PostgreSQL database
func NewPostgreSQL(ctx context.Context, connectionURI string) (*PostgreSQL, error) {
	config, err := pgxpool.ParseConfig(connectionURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	// Configure pool for stability-focused defaults
	config.MaxConns = 30
	config.MinConns = 5
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = 2 * time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Run migrations using a single connection from the pool
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	if err := migrate(ctx, conn.Conn()); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

func migrate(ctx context.Context, conn *pgx.Conn) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provision_jobs (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			total_record INT NOT NULL DEFAULT 0,
			total_added INT NOT NULL DEFAULT 0,
			total_existing INT NOT NULL DEFAULT 0,
			total_errored INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS address_blocks (
			id BIGSERIAL PRIMARY KEY,
			ip TEXT NOT NULL UNIQUE,
			mask INT NOT NULL DEFAULT 32,
			gateway TEXT NOT NULL DEFAULT '',
			interface_name TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			ip_ranges TEXT[] NOT NULL DEFAULT '{}',
			host_address TEXT NOT NULL,
			internal_host_address TEXT NOT NULL DEFAULT '',
			admin_port INT NOT NULL DEFAULT 8080,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_records (
			id UUID PRIMARY KEY,
			reference_id TEXT NOT NULL,
			service_category TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_records_active_uniq
			ON sync_records (reference_id, service_category)
			WHERE status = 'in-process'`,
		`CREATE TABLE IF NOT EXISTS packages (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			subscription_serial TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			synced BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			subscription_serial TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_acked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			remote_id TEXT NOT NULL DEFAULT '',
			synced BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (db *PostgreSQL) Close() error {
	db.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- AddressStore ----

const addressColumns = `id, ip, mask, gateway, interface_name, enabled, created_at, updated_at`

func scanAddress(row pgx.Row) (models.AddressRecord, error) {
	var rec models.AddressRecord
	err := row.Scan(&rec.ID, &rec.IP, &rec.Mask, &rec.Gateway, &rec.InterfaceName,
		&rec.Enabled, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (db *PostgreSQL) GetAddressesByRange(ctx context.Context, cidr string) ([]models.AddressRecord, error) {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return nil, fmt.Errorf("%w: invalid range %q: %v", ErrInvalidInput, cidr, err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+addressColumns+` FROM address_blocks WHERE ip::inet <<= $1::cidr ORDER BY ip::inet`, cidr)
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses by range: %w", err)
	}
	defer rows.Close()
	return collectAddresses(rows)
}

func (db *PostgreSQL) GetAllEnabledAddresses(ctx context.Context) ([]models.AddressRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+addressColumns+` FROM address_blocks WHERE enabled ORDER BY ip::inet`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled addresses: %w", err)
	}
	defer rows.Close()
	return collectAddresses(rows)
}

func collectAddresses(rows pgx.Rows) ([]models.AddressRecord, error) {
	var out []models.AddressRecord
	for rows.Next() {
		rec, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *PostgreSQL) InsertAddressBatch(ctx context.Context, recs []models.AddressRecord) ([]models.AddressRecord, error) {
	var inserted []models.AddressRecord
	for _, rec := range recs {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO address_blocks (ip, mask, gateway, interface_name, enabled)
			 VALUES ($1, $2, $3, $4, FALSE)
			 ON CONFLICT (ip) DO NOTHING
			 RETURNING `+addressColumns,
			rec.IP, rec.Mask, rec.Gateway, rec.InterfaceName)
		got, err := scanAddress(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// already present, upsert is a no-op
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert address %s: %w", rec.IP, err)
		}
		inserted = append(inserted, got)
	}
	return inserted, nil
}

func (db *PostgreSQL) ActivateRange(ctx context.Context, cidr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE address_blocks SET enabled = TRUE, updated_at = now() WHERE ip::inet <<= $1::cidr`, cidr)
	if err != nil {
		return fmt.Errorf("failed to activate range %s: %w", cidr, err)
	}
	return nil
}

func (db *PostgreSQL) DeactivateRange(ctx context.Context, cidr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE address_blocks SET enabled = FALSE, updated_at = now() WHERE ip::inet <<= $1::cidr`, cidr)
	if err != nil {
		return fmt.Errorf("failed to deactivate range %s: %w", cidr, err)
	}
	return nil
}

func (db *PostgreSQL) DeleteRange(ctx context.Context, cidr string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM address_blocks WHERE ip::inet <<= $1::cidr`, cidr)
	if err != nil {
		return fmt.Errorf("failed to delete range %s: %w", cidr, err)
	}
	return nil
}

// ---- JobStore ----

const jobColumns = `id, kind, payload, status, total_record, total_added, total_existing, total_errored, last_error, created_at, updated_at, deleted_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(&job.ID, &job.Kind, &job.Payload, &job.Status,
		&job.Counts.TotalRecord, &job.Counts.TotalAdded, &job.Counts.TotalExisting, &job.Counts.TotalErrored,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (db *PostgreSQL) CreateJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO provision_jobs (id, kind, payload, status, total_record)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+jobColumns,
		job.ID, job.Kind, job.Payload, job.Status, job.Counts.TotalRecord)
	created, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return created, nil
}

func (db *PostgreSQL) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provision_jobs WHERE id = $1 AND deleted_at IS NULL`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

func (db *PostgreSQL) UpdateJobStatus(ctx context.Context, id string, update JobStatusUpdate) error {
	var tag pgconn.CommandTag
	var err error
	if update.Counts != nil {
		tag, err = db.pool.Exec(ctx,
			`UPDATE provision_jobs
			 SET status = $2, total_record = $3, total_added = $4, total_existing = $5,
			     total_errored = $6, last_error = $7, updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL`,
			id, update.Status, update.Counts.TotalRecord, update.Counts.TotalAdded,
			update.Counts.TotalExisting, update.Counts.TotalErrored, update.LastError)
	} else {
		tag, err = db.pool.Exec(ctx,
			`UPDATE provision_jobs SET status = $2, last_error = $3, updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL`,
			id, update.Status, update.LastError)
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgreSQL) SoftDeleteJob(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE provision_jobs SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- ServerRegistry ----

const serverColumns = `id, name, ip_ranges, host_address, internal_host_address, admin_port, enabled, created_at, updated_at`

func scanServer(row pgx.Row) (models.ServerRecord, error) {
	var rec models.ServerRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.IPRanges, &rec.HostAddress,
		&rec.InternalHostAddress, &rec.AdminPort, &rec.Enabled, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (db *PostgreSQL) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []models.ServerRecord
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *PostgreSQL) GetServerByRange(ctx context.Context, cidr string) (*models.ServerRecord, error) {
	target, err := parseRangeOrHost(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	servers, err := db.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	match := MatchServerByRange(servers, target)
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// MatchServerByRange returns the enabled server whose range list contains
// target, preferring the most specific containing range. Ranges across
// enabled servers are assumed disjoint, so ties do not occur in practice.
func MatchServerByRange(servers []models.ServerRecord, target netip.Prefix) *models.ServerRecord {
	var best *models.ServerRecord
	bestBits := -1
	for i := range servers {
		if !servers[i].Enabled {
			continue
		}
		for _, raw := range servers[i].IPRanges {
			owned, err := parseRangeOrHost(raw)
			if err != nil {
				continue
			}
			if owned.Bits() > target.Bits() {
				continue
			}
			if !owned.Contains(target.Addr()) {
				continue
			}
			if owned.Bits() > bestBits {
				best = &servers[i]
				bestBits = owned.Bits()
			}
		}
	}
	return best
}

// parseRangeOrHost accepts "a.b.c.d/nn" or a bare host address (treated as /32).
func parseRangeOrHost(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid range %q", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ---- SyncStore ----

const syncColumns = `id, reference_id, service_category, status, created_at, updated_at`

func scanSyncRecord(row pgx.Row) (models.SyncRecord, error) {
	var rec models.SyncRecord
	err := row.Scan(&rec.ID, &rec.ReferenceID, &rec.Category, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (db *PostgreSQL) CreateSyncRecord(ctx context.Context, referenceID string, category models.SyncCategory) (*models.SyncRecord, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO sync_records (id, reference_id, service_category, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+syncColumns,
		uuid.NewString(), referenceID, category, models.SyncStatusInProcess)
	rec, err := scanSyncRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create sync record: %w", err)
	}
	return &rec, nil
}

func (db *PostgreSQL) UpdateSyncRecordStatus(ctx context.Context, id string, status models.SyncStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_records SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update sync record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgreSQL) ListStuckSyncRecords(ctx context.Context, olderThan time.Time, limit int) ([]models.SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+syncColumns+` FROM sync_records
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`,
		models.SyncStatusInProcess, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sync records: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- BusinessStore ----

const packageColumns = `id, user_id, subscription_serial, status, synced, expires_at, created_at, updated_at`

func scanPackage(row pgx.Row) (models.Package, error) {
	var pkg models.Package
	err := row.Scan(&pkg.ID, &pkg.UserID, &pkg.SubscriptionSerial, &pkg.Status,
		&pkg.Synced, &pkg.ExpiresAt, &pkg.CreatedAt, &pkg.UpdatedAt)
	return pkg, err
}

func (db *PostgreSQL) ListUnsyncedPackages(ctx context.Context, limit int) ([]models.Package, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM packages
		 WHERE NOT synced AND status = $1
		 ORDER BY created_at LIMIT $2`,
		models.PackageStatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced packages: %w", err)
	}
	defer rows.Close()
	return collectPackages(rows)
}

func (db *PostgreSQL) ListExpiredPackages(ctx context.Context, now time.Time, limit int) ([]models.Package, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM packages
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		 ORDER BY expires_at LIMIT $3`,
		models.PackageStatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired packages: %w", err)
	}
	defer rows.Close()
	return collectPackages(rows)
}

func collectPackages(rows pgx.Rows) ([]models.Package, error) {
	var out []models.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (db *PostgreSQL) MarkPackageSynced(ctx context.Context, id string) error {
	return db.execOne(ctx,
		`UPDATE packages SET synced = TRUE, updated_at = now() WHERE id = $1`, id)
}

func (db *PostgreSQL) DisablePackage(ctx context.Context, id string) error {
	return db.execOne(ctx,
		`UPDATE packages SET status = $2, updated_at = now() WHERE id = $1`,
		id, models.PackageStatusDisabled)
}

func (db *PostgreSQL) ListUncancelledOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, subscription_serial, status, cancel_requested, cancel_acked, created_at, updated_at
		 FROM orders
		 WHERE cancel_requested AND NOT cancel_acked
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncancelled orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.SubscriptionSerial, &o.Status,
			&o.CancelRequested, &o.CancelAcked, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *PostgreSQL) MarkOrderCancelAcked(ctx context.Context, id string) error {
	return db.execOne(ctx,
		`UPDATE orders SET cancel_acked = TRUE, status = 'cancelled', updated_at = now() WHERE id = $1`, id)
}

func (db *PostgreSQL) ListUnsyncedUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, email, remote_id, synced, created_at, updated_at
		 FROM users WHERE NOT synced
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.RemoteID, &u.Synced, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *PostgreSQL) LinkUserRemote(ctx context.Context, id, remoteID string) error {
	return db.execOne(ctx,
		`UPDATE users SET remote_id = $2, synced = TRUE, updated_at = now() WHERE id = $1`, id, remoteID)
}

func (db *PostgreSQL) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
