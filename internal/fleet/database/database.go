// Package database persists fleet state in PostgreSQL: allocatable
// addresses, provisioning jobs, cluster servers and the reconciliation
// records.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Common database errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// JobStatusUpdate carries the fields written at a job status transition.
// Counts are only written at the terminal transition.
type JobStatusUpdate struct {
	Status    models.JobStatus
	Counts    *models.JobCounts
	LastError string
}

// AddressStore persists allocatable address records and their enable state.
type AddressStore interface {
	// GetAddressesByRange returns all address records inside the CIDR range.
	GetAddressesByRange(ctx context.Context, cidr string) ([]models.AddressRecord, error)
	// GetAllEnabledAddresses returns every enabled address, ordered by ip.
	GetAllEnabledAddresses(ctx context.Context) ([]models.AddressRecord, error)
	// InsertAddressBatch upserts candidate records and returns only the rows
	// that did not exist before.
	InsertAddressBatch(ctx context.Context, recs []models.AddressRecord) ([]models.AddressRecord, error)
	// ActivateRange enables every record inside the range in one bulk update.
	ActivateRange(ctx context.Context, cidr string) error
	// DeactivateRange disables every record inside the range in one bulk update.
	DeactivateRange(ctx context.Context, cidr string) error
	// DeleteRange removes every record inside the range.
	DeleteRange(ctx context.Context, cidr string) error
}

// JobStore persists provisioning jobs and their status transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) (*models.Job, error)
	GetJobByID(ctx context.Context, id string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, update JobStatusUpdate) error
	// SoftDeleteJob hides a job from lookups while keeping the audit row.
	SoftDeleteJob(ctx context.Context, id string) error
}

// ServerRegistry reads the cluster membership records.
type ServerRegistry interface {
	// GetServerByRange returns the enabled server whose range list contains
	// the given range, preferring the most specific match. Returns
	// ErrNotFound when no enabled server claims the range.
	GetServerByRange(ctx context.Context, cidr string) (*models.ServerRecord, error)
	ListServers(ctx context.Context) ([]models.ServerRecord, error)
}

// SyncStore persists reconciliation records.
type SyncStore interface {
	// CreateSyncRecord inserts an in-process record. Returns ErrAlreadyExists
	// when an in-process record for the same (referenceID, category) exists.
	CreateSyncRecord(ctx context.Context, referenceID string, category models.SyncCategory) (*models.SyncRecord, error)
	UpdateSyncRecordStatus(ctx context.Context, id string, status models.SyncStatus) error
	// ListStuckSyncRecords returns in-process records older than the cutoff.
	ListStuckSyncRecords(ctx context.Context, olderThan time.Time, limit int) ([]models.SyncRecord, error)
}

// BusinessStore exposes the narrow reads and writes the reconciliation
// passes need on orders, packages and users.
type BusinessStore interface {
	ListUnsyncedPackages(ctx context.Context, limit int) ([]models.Package, error)
	ListExpiredPackages(ctx context.Context, now time.Time, limit int) ([]models.Package, error)
	MarkPackageSynced(ctx context.Context, id string) error
	DisablePackage(ctx context.Context, id string) error

	ListUncancelledOrders(ctx context.Context, limit int) ([]models.Order, error)
	MarkOrderCancelAcked(ctx context.Context, id string) error

	ListUnsyncedUsers(ctx context.Context, limit int) ([]models.User, error)
	LinkUserRemote(ctx context.Context, id, remoteID string) error
}

// Database is the full persistence surface of the fleet service.
type Database interface {
	AddressStore
	JobStore
	ServerRegistry
	SyncStore
	BusinessStore

	Close() error
}
