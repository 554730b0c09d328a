// Package models defines the core records shared across the fleet service:
// provisioning jobs, allocatable addresses, cluster servers and the business
// records the reconciliation loop keeps in sync with billing.
package models

import (
	"time"
)

// JobKind identifies what a provisioning job does to its target range.
type JobKind string

const (
	JobKindGenerate   JobKind = "generate-range"
	JobKindRegenerate JobKind = "regenerate"
	JobKindRemove     JobKind = "remove"
)

// JobStatus represents the current state of a provisioning job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFail       JobStatus = "fail"
)

// JobCounts aggregates per-address outcomes of a provisioning job. Counts
// are written exactly once, at the terminal status transition. TotalAdded is
// the number of addresses the job changed and TotalExisting the number
// already in the desired state, so for remove jobs they count unbound and
// already-absent addresses respectively.
type JobCounts struct {
	TotalRecord   int `json:"totalRecord"`
	TotalAdded    int `json:"totalAdded"`
	TotalExisting int `json:"totalExisting"`
	TotalErrored  int `json:"totalErrored"`
}

// Job is a provisioning job. Jobs are created in processing state, settle to
// success or fail exactly once, and are never hard-deleted.
type Job struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	Payload   string     `json:"payload"`
	Status    JobStatus  `json:"status"`
	Counts    JobCounts  `json:"counts"`
	LastError string     `json:"lastError,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IsTerminal returns true if the job reached a state with no further
// automatic transitions.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSuccess || j.Status == JobStatusFail
}

// AddressRecord is one allocatable public address. A record stays disabled
// while reserved or bind-pending; enabling happens range-wide in one bulk
// update after the owning job fully succeeds.
type AddressRecord struct {
	ID            int64     `json:"id"`
	IP            string    `json:"ip"`
	Mask          int       `json:"mask"`
	Gateway       string    `json:"gateway"`
	InterfaceName string    `json:"interfaceName"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ServerRecord describes one fleet member and the address ranges it owns.
// Ranges across enabled servers are disjoint by configuration contract.
type ServerRecord struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	IPRanges            []string  `json:"ipRanges"`
	HostAddress         string    `json:"hostAddress"`
	InternalHostAddress string    `json:"internalHostAddress,omitempty"`
	AdminPort           int       `json:"adminPort"`
	Enabled             bool      `json:"enabled"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// SyncCategory names one reconciliation concern a SyncRecord tracks.
type SyncCategory string

const (
	SyncCategoryPackage            SyncCategory = "sync-package"
	SyncCategoryCancelSubscription SyncCategory = "cancel-subscription"
	SyncCategoryExpirePackage      SyncCategory = "expire-package"
	SyncCategoryUser               SyncCategory = "sync-user"
)

// SyncStatus is the lifecycle of a SyncRecord.
type SyncStatus string

const (
	SyncStatusInProcess SyncStatus = "in-process"
	SyncStatusError     SyncStatus = "error"
	SyncStatusSuccess   SyncStatus = "success"
	SyncStatusFail      SyncStatus = "fail"
)

// SyncRecord tracks one reconciliation attempt against the billing system.
// At most one record per (referenceID, category) is in-process at a time.
type SyncRecord struct {
	ID          string       `json:"id"`
	ReferenceID string       `json:"referenceId"`
	Category    SyncCategory `json:"serviceCategory"`
	Status      SyncStatus   `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// PackageStatus is the local lifecycle of a sold proxy package.
type PackageStatus string

const (
	PackageStatusActive   PackageStatus = "active"
	PackageStatusDisabled PackageStatus = "disabled"
)

// Package is a sold proxy package tied to a billing subscription.
type Package struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	SubscriptionSerial string        `json:"subscriptionSerial"`
	Status             PackageStatus `json:"status"`
	Synced             bool          `json:"synced"`
	ExpiresAt          *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Order is a purchase awaiting a terminal acknowledgment from billing.
type Order struct {
	ID                 string    `json:"id"`
	SubscriptionSerial string    `json:"subscriptionSerial"`
	Status             string    `json:"status"`
	CancelRequested    bool      `json:"cancelRequested"`
	CancelAcked        bool      `json:"cancelAcked"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// User is a locally-created account that must exist in billing too.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Synced    bool      `json:"synced"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
