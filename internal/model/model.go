// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// ProviderType identifies a bank-data provider implementation.
type ProviderType string

const (
	ProviderMonobank  ProviderType = "monobank"
	ProviderLunchFlow ProviderType = "lunchflow"
)

// ConnectionStatus is the lifecycle state of a provider connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "active"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection is a user's authenticated link to one provider instance.
type Connection struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ProviderType ProviderType
	ProviderName string
	// Identity is derived from provider metadata and drives the duplicate rule.
	// Empty for providers that allow several concurrent connections.
	Identity            string
	Status              ConnectionStatus
	Metadata            map[string]any
	Credentials         []byte // sealed, see internal/crypto
	ConsecutiveFailures int
	LastSyncAt          *time.Time
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Live reports whether the connection still participates in syncing.
func (c Connection) Live() bool { return c.Status != ConnectionDisconnected }

// Account is a locally stored account that provider data is imported into.
type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Currency  string
	Balance   decimal.Decimal
	Enabled   bool
	CreatedAt time.Time
}

// ExternalAccount is a provider-reported account bound to a Connection.
type ExternalAccount struct {
	ID                uuid.UUID
	ConnectionID      uuid.UUID
	UserID            uuid.UUID
	ProviderAccountID string
	LocalAccountID    *uuid.UUID
	Name              string
	Currency          string
	Balance           decimal.Decimal
	Stale             bool
	Cursor            string
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Joined from the local account and owning connection, read-only.
	LocalEnabled     bool
	ProviderType     ProviderType
	ConnectionStatus ConnectionStatus
}

// ExternalAccountUpsert is the linker's write intent for one provider account.
type ExternalAccountUpsert struct {
	ProviderAccountID string
	Name              string
	Currency          string
	Balance           decimal.Decimal
}

// Transaction is an imported provider transaction.
type Transaction struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	AccountID             uuid.UUID
	ExternalAccountID     uuid.UUID
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Description           string
	Merchant              string
	OccurredAt            time.Time
	ImportedAt            time.Time
}

// TargetKind says what a sync job works on.
type TargetKind string

const (
	TargetAccount    TargetKind = "account"
	TargetConnection TargetKind = "connection"
)

// JobState is the sync job state machine: queued -> running -> succeeded|failed.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// Trigger records what caused a job to be enqueued.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerAuto    Trigger = "auto"
	TriggerConnect Trigger = "connect"
	TriggerRefresh Trigger = "refresh"
	TriggerLink    Trigger = "link"
)

// SyncJob is one unit of sync work for a single target.
type SyncJob struct {
	ID          uuid.UUID
	JobGroupID  uuid.UUID
	UserID      uuid.UUID
	TargetKind  TargetKind
	TargetID    uuid.UUID
	Trigger     Trigger
	State       JobState
	Attempt     int
	ErrorKind   string
	Error       string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
}

// JobGroupProgress aggregates the member jobs of one group.
type JobGroupProgress struct {
	JobGroupID uuid.UUID
	Total      int
	Succeeded  int
	Failed     int
	Running    int
	Queued     int
	IsComplete bool
}

// Percent returns settled jobs as a share of the total, 0..100.
func (p JobGroupProgress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return (p.Succeeded + p.Failed) * 100 / p.Total
}

// SyncStatusRecord is per-user sync bookkeeping.
type SyncStatusRecord struct {
	UserID                 uuid.UUID
	LastAutoSyncAt         *time.Time
	LastManualSyncAt       *time.Time
	PerAccountLastSyncedAt map[uuid.UUID]time.Time
}

// AccountSyncState is the user-facing per-account sync state.
type AccountSyncState string

const (
	SyncIdle      AccountSyncState = "idle"
	SyncQueued    AccountSyncState = "queued"
	SyncSyncing   AccountSyncState = "syncing"
	SyncCompleted AccountSyncState = "completed"
	SyncFailed    AccountSyncState = "failed"
)

// AccountSyncStatus describes one external account's sync state.
type AccountSyncStatus struct {
	ExternalAccountID uuid.UUID
	LocalAccountID    *uuid.UUID
	ConnectionID      uuid.UUID
	ProviderType      ProviderType
	Name              string
	State             AccountSyncState
	LastSyncedAt      *time.Time
	ErrorKind         string
	Error             string
}

// SyncStatusSummary counts accounts per state.
type SyncStatusSummary struct {
	Total     int
	Idle      int
	Queued    int
	Syncing   int
	Completed int
	Failed    int
}

// ReconcileResult summarises one account-list reconciliation.
type ReconcileResult struct {
	Created  int
	Updated  int
	Stale    int64
	Accounts []ExternalAccount
}

// UserSyncStatus is the read model returned to status endpoints.
type UserSyncStatus struct {
	Accounts []AccountSyncStatus
	Summary  SyncStatusSummary
	Record   SyncStatusRecord
	InFlight *JobGroupProgress
}
