// Package tracker records sync timestamps used by the sync policy and status reporting.
package tracker

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Tracker stores per-user and per-account sync timestamps.
// All writes are monotonic: a timestamp never moves backward.
type Tracker interface {
	// Get returns the user's record; a user never synced yields an empty record.
	Get(ctx context.Context, userID uuid.UUID) (model.SyncStatusRecord, error)
	// UpdateLastAutoSync raises last_auto_sync_at to at.
	UpdateLastAutoSync(ctx context.Context, userID uuid.UUID, at time.Time) error
	// UpdateLastManualSync raises last_manual_sync_at to at.
	UpdateLastManualSync(ctx context.Context, userID uuid.UUID, at time.Time) error
	// ClaimAutoSync sets last_auto_sync_at to at only if it is unset or not after
	// notAfter, and reports whether this call performed the write.
	ClaimAutoSync(ctx context.Context, userID uuid.UUID, at, notAfter time.Time) (bool, error)
	// MarkAccountSynced raises the external account's last_synced_at to at.
	MarkAccountSynced(ctx context.Context, externalAccountID uuid.UUID, at time.Time) error
}
