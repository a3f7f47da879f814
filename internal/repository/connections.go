// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConnectionRepository persists provider connections.
type ConnectionRepository interface {
	// Create inserts a connection; ErrDuplicateConnection on identity clash.
	Create(ctx context.Context, c *model.Connection) error
	// Get loads a connection owned by userID.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.Connection, error)
	// GetByID loads a connection regardless of owner (worker side).
	GetByID(ctx context.Context, id uuid.UUID) (*model.Connection, error)
	// ListByUser returns the user's connections, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)
	// FindLive returns a non-disconnected connection with the given identity.
	FindLive(ctx context.Context, userID uuid.UUID, provider model.ProviderType, identity string) (*model.Connection, error)
	// UpdateStatus moves the connection to status if baseVer still matches.
	UpdateStatus(ctx context.Context, userID, id uuid.UUID, baseVer int64, status model.ConnectionStatus) (int64, error)
	// UpdateCredentials stores resealed credentials and reactivates the connection.
	UpdateCredentials(ctx context.Context, userID, id uuid.UUID, baseVer int64, sealed []byte, metadata map[string]any) (int64, error)
	// RecordSyncSuccess clears the failure counter and bumps last_sync_at monotonically.
	RecordSyncSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordSyncFailure counts a permanent failure and returns the resulting status.
	RecordSyncFailure(ctx context.Context, id uuid.UUID, threshold int) (model.ConnectionStatus, error)
}
