package repository

import (
	"context"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository stores local accounts that imported data lands in.
type AccountRepository interface {
	// Get loads a local account owned by userID.
	Get(ctx context.Context, userID, id uuid.UUID) (*model.Account, error)
	// SetEnabled flips the enabled flag of a local account owned by userID.
	SetEnabled(ctx context.Context, userID, id uuid.UUID, enabled bool) error
}

// ExternalAccountRepository stores provider-reported accounts.
type ExternalAccountRepository interface {
	// Upsert inserts or refreshes an account keyed by (connection, provider account id)
	// and clears its stale flag. created reports whether a new row was inserted.
	Upsert(ctx context.Context, conn model.Connection, in model.ExternalAccountUpsert) (acct model.ExternalAccount, created bool, err error)
	// LinkNewLocal inserts local and binds the external account to it in one
	// transaction. ErrVersionConflict, with nothing inserted, if already linked.
	LinkNewLocal(ctx context.Context, id uuid.UUID, local *model.Account) error
	// MarkStaleExcept flags accounts of the connection not listed in keep.
	MarkStaleExcept(ctx context.Context, connectionID uuid.UUID, keep []string) (int64, error)
	// Get loads an account by id regardless of owner (worker side).
	Get(ctx context.Context, id uuid.UUID) (*model.ExternalAccount, error)
	// ListByConnection lists a connection's accounts for the owning user.
	ListByConnection(ctx context.Context, userID, connectionID uuid.UUID) ([]model.ExternalAccount, error)
	// ListSyncable lists linked, enabled, non-stale accounts whose connection
	// status is one of statuses.
	ListSyncable(ctx context.Context, userID uuid.UUID, statuses []model.ConnectionStatus) ([]model.ExternalAccount, error)
	// DisableLocalAccounts soft-disables local accounts linked under the connection.
	DisableLocalAccounts(ctx context.Context, connectionID uuid.UUID) (int64, error)
}
