package repository

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ImportPage is one fetched page together with the cursor it advances to.
type ImportPage struct {
	ExternalAccountID uuid.UUID
	// PrevCursor must equal the stored cursor, otherwise nothing is written.
	PrevCursor   string
	NextCursor   string
	Transactions []model.Transaction
}

// TransactionRepository stores imported transactions.
type TransactionRepository interface {
	// ImportPage inserts the page idempotently by (external account, provider
	// transaction id) and advances the account cursor in the same transaction.
	// Returns the number of newly inserted rows; ErrVersionConflict if the cursor moved.
	ImportPage(ctx context.Context, p ImportPage) (int, error)
	// CountByExternalAccount returns how many transactions were imported for the account.
	CountByExternalAccount(ctx context.Context, externalAccountID uuid.UUID) (int, error)
	// RecentTimes returns occurred_at of the newest limit transactions, newest first.
	RecentTimes(ctx context.Context, externalAccountID uuid.UUID, limit int) ([]time.Time, error)
}
