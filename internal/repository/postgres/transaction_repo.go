package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TransactionRepo implements TransactionRepository using PostgreSQL.
type TransactionRepo struct{ db *DB }

// NewTransactionRepo constructs a transaction repository.
func NewTransactionRepo(db *DB) *TransactionRepo { return &TransactionRepo{db: db} }

// ImportPage inserts a page idempotently and advances the account cursor in one
// transaction. The cursor update runs first and doubles as a compare-and-swap on
// the previous cursor, so a page is never applied over a cursor that moved.
func (r *TransactionRepo) ImportPage(ctx context.Context, p repository.ImportPage) (inserted int, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer rollbackOrCommit(ctx, tx, &err)

	const adv = `UPDATE external_accounts SET cursor=$3, updated_at=now() WHERE id=$1 AND cursor=$2`
	const ins = `
INSERT INTO transactions (id, user_id, account_id, external_account_id, provider_transaction_id, amount, currency,
                          description, merchant, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10)
ON CONFLICT (external_account_id, provider_transaction_id) DO NOTHING`

	tag, err := tx.Exec(ctx, adv, p.ExternalAccountID, p.PrevCursor, p.NextCursor)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("cursor moved for %s: %w", p.ExternalAccountID, errs.ErrVersionConflict)
		return 0, err
	}

	for i, t := range p.Transactions {
		id := t.ID
		if id == uuid.Nil {
			if id, err = uuid.NewV4(); err != nil {
				return 0, err
			}
		}
		tag, err = tx.Exec(ctx, ins, id, t.UserID, t.AccountID, p.ExternalAccountID, t.ProviderTransactionID,
			t.Amount.String(), t.Currency, t.Description, t.Merchant, t.OccurredAt)
		if err != nil {
			err = fmt.Errorf("transaction[%d] %s: %w", i, t.ProviderTransactionID, err)
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountByExternalAccount counts imported transactions of the account.
func (r *TransactionRepo) CountByExternalAccount(ctx context.Context, externalAccountID uuid.UUID) (int, error) {
	const q = `SELECT count(*) FROM transactions WHERE external_account_id=$1`
	var n int
	err := r.db.Pool.QueryRow(ctx, q, externalAccountID).Scan(&n)
	return n, err
}

// RecentTimes returns occurred_at of the newest limit transactions.
func (r *TransactionRepo) RecentTimes(ctx context.Context, externalAccountID uuid.UUID, limit int) ([]time.Time, error) {
	const q = `SELECT occurred_at FROM transactions WHERE external_account_id=$1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, externalAccountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]time.Time, 0, limit)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
