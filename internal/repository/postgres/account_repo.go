package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs a local account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Get loads a local account owned by userID.
func (r *AccountRepo) Get(ctx context.Context, userID, id uuid.UUID) (*model.Account, error) {
	const q = `SELECT id, user_id, name, currency, balance::text, enabled, created_at FROM accounts WHERE id=$1 AND user_id=$2`
	var (
		a       model.Account
		balance string
	)
	err := r.db.Pool.QueryRow(ctx, q, id, userID).
		Scan(&a.ID, &a.UserID, &a.Name, &a.Currency, &balance, &a.Enabled, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("account %s balance: %w", id, err)
	}
	return &a, nil
}

// SetEnabled flips the enabled flag of a local account owned by userID.
func (r *AccountRepo) SetEnabled(ctx context.Context, userID, id uuid.UUID, enabled bool) error {
	const q = `UPDATE accounts SET enabled=$3 WHERE id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, userID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ExternalAccountRepo implements ExternalAccountRepository using PostgreSQL.
type ExternalAccountRepo struct{ db *DB }

// NewExternalAccountRepo constructs an external account repository.
func NewExternalAccountRepo(db *DB) *ExternalAccountRepo { return &ExternalAccountRepo{db: db} }

const externalAccountSelect = `
SELECT e.id, e.connection_id, e.user_id, e.provider_account_id, e.local_account_id, e.name, e.currency,
       e.balance::text, e.stale, e.cursor, e.last_synced_at, e.created_at, e.updated_at,
       COALESCE(a.enabled, false), c.provider_type, c.status
FROM external_accounts e
JOIN bank_connections c ON c.id = e.connection_id
LEFT JOIN accounts a ON a.id = e.local_account_id`

func scanExternalAccount(row pgx.Row) (*model.ExternalAccount, error) {
	var (
		e                             model.ExternalAccount
		balance, provider, connStatus string
	)
	err := row.Scan(&e.ID, &e.ConnectionID, &e.UserID, &e.ProviderAccountID, &e.LocalAccountID, &e.Name, &e.Currency,
		&balance, &e.Stale, &e.Cursor, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
		&e.LocalEnabled, &provider, &connStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if e.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("external account %s balance: %w", e.ID, err)
	}
	e.ProviderType = model.ProviderType(provider)
	e.ConnectionStatus = model.ConnectionStatus(connStatus)
	return &e, nil
}

func (r *ExternalAccountRepo) list(ctx context.Context, q string, args ...any) ([]model.ExternalAccount, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ExternalAccount, 0, 8)
	for rows.Next() {
		e, err := scanExternalAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes a provider account and clears its stale flag.
func (r *ExternalAccountRepo) Upsert(
	ctx context.Context, conn model.Connection, in model.ExternalAccountUpsert,
) (model.ExternalAccount, bool, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return model.ExternalAccount{}, false, err
	}
	const q = `
INSERT INTO external_accounts (id, connection_id, user_id, provider_account_id, name, currency, balance)
VALUES ($1,$2,$3,$4,$5,$6,$7::numeric)
ON CONFLICT (connection_id, provider_account_id) DO UPDATE
SET name=EXCLUDED.name, currency=EXCLUDED.currency, balance=EXCLUDED.balance, stale=false, updated_at=now()
RETURNING id, local_account_id, cursor, last_synced_at, created_at, updated_at, (xmax = 0) AS inserted`

	e := model.ExternalAccount{
		ConnectionID:      conn.ID,
		UserID:            conn.UserID,
		ProviderAccountID: in.ProviderAccountID,
		Name:              in.Name,
		Currency:          in.Currency,
		Balance:           in.Balance,
		ProviderType:      conn.ProviderType,
		ConnectionStatus:  conn.Status,
	}
	var created bool
	err = r.db.Pool.QueryRow(ctx, q, id, conn.ID, conn.UserID, in.ProviderAccountID, in.Name, in.Currency, in.Balance.String()).
		Scan(&e.ID, &e.LocalAccountID, &e.Cursor, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt, &created)
	if err != nil {
		return model.ExternalAccount{}, false, err
	}
	return e, created, nil
}

// LinkNewLocal inserts local and binds the external account to it. The insert
// is rolled back when the account is already linked.
func (r *ExternalAccountRepo) LinkNewLocal(ctx context.Context, id uuid.UUID, local *model.Account) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer rollbackOrCommit(ctx, tx, &err)

	const ins = `
INSERT INTO accounts (id, user_id, name, currency, balance, enabled)
VALUES ($1,$2,$3,$4,$5::numeric,$6)
RETURNING created_at`
	err = tx.QueryRow(ctx, ins, local.ID, local.UserID, local.Name, local.Currency, local.Balance.String(), local.Enabled).
		Scan(&local.CreatedAt)
	if err != nil {
		return err
	}
	const upd = `
UPDATE external_accounts SET local_account_id=$2, updated_at=now()
WHERE id=$1 AND local_account_id IS NULL`
	tag, err := tx.Exec(ctx, upd, id, local.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	const sel = `SELECT 1 FROM external_accounts WHERE id=$1`
	var one int
	if err := tx.QueryRow(ctx, sel, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return errs.ErrVersionConflict
}

// MarkStaleExcept flags the connection's accounts missing from keep as stale.
func (r *ExternalAccountRepo) MarkStaleExcept(ctx context.Context, connectionID uuid.UUID, keep []string) (int64, error) {
	const q = `
UPDATE external_accounts SET stale=true, updated_at=now()
WHERE connection_id=$1 AND stale=false AND NOT (provider_account_id = ANY($2))`
	if keep == nil {
		keep = []string{}
	}
	tag, err := r.db.Pool.Exec(ctx, q, connectionID, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get loads an external account by id.
func (r *ExternalAccountRepo) Get(ctx context.Context, id uuid.UUID) (*model.ExternalAccount, error) {
	return scanExternalAccount(r.db.Pool.QueryRow(ctx, externalAccountSelect+` WHERE e.id=$1`, id))
}

// ListByConnection lists the connection's accounts for its owner.
func (r *ExternalAccountRepo) ListByConnection(ctx context.Context, userID, connectionID uuid.UUID) ([]model.ExternalAccount, error) {
	return r.list(ctx, externalAccountSelect+` WHERE e.connection_id=$1 AND e.user_id=$2 ORDER BY e.created_at, e.provider_account_id`,
		connectionID, userID)
}

// ListSyncable lists accounts eligible for transaction sync.
func (r *ExternalAccountRepo) ListSyncable(
	ctx context.Context, userID uuid.UUID, statuses []model.ConnectionStatus,
) ([]model.ExternalAccount, error) {
	st := make([]string, 0, len(statuses))
	for _, s := range statuses {
		st = append(st, string(s))
	}
	return r.list(ctx, externalAccountSelect+`
WHERE e.user_id=$1 AND e.stale=false AND e.local_account_id IS NOT NULL AND a.enabled AND c.status = ANY($2)
ORDER BY e.created_at, e.provider_account_id`, userID, st)
}

// DisableLocalAccounts soft-disables local accounts linked under the connection.
func (r *ExternalAccountRepo) DisableLocalAccounts(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	const q = `
UPDATE accounts SET enabled=false
WHERE enabled AND id IN (
  SELECT local_account_id FROM external_accounts WHERE connection_id=$1 AND local_account_id IS NOT NULL
)`
	tag, err := r.db.Pool.Exec(ctx, q, connectionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
