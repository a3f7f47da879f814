package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed tracker.
type PG struct {
	pool pgxQuerier
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed tracker.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// NewPGWithQuerier constructs a tracker over any pgx-compatible querier.
func NewPGWithQuerier(q pgxQuerier) *PG {
	return &PG{pool: q}
}

// Get loads user timestamps and per-account last sync times.
func (t *PG) Get(ctx context.Context, userID uuid.UUID) (model.SyncStatusRecord, error) {
	rec := model.SyncStatusRecord{UserID: userID, PerAccountLastSyncedAt: map[uuid.UUID]time.Time{}}

	const q = `SELECT last_auto_sync_at, last_manual_sync_at FROM sync_status WHERE user_id=$1`
	err := t.pool.QueryRow(ctx, q, userID).Scan(&rec.LastAutoSyncAt, &rec.LastManualSyncAt)
	switch {
	case err == nil, errors.Is(err, pgx.ErrNoRows):
	default:
		return model.SyncStatusRecord{}, err
	}

	const qa = `SELECT id, last_synced_at FROM external_accounts WHERE user_id=$1 AND last_synced_at IS NOT NULL`
	rows, err := t.pool.Query(ctx, qa, userID)
	if err != nil {
		return model.SyncStatusRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id uuid.UUID
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return model.SyncStatusRecord{}, err
		}
		rec.PerAccountLastSyncedAt[id] = at
	}
	return rec, rows.Err()
}

// UpdateLastAutoSync raises last_auto_sync_at.
func (t *PG) UpdateLastAutoSync(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const q = `
INSERT INTO sync_status (user_id, last_auto_sync_at, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (user_id)
DO UPDATE SET last_auto_sync_at=GREATEST(sync_status.last_auto_sync_at, EXCLUDED.last_auto_sync_at), updated_at=now()`
	_, err := t.pool.Exec(ctx, q, userID, at)
	return err
}

// UpdateLastManualSync raises last_manual_sync_at.
func (t *PG) UpdateLastManualSync(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const q = `
INSERT INTO sync_status (user_id, last_manual_sync_at, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (user_id)
DO UPDATE SET last_manual_sync_at=GREATEST(sync_status.last_manual_sync_at, EXCLUDED.last_manual_sync_at), updated_at=now()`
	_, err := t.pool.Exec(ctx, q, userID, at)
	return err
}

// ClaimAutoSync conditionally writes last_auto_sync_at. The row lock taken by the
// upsert serialises concurrent claims, so only one caller per window sees true.
func (t *PG) ClaimAutoSync(ctx context.Context, userID uuid.UUID, at, notAfter time.Time) (bool, error) {
	const q = `
INSERT INTO sync_status (user_id, last_auto_sync_at, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (user_id) DO UPDATE
SET last_auto_sync_at=EXCLUDED.last_auto_sync_at, updated_at=now()
WHERE sync_status.last_auto_sync_at IS NULL OR sync_status.last_auto_sync_at <= $3
RETURNING last_auto_sync_at`
	var got time.Time
	err := t.pool.QueryRow(ctx, q, userID, at, notAfter).Scan(&got)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// MarkAccountSynced raises the account's last_synced_at.
func (t *PG) MarkAccountSynced(ctx context.Context, externalAccountID uuid.UUID, at time.Time) error {
	const q = `UPDATE external_accounts SET last_synced_at=GREATEST(last_synced_at, $2) WHERE id=$1`
	_, err := t.pool.Exec(ctx, q, externalAccountID, at)
	return err
}
