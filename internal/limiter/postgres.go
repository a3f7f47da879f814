package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: pool, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM connect_attempts WHERE user_id=$1 AND provider_type=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, userID, providerType).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (user, provider type).
func (l *PG) Success(ctx context.Context, userID uuid.UUID, providerType string) error {
	const q = `
INSERT INTO connect_attempts (user_id, provider_type, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (user_id, provider_type)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, userID, providerType)
	return err
}

// Failure records a rejected attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error) {
	const q = `
INSERT INTO connect_attempts (user_id, provider_type, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (user_id, provider_type) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - connect_attempts.updated_at > $3::interval THEN 1 ELSE connect_attempts.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, userID, providerType, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE connect_attempts SET blocked_until=$3 WHERE user_id=$1 AND provider_type=$2`
	if _, err := l.pool.Exec(ctx, upd, userID, providerType, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
