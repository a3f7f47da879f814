package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const connectionIdentityIndex = "bank_connections_identity_uniq"

const connectionCols = `id, user_id, provider_type, provider_name, identity, status, metadata, credentials,
consecutive_failures, last_sync_at, ver, created_at, updated_at`

// ConnectionRepo implements ConnectionRepository using PostgreSQL.
type ConnectionRepo struct{ db *DB }

// NewConnectionRepo constructs a connection repository.
func NewConnectionRepo(db *DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

func scanConnection(row pgx.Row) (*model.Connection, error) {
	var (
		c                model.Connection
		provider, status string
	)
	err := row.Scan(&c.ID, &c.UserID, &provider, &c.ProviderName, &c.Identity, &status, &c.Metadata,
		&c.Credentials, &c.ConsecutiveFailures, &c.LastSyncAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	c.ProviderType = model.ProviderType(provider)
	c.Status = model.ConnectionStatus(status)
	return &c, nil
}

// Create inserts a new connection with version 1.
func (r *ConnectionRepo) Create(ctx context.Context, c *model.Connection) error {
	const q = `
INSERT INTO bank_connections (id, user_id, provider_type, provider_name, identity, status, metadata, credentials)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING ver, created_at, updated_at`
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	err := r.db.Pool.QueryRow(ctx, q, c.ID, c.UserID, string(c.ProviderType), c.ProviderName, c.Identity,
		string(c.Status), c.Metadata, c.Credentials).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, connectionIdentityIndex) {
			return errs.ErrDuplicateConnection
		}
		return err
	}
	return nil
}

// Get loads a connection owned by userID.
func (r *ConnectionRepo) Get(ctx context.Context, userID, id uuid.UUID) (*model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM bank_connections WHERE id=$1 AND user_id=$2`
	return scanConnection(r.db.Pool.QueryRow(ctx, q, id, userID))
}

// GetByID loads a connection by id.
func (r *ConnectionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM bank_connections WHERE id=$1`
	return scanConnection(r.db.Pool.QueryRow(ctx, q, id))
}

// ListByUser returns all connections of the user, newest first.
func (r *ConnectionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM bank_connections WHERE user_id=$1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Connection, 0, 4)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindLive returns the non-disconnected connection with the given identity.
func (r *ConnectionRepo) FindLive(
	ctx context.Context, userID uuid.UUID, provider model.ProviderType, identity string,
) (*model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM bank_connections
WHERE user_id=$1 AND provider_type=$2 AND identity=$3 AND status <> 'disconnected'
LIMIT 1`
	return scanConnection(r.db.Pool.QueryRow(ctx, q, userID, string(provider), identity))
}

// lockVersion reads the current version under a row lock and checks it against baseVer.
func lockVersion(ctx context.Context, tx pgx.Tx, userID, id uuid.UUID, baseVer int64) error {
	const sel = `SELECT ver FROM bank_connections WHERE id=$1 AND user_id=$2 FOR UPDATE`
	var cur int64
	if err := tx.QueryRow(ctx, sel, id, userID).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if cur != baseVer {
		return errs.ErrVersionConflict
	}
	return nil
}

// UpdateStatus sets status with optimistic version check and returns the new version.
func (r *ConnectionRepo) UpdateStatus(
	ctx context.Context, userID, id uuid.UUID, baseVer int64, status model.ConnectionStatus,
) (ver int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer rollbackOrCommit(ctx, tx, &err)

	if err = lockVersion(ctx, tx, userID, id, baseVer); err != nil {
		return 0, err
	}
	const upd = `UPDATE bank_connections SET status=$3, ver=$4, updated_at=now() WHERE id=$1 AND user_id=$2`
	ver = baseVer + 1
	if _, err = tx.Exec(ctx, upd, id, userID, string(status), ver); err != nil {
		return 0, err
	}
	return ver, nil
}

// UpdateCredentials replaces sealed credentials, merges metadata and reactivates the connection.
func (r *ConnectionRepo) UpdateCredentials(
	ctx context.Context, userID, id uuid.UUID, baseVer int64, sealed []byte, metadata map[string]any,
) (ver int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer rollbackOrCommit(ctx, tx, &err)

	if err = lockVersion(ctx, tx, userID, id, baseVer); err != nil {
		return 0, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	const upd = `
UPDATE bank_connections
SET credentials=$3, metadata=metadata || $4, status='active', consecutive_failures=0, ver=$5, updated_at=now()
WHERE id=$1 AND user_id=$2`
	ver = baseVer + 1
	if _, err = tx.Exec(ctx, upd, id, userID, sealed, metadata, ver); err != nil {
		return 0, err
	}
	return ver, nil
}

// RecordSyncSuccess resets the failure counter and reactivates an errored connection.
func (r *ConnectionRepo) RecordSyncSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE bank_connections
SET consecutive_failures = 0,
    last_sync_at = GREATEST(last_sync_at, $2),
    ver = CASE WHEN status = 'error' THEN ver + 1 ELSE ver END,
    status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
    updated_at = now()
WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, at)
	return err
}

// RecordSyncFailure increments the failure counter; an active connection moves
// to error once the counter reaches threshold.
func (r *ConnectionRepo) RecordSyncFailure(ctx context.Context, id uuid.UUID, threshold int) (model.ConnectionStatus, error) {
	const q = `
UPDATE bank_connections
SET consecutive_failures = consecutive_failures + 1,
    ver = CASE WHEN status = 'active' AND consecutive_failures + 1 >= $2 THEN ver + 1 ELSE ver END,
    status = CASE WHEN status = 'active' AND consecutive_failures + 1 >= $2 THEN 'error' ELSE status END,
    updated_at = now()
WHERE id=$1
RETURNING status`
	var status string
	if err := r.db.Pool.QueryRow(ctx, q, id, threshold).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", fmt.Errorf("record failure: %w", err)
	}
	return model.ConnectionStatus(status), nil
}
