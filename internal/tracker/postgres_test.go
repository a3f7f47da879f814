package tracker

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newPG(t *testing.T) (*PG, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPGWithQuerier(mock), mock
}

func TestClaimAutoSync_FirstClaimWins(t *testing.T) {
	tr, mock := newPG(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	notAfter := now.Add(-15 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE sync_status.last_auto_sync_at IS NULL OR sync_status.last_auto_sync_at <= $3`)).
		WithArgs(user, now, notAfter).
		WillReturnRows(pgxmock.NewRows([]string{"last_auto_sync_at"}).AddRow(now))

	ok, err := tr.ClaimAutoSync(ctx, user, now, notAfter)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(`RETURNING last_auto_sync_at`).
		WithArgs(user, now.Add(time.Minute), notAfter.Add(time.Minute)).
		WillReturnError(pgx.ErrNoRows)

	ok, err = tr.ClaimAutoSync(ctx, user, now.Add(time.Minute), notAfter.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAutoSync_DBError(t *testing.T) {
	tr, mock := newPG(t)
	user, now := uuid.Must(uuid.NewV4()), time.Now()
	mock.ExpectQuery(`RETURNING last_auto_sync_at`).
		WithArgs(user, now, now.Add(-time.Minute)).
		WillReturnError(errors.New("db down"))

	ok, err := tr.ClaimAutoSync(context.Background(), user, now, now.Add(-time.Minute))
	require.ErrorContains(t, err, "db down")
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdates_AreMonotonic(t *testing.T) {
	tr, mock := newPG(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	acct := uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`last_auto_sync_at=GREATEST(sync_status.last_auto_sync_at, EXCLUDED.last_auto_sync_at)`)).
		WithArgs(user, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`last_manual_sync_at=GREATEST(sync_status.last_manual_sync_at, EXCLUDED.last_manual_sync_at)`)).
		WithArgs(user, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE external_accounts SET last_synced_at=GREATEST(last_synced_at, $2) WHERE id=$1`)).
		WithArgs(acct, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, tr.UpdateLastAutoSync(ctx, user, at))
	require.NoError(t, tr.UpdateLastManualSync(ctx, user, at))
	require.NoError(t, tr.MarkAccountSynced(ctx, acct, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_MergesUserAndAccountTimestamps(t *testing.T) {
	tr, mock := newPG(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	acct := uuid.Must(uuid.NewV4())
	auto := time.Now().Add(-time.Hour).UTC()
	synced := time.Now().Add(-30 * time.Minute).UTC()

	mock.ExpectQuery(`SELECT last_auto_sync_at, last_manual_sync_at FROM sync_status`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"last_auto_sync_at", "last_manual_sync_at"}).AddRow(&auto, nil))
	mock.ExpectQuery(`SELECT id, last_synced_at FROM external_accounts`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"id", "last_synced_at"}).AddRow(acct, synced))

	rec, err := tr.Get(ctx, user)
	require.NoError(t, err)
	require.Equal(t, user, rec.UserID)
	require.NotNil(t, rec.LastAutoSyncAt)
	require.True(t, rec.LastAutoSyncAt.Equal(auto))
	require.Nil(t, rec.LastManualSyncAt)
	require.True(t, rec.PerAccountLastSyncedAt[acct].Equal(synced))
}

func TestGet_UnknownUserIsEmpty(t *testing.T) {
	tr, mock := newPG(t)
	user := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM sync_status`).WithArgs(user).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM external_accounts`).WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"id", "last_synced_at"}))

	rec, err := tr.Get(context.Background(), user)
	require.NoError(t, err)
	require.Nil(t, rec.LastAutoSyncAt)
	require.Empty(t, rec.PerAccountLastSyncedAt)
}
