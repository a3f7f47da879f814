package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var connectionColumns = []string{"id", "user_id", "provider_type", "provider_name", "identity", "status", "metadata",
	"credentials", "consecutive_failures", "last_sync_at", "ver", "created_at", "updated_at"}

func TestConnectionRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	c := &model.Connection{
		ID:           uuid.Must(uuid.NewV4()),
		UserID:       uuid.Must(uuid.NewV4()),
		ProviderType: model.ProviderMonobank,
		ProviderName: "Monobank",
		Identity:     "cl-1",
		Status:       model.ConnectionActive,
		Credentials:  []byte("sealed"),
	}
	mock.ExpectQuery(`INSERT INTO bank_connections`).
		WithArgs(c.ID, c.UserID, "monobank", "Monobank", "cl-1", "active", map[string]any{}, []byte("sealed")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: connectionIdentityIndex})

	require.ErrorIs(t, r.Create(context.Background(), c), errs.ErrDuplicateConnection)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepo_Create_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	now := time.Now()
	c := &model.Connection{ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()),
		ProviderType: model.ProviderLunchFlow, ProviderName: "LunchFlow (1)", Status: model.ConnectionActive,
		Credentials: []byte("sealed")}
	mock.ExpectQuery(`INSERT INTO bank_connections`).
		WithArgs(c.ID, c.UserID, "lunchflow", "LunchFlow (1)", "", "active", map[string]any{}, []byte("sealed")).
		WillReturnRows(pgxmock.NewRows([]string{"ver", "created_at", "updated_at"}).AddRow(int64(1), now, now))

	require.NoError(t, r.Create(context.Background(), c))
	require.Equal(t, int64(1), c.Version)
	require.NotNil(t, c.Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	user, id := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`FROM bank_connections WHERE id=\$1 AND user_id=\$2`).
		WithArgs(id, user).
		WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), user, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConnectionRepo_ListByUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	user := uuid.Must(uuid.NewV4())
	now := time.Now()
	mock.ExpectQuery(`FROM bank_connections WHERE user_id=\$1 ORDER BY created_at DESC`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows(connectionColumns).
			AddRow(uuid.Must(uuid.NewV4()), user, "monobank", "Monobank", "cl-1", "error",
				map[string]any{"clientName": "x"}, []byte("s"), 2, &now, int64(3), now, now))

	list, err := r.ListByUser(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, model.ConnectionError, list[0].Status)
	require.Equal(t, 2, list[0].ConsecutiveFailures)
	require.Equal(t, "x", list[0].Metadata["clientName"])
}

func TestConnectionRepo_UpdateStatus_VersionConflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	user, id := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM bank_connections WHERE id=\$1 AND user_id=\$2 FOR UPDATE`).
		WithArgs(id, user).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(4)))
	mock.ExpectRollback()

	_, err := r.UpdateStatus(context.Background(), user, id, 3, model.ConnectionDisconnected)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepo_UpdateCredentials_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	user, id := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	meta := map[string]any{"clientName": "new"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM bank_connections`).
		WithArgs(id, user).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta(`metadata=metadata || $4, status='active', consecutive_failures=0`)).
		WithArgs(id, user, []byte("sealed"), meta, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ver, err := r.UpdateCredentials(context.Background(), user, id, 2, []byte("sealed"), meta)
	require.NoError(t, err)
	require.Equal(t, int64(3), ver)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepo_RecordSyncFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConnectionRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SET consecutive_failures = consecutive_failures \+ 1`).
		WithArgs(id, 2).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("error"))
	mock.ExpectQuery(`SET consecutive_failures = consecutive_failures \+ 1`).
		WithArgs(id, 2).
		WillReturnError(pgx.ErrNoRows)

	st, err := r.RecordSyncFailure(context.Background(), id, 2)
	require.NoError(t, err)
	require.Equal(t, model.ConnectionError, st)

	_, err = r.RecordSyncFailure(context.Background(), id, 2)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
