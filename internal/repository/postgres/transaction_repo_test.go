package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/repository"
	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTransactionRepo_ImportPage_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTransactionRepo(db)

	ext, user, local := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	at := time.Now()
	txs := []model.Transaction{
		{UserID: user, AccountID: local, ProviderTransactionID: "t1", Amount: decimal.RequireFromString("-1.50"),
			Currency: "UAH", OccurredAt: at},
		{UserID: user, AccountID: local, ProviderTransactionID: "t2", Amount: decimal.RequireFromString("3"),
			Currency: "UAH", OccurredAt: at},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE external_accounts SET cursor=$3`)).
		WithArgs(ext, "", "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (external_account_id, provider_transaction_id) DO NOTHING`)).
		WithArgs(pgxmock.AnyArg(), user, local, ext, "t1", "-1.5", "UAH", "", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (external_account_id, provider_transaction_id) DO NOTHING`)).
		WithArgs(pgxmock.AnyArg(), user, local, ext, "t2", "3", "UAH", "", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := r.ImportPage(context.Background(), repository.ImportPage{
		ExternalAccountID: ext, PrevCursor: "", NextCursor: "p1", Transactions: txs,
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_ImportPage_CursorMoved(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTransactionRepo(db)

	ext := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE external_accounts SET cursor=\$3`).
		WithArgs(ext, "p1", "p2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := r.ImportPage(context.Background(), repository.ImportPage{ExternalAccountID: ext, PrevCursor: "p1", NextCursor: "p2"})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_ImportPage_InsertFails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTransactionRepo(db)

	ext := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE external_accounts SET cursor=\$3`).
		WithArgs(ext, "", "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), uuid.Nil, uuid.Nil, ext, "t1", "0", "", "", "", time.Time{}).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := r.ImportPage(context.Background(), repository.ImportPage{
		ExternalAccountID: ext, NextCursor: "p1",
		Transactions:      []model.Transaction{{ProviderTransactionID: "t1"}},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_RecentTimes(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTransactionRepo(db)

	ext := uuid.Must(uuid.NewV4())
	t1, t2 := time.Now(), time.Now().Add(-time.Hour)
	mock.ExpectQuery(`ORDER BY occurred_at DESC LIMIT \$2`).
		WithArgs(ext, 20).
		WillReturnRows(pgxmock.NewRows([]string{"occurred_at"}).AddRow(t1).AddRow(t2))

	out, err := r.RecentTimes(context.Background(), ext, 20)
	require.NoError(t, err)
	require.Len(t, out, 2)
}
