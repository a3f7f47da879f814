package lunchflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/provider"
)

const testKey = "key-1"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("x-api-key") != testKey {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/accounts", auth(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"accounts":[
			{"id":101,"name":"Current","institution_name":"Revolut","provider":"gocardless","currency":"eur","status":"ACTIVE"},
			{"id":102,"name":"Old","institution_name":"Revolut","currency":"EUR","status":"DISCONNECTED"},
			{"id":103,"name":"Nameless","institution_name":"Monzo","status":"ACTIVE"}
		],"total":3}`))
	}))
	mux.HandleFunc("/accounts/101/balance", auth(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"balance":{"amount":1520.75,"currency":"EUR"}}`))
	}))
	mux.HandleFunc("/accounts/103/balance", auth(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream", http.StatusBadGateway)
	}))
	mux.HandleFunc("/accounts/101/transactions", auth(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "false", r.URL.Query().Get("include_pending"))
		_, _ = w.Write([]byte(`{"transactions":[
			{"id":"t3","accountId":101,"amount":-9.99,"currency":"EUR","date":"2026-02-03","merchant":"Cafe"},
			{"id":"t1","accountId":101,"amount":100,"currency":"EUR","date":"2026-01-30","description":"salary"},
			{"id":"t2","accountId":101,"amount":-0.1,"date":"2026-02-01"},
			{"id":"t4","accountId":101,"amount":-5,"date":"2026-02-04","isPending":true}
		],"total":4}`))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAdapter(t *testing.T) *Adapter {
	srv := newServer(t)
	return New(NewClient(srv.URL, srv.Client()))
}

func handle() provider.Handle {
	return provider.Handle{Credentials: provider.Credentials{KeyField: testKey}}
}

func TestConnect(t *testing.T) {
	a := newAdapter(t)

	c, err := a.Connect(context.Background(), provider.Credentials{KeyField: testKey})
	require.NoError(t, err)
	require.Empty(t, c.Identity)
	require.Equal(t, []string{"Monzo", "Revolut"}, c.Metadata["institutions"])

	_, err = a.Connect(context.Background(), provider.Credentials{KeyField: "bad"})
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestListAccounts_FiltersInactiveAndCurrencyless(t *testing.T) {
	a := newAdapter(t)

	accs, err := a.ListAccounts(context.Background(), handle())
	require.NoError(t, err)
	require.Len(t, accs, 1)
	require.Equal(t, "101", accs[0].ProviderAccountID)
	require.Equal(t, "Revolut Current", accs[0].Name)
	require.Equal(t, "EUR", accs[0].Currency)
	require.Equal(t, "1520.75", accs[0].Balance.String())
}

func TestFetchTransactions_CursorByDate(t *testing.T) {
	a := newAdapter(t)
	acc := provider.AccountDescriptor{ProviderAccountID: "101", Currency: "EUR"}

	page, err := a.FetchTransactions(context.Background(), handle(), acc, "")
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Equal(t, "2026-02-03", page.NextCursor)
	require.Len(t, page.Transactions, 3)
	require.Equal(t, "t1", page.Transactions[0].ProviderTransactionID)
	require.Equal(t, "EUR", page.Transactions[1].Currency)
	require.Equal(t, "-9.99", page.Transactions[2].Amount.String())

	page, err = a.FetchTransactions(context.Background(), handle(), acc, "2026-02-01")
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	require.Equal(t, "2026-02-03", page.NextCursor)

	page, err = a.FetchTransactions(context.Background(), handle(), acc, "2026-03-01")
	require.NoError(t, err)
	require.Empty(t, page.Transactions)
	require.Equal(t, "2026-03-01", page.NextCursor)
}

func TestFetchTransactions_Errors(t *testing.T) {
	a := newAdapter(t)
	acc := provider.AccountDescriptor{ProviderAccountID: "101"}

	_, err := a.FetchTransactions(context.Background(), handle(), acc, "yesterday")
	require.ErrorIs(t, err, errs.ErrProviderPermanent)

	_, err = a.FetchTransactions(context.Background(), handle(), provider.AccountDescriptor{ProviderAccountID: "999"}, "")
	require.ErrorIs(t, err, errs.ErrProviderPermanent)

	_, err = a.FetchTransactions(context.Background(), provider.Handle{}, acc, "")
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
}
