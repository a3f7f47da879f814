package monobank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/provider"
)

const testToken = "tok-1"

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	infoCalls atomic.Int32
	statement func(account string, from, to int64) []StatementItem
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/personal/client-info", func(w http.ResponseWriter, r *http.Request) {
		f.infoCalls.Add(1)
		if r.Header.Get("X-Token") != testToken {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errorDescription":"Unknown 'X-Token'"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(ClientInfo{
			ClientID: "cl-42",
			Name:     "Test User",
			Accounts: []Account{
				{ID: "acc-1", Balance: 123456, Type: "black", CurrencyCode: 980, MaskedPan: []string{"537541******1234"}},
				{ID: "acc-2", Balance: -500, Type: "weird", CurrencyCode: 999},
			},
		})
	})
	mux.HandleFunc("/personal/statement/", func(w http.ResponseWriter, r *http.Request) {
		var (
			acc      string
			from, to int64
		)
		_, err := fmt.Sscanf(strings.ReplaceAll(strings.TrimPrefix(r.URL.Path, "/personal/statement/"), "/", " "),
			"%s %d %d", &acc, &from, &to)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(f.statement(acc, from, to))
	})
	return mux
}

func newAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	a := New(NewClient(srv.URL, srv.Client(), 0))
	a.now = func() time.Time { return testNow }
	return a
}

func creds() provider.Credentials { return provider.Credentials{TokenField: testToken} }

func TestConnect_ResolvesIdentity(t *testing.T) {
	a := newAdapter(t, &fakeAPI{})

	c, err := a.Connect(context.Background(), creds())
	require.NoError(t, err)
	require.Equal(t, "cl-42", c.Identity)
	require.Equal(t, "Test User", c.Metadata["clientName"])
}

func TestConnect_InvalidToken(t *testing.T) {
	a := newAdapter(t, &fakeAPI{})

	_, err := a.Connect(context.Background(), provider.Credentials{TokenField: "nope"})
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)

	_, err = a.Connect(context.Background(), provider.Credentials{})
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestListAccounts_MapsAndCaches(t *testing.T) {
	api := &fakeAPI{}
	a := newAdapter(t, api)
	h := provider.Handle{Credentials: creds()}

	accs, err := a.ListAccounts(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, accs, 2)
	require.Equal(t, "Black Card ****1234", accs[0].Name)
	require.Equal(t, "UAH", accs[0].Currency)
	require.Equal(t, "1234.56", accs[0].Balance.String())
	require.Equal(t, "999", accs[1].Currency)
	require.Equal(t, "weird", accs[1].Name)

	_, err = a.ListAccounts(context.Background(), h)
	require.NoError(t, err)
	require.EqualValues(t, 1, api.infoCalls.Load())
}

func TestFetchTransactions_WindowsForward(t *testing.T) {
	var seen [][2]int64
	api := &fakeAPI{statement: func(_ string, from, to int64) []StatementItem {
		seen = append(seen, [2]int64{from, to})
		return []StatementItem{{ID: fmt.Sprint("tx-", from), Time: from + 10, Amount: -2550, Description: "coffee"}}
	}}
	a := newAdapter(t, api)
	h := provider.Handle{Credentials: creds()}
	acc := provider.AccountDescriptor{ProviderAccountID: "acc-1", Currency: "UAH"}

	page, err := a.FetchTransactions(context.Background(), h, acc, "")
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Equal(t, fmt.Sprint(testNow.Unix()), page.NextCursor)
	require.Len(t, page.Transactions, 1)
	require.Equal(t, "-25.5", page.Transactions[0].Amount.String())

	start := testNow.Add(-60 * 24 * time.Hour).Unix()
	page, err = a.FetchTransactions(context.Background(), h, acc, fmt.Sprint(start))
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, fmt.Sprint(start+int64(statementWindow/time.Second)), page.NextCursor)
	require.Len(t, seen, 2)
}

func TestFetchTransactions_DrainsTruncatedWindow(t *testing.T) {
	start := testNow.Add(-24 * time.Hour).Unix()
	api := &fakeAPI{statement: func(_ string, from, to int64) []StatementItem {
		if to == testNow.Unix() {
			items := make([]StatementItem, statementLimit)
			for i := range items {
				items[i] = StatementItem{ID: fmt.Sprint("a", i), Time: to - int64(i)}
			}
			return items
		}
		return []StatementItem{{ID: "tail", Time: from + 1}}
	}}
	a := newAdapter(t, api)
	h := provider.Handle{Credentials: creds()}
	acc := provider.AccountDescriptor{ProviderAccountID: "acc-1"}

	page, err := a.FetchTransactions(context.Background(), h, acc, fmt.Sprint(start))
	require.NoError(t, err)
	require.True(t, page.HasMore)
	oldest := testNow.Unix() - statementLimit + 1
	require.Equal(t, fmt.Sprintf("%d/%d", start, oldest), page.NextCursor)
	require.True(t, page.Transactions[0].OccurredAt.Before(page.Transactions[1].OccurredAt))

	page, err = a.FetchTransactions(context.Background(), h, acc, page.NextCursor)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Equal(t, fmt.Sprint(testNow.Unix()), page.NextCursor)
}

func TestFetchTransactions_BadCursor(t *testing.T) {
	a := newAdapter(t, &fakeAPI{})
	_, err := a.FetchTransactions(context.Background(), provider.Handle{Credentials: creds()},
		provider.AccountDescriptor{ProviderAccountID: "acc-1"}, "abc")
	require.ErrorIs(t, err, errs.ErrProviderPermanent)
}

func TestClient_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, errs.ErrProviderTransient},
		{http.StatusBadGateway, errs.ErrProviderTransient},
		{http.StatusUnauthorized, errs.ErrInvalidCredentials},
		{http.StatusBadRequest, errs.ErrProviderPermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"errorDescription":"boom"}`))
		}))
		c := NewClient(srv.URL, srv.Client(), 0)
		_, err := c.ClientInfo(context.Background(), testToken)
		srv.Close()
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestClient_ThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, srv.Client(), 0.001)

	_, err := c.ClientInfo(context.Background(), testToken)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ClientInfo(ctx, testToken)
	require.ErrorIs(t, err, errs.ErrProviderTransient)
	require.False(t, errors.Is(err, errs.ErrProviderPermanent))
}

func TestAdapter_ThrottledCallsOutlastCallTimeout(t *testing.T) {
	api := &fakeAPI{statement: func(string, int64, int64) []StatementItem { return nil }}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, srv.Client(), rate.Every(300*time.Millisecond))
	a := New(client)
	a.now = func() time.Time { return testNow }

	const callTimeout = 100 * time.Millisecond
	ctx := context.Background()
	h := provider.Handle{Credentials: creds()}
	start := time.Now()

	_, err := provider.Call(ctx, a, h.Credentials, callTimeout, func(ctx context.Context) (provider.Connected, error) {
		return a.Connect(ctx, h.Credentials)
	})
	require.NoError(t, err)

	for _, id := range []string{"acc-1", "acc-2"} {
		_, err := provider.Call(ctx, a, h.Credentials, callTimeout, func(ctx context.Context) (provider.Page, error) {
			return a.FetchTransactions(ctx, h, provider.AccountDescriptor{ProviderAccountID: id}, "")
		})
		require.NoError(t, err, id)
	}
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	// a cached listing sends nothing and must not leave its slot behind
	accs, err := provider.Call(ctx, a, h.Credentials, callTimeout, func(ctx context.Context) ([]provider.AccountDescriptor, error) {
		return a.ListAccounts(ctx, h)
	})
	require.NoError(t, err)
	require.Len(t, accs, 2)
	require.EqualValues(t, 1, api.infoCalls.Load())
	client.mu.Lock()
	require.Empty(t, client.grants)
	client.mu.Unlock()
}
