// Package providertest provides a scriptable in-memory provider adapter.
package providertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/shopspring/decimal"
)

// TokenField is the single credential key the fake adapter expects.
const TokenField = "token"

// Adapter is a provider.Adapter whose responses are scripted per account.
// Cursors are page indexes: page i answers cursor strconv.Itoa(i) ("" for 0).
type Adapter struct {
	mu sync.Mutex

	info     provider.Info
	identity string
	validTok string

	accounts []provider.AccountDescriptor
	pages    map[string][]provider.Page
	fetchErr map[string]error
	block    map[string]bool
	delay    time.Duration
	listErr  error

	inflight    map[string]int
	maxInflight map[string]int
	fetchCalls  map[string]int
	disconnects int
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns a fake adapter registered under t that accepts token validToken.
func New(t model.ProviderType, validToken string) *Adapter {
	return &Adapter{
		info: provider.Info{
			Type:         t,
			DisplayName:  "Fake " + string(t),
			Description:  "scripted provider",
			Capabilities: provider.AllCapabilities,
			Features: provider.Features{
				SupportsManualSync:  true,
				SupportsAutoSync:    true,
				DefaultSyncInterval: time.Hour,
			},
			CredentialFields: []string{TokenField},
		},
		identity:    "client-" + validToken,
		validTok:    validToken,
		pages:       map[string][]provider.Page{},
		fetchErr:    map[string]error{},
		block:       map[string]bool{},
		inflight:    map[string]int{},
		maxInflight: map[string]int{},
		fetchCalls:  map[string]int{},
	}
}

// SetMultipleConnections toggles the provider's multi-connection feature.
func (a *Adapter) SetMultipleConnections(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Features.MultipleConnections = v
	if v {
		a.identity = ""
	}
}

// SetFeatures replaces the provider features.
func (a *Adapter) SetFeatures(f provider.Features) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Features = f
}

// SetAccounts replaces the reported account list.
func (a *Adapter) SetAccounts(accts ...provider.AccountDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = append([]provider.AccountDescriptor(nil), accts...)
}

// SetPages scripts the transaction pages of an account.
func (a *Adapter) SetPages(providerAccountID string, pages ...[]provider.TransactionDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.Page, 0, len(pages))
	for i, txs := range pages {
		out = append(out, provider.Page{
			Transactions: txs,
			NextCursor:   strconv.Itoa(i + 1),
			HasMore:      i+1 < len(pages),
		})
	}
	a.pages[providerAccountID] = out
}

// SetRawPages scripts pages verbatim, including cursors and HasMore.
func (a *Adapter) SetRawPages(providerAccountID string, pages ...provider.Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[providerAccountID] = append([]provider.Page(nil), pages...)
}

// FailFetch makes FetchTransactions for the account return err.
func (a *Adapter) FailFetch(providerAccountID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchErr[providerAccountID] = err
}

// FailList makes ListAccounts return err.
func (a *Adapter) FailList(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErr = err
}

// Block makes FetchTransactions for the account wait until its context ends.
func (a *Adapter) Block(providerAccountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block[providerAccountID] = true
}

// SetDelay adds latency to every fetch.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// MaxConcurrentFetches returns the highest number of overlapping fetches seen for the account.
func (a *Adapter) MaxConcurrentFetches(providerAccountID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInflight[providerAccountID]
}

// FetchCalls returns how many times the account was fetched.
func (a *Adapter) FetchCalls(providerAccountID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls[providerAccountID]
}

// Disconnects returns how many times Disconnect was called.
func (a *Adapter) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

func (a *Adapter) Info() provider.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *Adapter) ValidateCredentials(_ context.Context, creds provider.Credentials) error {
	if creds[TokenField] == "" || creds[TokenField] != a.validTok {
		return fmt.Errorf("fake: token rejected: %w", errs.ErrInvalidCredentials)
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, creds provider.Credentials) (provider.Connected, error) {
	if err := a.ValidateCredentials(ctx, creds); err != nil {
		return provider.Connected{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return provider.Connected{
		Identity:    a.identity,
		DisplayName: a.info.DisplayName,
		Metadata:    map[string]any{"accounts": len(a.accounts)},
	}, nil
}

func (a *Adapter) Disconnect(context.Context, provider.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return nil
}

func (a *Adapter) ListAccounts(ctx context.Context, h provider.Handle) ([]provider.AccountDescriptor, error) {
	if err := a.ValidateCredentials(ctx, h.Credentials); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]provider.AccountDescriptor(nil), a.accounts...), nil
}

func (a *Adapter) FetchTransactions(
	ctx context.Context, h provider.Handle, account provider.AccountDescriptor, cursor string,
) (provider.Page, error) {
	id := account.ProviderAccountID

	a.mu.Lock()
	a.fetchCalls[id]++
	a.inflight[id]++
	if a.inflight[id] > a.maxInflight[id] {
		a.maxInflight[id] = a.inflight[id]
	}
	delay, blocked, ferr := a.delay, a.block[id], a.fetchErr[id]
	pages := a.pages[id]
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inflight[id]--
		a.mu.Unlock()
	}()

	if blocked {
		<-ctx.Done()
		return provider.Page{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.Page{}, ctx.Err()
		}
	}
	if ferr != nil {
		return provider.Page{}, ferr
	}
	if err := a.ValidateCredentials(ctx, h.Credentials); err != nil {
		return provider.Page{}, err
	}

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.Page{}, fmt.Errorf("fake: bad cursor %q: %w", cursor, errs.ErrProviderPermanent)
		}
		idx = n
	}
	if idx >= len(pages) {
		return provider.Page{NextCursor: cursor}, nil
	}
	return pages[idx], nil
}

// Tx is a shorthand for a transaction descriptor in tests.
func Tx(id string, amount string, at time.Time) provider.TransactionDescriptor {
	return provider.TransactionDescriptor{
		ProviderTransactionID: id,
		Amount:                decimal.RequireFromString(amount),
		Currency:              "UAH",
		Description:           "tx " + id,
		OccurredAt:            at,
	}
}

// Account is a shorthand for an account descriptor in tests.
func Account(id, name string) provider.AccountDescriptor {
	return provider.AccountDescriptor{
		ProviderAccountID: id,
		Name:              name,
		Currency:          "UAH",
		Balance:           decimal.Zero,
	}
}

// Demo returns an adapter preloaded with two accounts and a short history,
// used by the in-memory development server.
func Demo(t model.ProviderType, token string) *Adapter {
	a := New(t, token)
	a.SetAccounts(Account("demo-card", "Demo card"), Account("demo-savings", "Demo savings"))
	now := time.Now().UTC().Truncate(time.Hour)
	a.SetPages("demo-card",
		[]provider.TransactionDescriptor{
			Tx("c1", "-120.50", now.Add(-72*time.Hour)),
			Tx("c2", "-42.00", now.Add(-48*time.Hour)),
		},
		[]provider.TransactionDescriptor{Tx("c3", "1500.00", now.Add(-24*time.Hour))},
	)
	a.SetPages("demo-savings", []provider.TransactionDescriptor{Tx("s1", "300.00", now.Add(-96*time.Hour))})
	return a
}
