// Package provider defines the bank-data provider abstraction and its registry.
package provider

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// Capability names an operation an adapter exposes.
type Capability string

const (
	CapConnect             Capability = "connect"
	CapDisconnect          Capability = "disconnect"
	CapFetchAccounts       Capability = "fetch-accounts"
	CapFetchTransactions   Capability = "fetch-transactions"
	CapValidateCredentials Capability = "validate-credentials"
)

// AllCapabilities is the full capability set of a complete adapter.
var AllCapabilities = []Capability{
	CapConnect, CapDisconnect, CapFetchAccounts, CapFetchTransactions, CapValidateCredentials,
}

// Features describes provider behaviour relevant to sync policy.
type Features struct {
	SupportsWebhooks    bool
	SupportsRealtime    bool
	RequiresReauth      bool
	SupportsManualSync  bool
	SupportsAutoSync    bool
	MultipleConnections bool
	DefaultSyncInterval time.Duration
	MinSyncInterval     time.Duration
}

// Info is the static description of a provider.
type Info struct {
	Type         model.ProviderType
	DisplayName  string
	Description  string
	Capabilities []Capability
	Features     Features
	// CredentialFields lists the keys Connect expects in Credentials.
	CredentialFields []string
}

// Credentials are provider-specific secrets keyed by field name.
type Credentials map[string]string

// Handle is what an adapter needs to act on an established connection.
type Handle struct {
	ConnectionID uuid.UUID
	Identity     string
	Credentials  Credentials
	Metadata     map[string]any
}

// Connected is the result of a successful Connect.
type Connected struct {
	// Identity is the provider-side identity of the linked user; empty when
	// the provider allows several connections per user.
	Identity    string
	DisplayName string
	Metadata    map[string]any
}

// AccountDescriptor is one account as reported by the provider.
type AccountDescriptor struct {
	ProviderAccountID string
	Name              string
	Currency          string
	Balance           decimal.Decimal
	Type              string
}

// TransactionDescriptor is one transaction as reported by the provider.
type TransactionDescriptor struct {
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Description           string
	Merchant              string
	OccurredAt            time.Time
}

// Page is one slice of an account's transaction history.
type Page struct {
	Transactions []TransactionDescriptor
	NextCursor   string
	HasMore      bool
}

// Adapter is implemented once per provider. Errors should wrap the errs
// sentinels (ErrInvalidCredentials, ErrProviderTransient, ErrProviderPermanent).
type Adapter interface {
	Info() Info
	// Connect validates credentials and resolves the provider identity.
	Connect(ctx context.Context, creds Credentials) (Connected, error)
	// Disconnect releases provider-side resources, if any.
	Disconnect(ctx context.Context, h Handle) error
	ListAccounts(ctx context.Context, h Handle) ([]AccountDescriptor, error)
	// FetchTransactions returns the page following cursor; an empty cursor
	// starts from the provider's default history window.
	FetchTransactions(ctx context.Context, h Handle, account AccountDescriptor, cursor string) (Page, error)
	ValidateCredentials(ctx context.Context, creds Credentials) error
}

// Throttled is implemented by adapters whose provider caps the request rate.
// Wait blocks until the next request for creds may be sent and reserves it
// for the adapter call that follows.
type Throttled interface {
	Wait(ctx context.Context, creds Credentials) error
}

// Call runs fn with timeout applied, after waiting under ctx for a request
// slot when a is Throttled. The wait itself is not bounded by timeout.
func Call[T any](
	ctx context.Context, a Adapter, creds Credentials, timeout time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if t, ok := a.(Throttled); ok {
		if err := t.Wait(ctx, creds); err != nil {
			var zero T
			return zero, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
