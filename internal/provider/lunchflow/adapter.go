package lunchflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
)

// KeyField is the credential key holding the API key.
const KeyField = "apiKey"

const dateLayout = "2006-01-02"

// Adapter implements provider.Adapter for Lunch Flow. The API returns the
// whole booked history in one response, so the cursor is the newest booking
// date already imported and every fetch is a single page.
type Adapter struct {
	client *Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs the adapter over client.
func New(client *Client) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		Type:         model.ProviderLunchFlow,
		DisplayName:  "Lunch Flow",
		Description:  "Open banking aggregator covering many European and UK banks",
		Capabilities: provider.AllCapabilities,
		Features: provider.Features{
			SupportsManualSync:  true,
			SupportsAutoSync:    true,
			MultipleConnections: true,
			DefaultSyncInterval: 12 * time.Hour,
			MinSyncInterval:     5 * time.Minute,
		},
		CredentialFields: []string{KeyField},
	}
}

func apiKey(creds provider.Credentials) (string, error) {
	k := strings.TrimSpace(creds[KeyField])
	if k == "" {
		return "", fmt.Errorf("lunchflow: %s is required: %w", KeyField, errs.ErrInvalidCredentials)
	}
	return k, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context, creds provider.Credentials) error {
	k, err := apiKey(creds)
	if err != nil {
		return err
	}
	_, err = a.client.Accounts(ctx, k)
	return err
}

// Connect checks the key. Several keys may be linked by one user, so no
// identity is reported.
func (a *Adapter) Connect(ctx context.Context, creds provider.Credentials) (provider.Connected, error) {
	k, err := apiKey(creds)
	if err != nil {
		return provider.Connected{}, err
	}
	accs, err := a.client.Accounts(ctx, k)
	if err != nil {
		return provider.Connected{}, err
	}
	institutions := make([]string, 0, len(accs))
	seen := map[string]bool{}
	for _, acc := range accs {
		if acc.InstitutionName != "" && !seen[acc.InstitutionName] {
			seen[acc.InstitutionName] = true
			institutions = append(institutions, acc.InstitutionName)
		}
	}
	sort.Strings(institutions)
	return provider.Connected{
		DisplayName: "Lunch Flow",
		Metadata: map[string]any{
			"accountCount": len(accs),
			"institutions": institutions,
		},
	}, nil
}

func (a *Adapter) Disconnect(context.Context, provider.Handle) error { return nil }

func (a *Adapter) ListAccounts(ctx context.Context, h provider.Handle) ([]provider.AccountDescriptor, error) {
	k, err := apiKey(h.Credentials)
	if err != nil {
		return nil, err
	}
	accs, err := a.client.Accounts(ctx, k)
	if err != nil {
		return nil, err
	}
	out := make([]provider.AccountDescriptor, 0, len(accs))
	for _, acc := range accs {
		if acc.Status != "" && !strings.EqualFold(acc.Status, "ACTIVE") {
			continue
		}
		id := acc.ID.String()
		d := provider.AccountDescriptor{
			ProviderAccountID: id,
			Name:              accountName(acc),
			Currency:          strings.ToUpper(acc.Currency),
			Balance:           decimal.Zero,
			Type:              acc.Provider,
		}
		// a missing balance is not fatal for the account list
		if b, err := a.client.Balance(ctx, k, id); err == nil {
			if v, err := decimal.NewFromString(b.Amount.String()); err == nil {
				d.Balance = v
			}
			if d.Currency == "" {
				d.Currency = strings.ToUpper(b.Currency)
			}
		}
		if d.Currency == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func accountName(acc Account) string {
	switch {
	case acc.Name != "" && acc.InstitutionName != "":
		return acc.InstitutionName + " " + acc.Name
	case acc.Name != "":
		return acc.Name
	default:
		return "Lunch Flow " + acc.ID.String()
	}
}

// FetchTransactions returns booked transactions dated on or after the cursor.
// Same-day rows are refetched; the import is idempotent by transaction id.
func (a *Adapter) FetchTransactions(
	ctx context.Context, h provider.Handle, account provider.AccountDescriptor, cursor string,
) (provider.Page, error) {
	k, err := apiKey(h.Credentials)
	if err != nil {
		return provider.Page{}, err
	}
	var since time.Time
	if cursor != "" {
		if since, err = time.Parse(dateLayout, cursor); err != nil {
			return provider.Page{}, fmt.Errorf("lunchflow: bad cursor %q: %w", cursor, errs.ErrProviderPermanent)
		}
	}
	txs, err := a.client.Transactions(ctx, k, account.ProviderAccountID)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{NextCursor: cursor}
	newest := since
	for _, tx := range txs {
		if tx.IsPending || tx.ID == "" {
			continue
		}
		at, err := time.Parse(dateLayout, tx.Date)
		if err != nil {
			return provider.Page{}, fmt.Errorf("lunchflow: transaction %s date %q: %w", tx.ID, tx.Date, errs.ErrProviderPermanent)
		}
		if at.Before(since) {
			continue
		}
		amount, err := decimal.NewFromString(tx.Amount.String())
		if err != nil {
			return provider.Page{}, fmt.Errorf("lunchflow: transaction %s amount: %w", tx.ID, errs.ErrProviderPermanent)
		}
		currency := strings.ToUpper(tx.Currency)
		if currency == "" {
			currency = account.Currency
		}
		page.Transactions = append(page.Transactions, provider.TransactionDescriptor{
			ProviderTransactionID: tx.ID,
			Amount:                amount,
			Currency:              currency,
			Description:           tx.Description,
			Merchant:              tx.Merchant,
			OccurredAt:            at,
		})
		if at.After(newest) {
			newest = at
		}
	}
	sort.SliceStable(page.Transactions, func(i, j int) bool {
		return page.Transactions[i].OccurredAt.Before(page.Transactions[j].OccurredAt)
	})
	if !newest.IsZero() {
		page.NextCursor = newest.Format(dateLayout)
	}
	return page, nil
}
