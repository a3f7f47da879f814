package monobank

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
)

// TokenField is the credential key holding the personal API token.
const TokenField = "apiToken"

const (
	// statementWindow is the widest range the statement endpoint accepts.
	statementWindow = 31 * 24 * time.Hour
	// statementLimit is the item count at which the API truncates a window.
	statementLimit = 500
	clientInfoTTL  = 15 * time.Minute
)

var currencies = map[int]string{
	980: "UAH", 840: "USD", 978: "EUR", 985: "PLN", 826: "GBP",
	203: "CZK", 756: "CHF", 124: "CAD", 392: "JPY", 348: "HUF",
}

var cardTypes = map[string]string{
	"black": "Black Card", "white": "White Card", "platinum": "Platinum Card", "iron": "Iron Card",
	"fop": "FOP Card", "yellow": "Yellow Card", "eAid": "eAid Card",
}

type cachedInfo struct {
	info ClientInfo
	at   time.Time
}

// Adapter implements provider.Adapter for Monobank.
type Adapter struct {
	client *Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedInfo
}

var (
	_ provider.Adapter   = (*Adapter)(nil)
	_ provider.Throttled = (*Adapter)(nil)
)

// New constructs the adapter over client.
func New(client *Client) *Adapter {
	return &Adapter{client: client, now: time.Now, cache: map[string]cachedInfo{}}
}

func (a *Adapter) Info() provider.Info {
	return provider.Info{
		Type:         model.ProviderMonobank,
		DisplayName:  "Monobank",
		Description:  "Ukrainian digital bank with API access for personal finance tracking",
		Capabilities: provider.AllCapabilities,
		Features: provider.Features{
			SupportsWebhooks:    true,
			SupportsRealtime:    true,
			SupportsManualSync:  true,
			SupportsAutoSync:    true,
			DefaultSyncInterval: 4 * time.Hour,
			MinSyncInterval:     time.Minute,
		},
		CredentialFields: []string{TokenField},
	}
}

func token(creds provider.Credentials) (string, error) {
	t := strings.TrimSpace(creds[TokenField])
	if t == "" {
		return "", fmt.Errorf("monobank: %s is required: %w", TokenField, errs.ErrInvalidCredentials)
	}
	return t, nil
}

// clientInfo serves client-info from a short cache; the endpoint is heavily rate limited.
func (a *Adapter) clientInfo(ctx context.Context, tok string, fresh bool) (ClientInfo, error) {
	k := tokenKey(tok)
	if !fresh {
		a.mu.Lock()
		c, ok := a.cache[k]
		a.mu.Unlock()
		if ok && a.now().Sub(c.at) < clientInfoTTL {
			a.client.release(tok)
			return c.info, nil
		}
	}
	info, err := a.client.ClientInfo(ctx, tok)
	if err != nil {
		return ClientInfo{}, err
	}
	a.mu.Lock()
	a.cache[k] = cachedInfo{info: info, at: a.now()}
	a.mu.Unlock()
	return info, nil
}

// Wait reserves the token's next request slot. Missing tokens are left for
// the call itself to report.
func (a *Adapter) Wait(ctx context.Context, creds provider.Credentials) error {
	tok, err := token(creds)
	if err != nil {
		return nil
	}
	return a.client.Wait(ctx, tok)
}

func (a *Adapter) ValidateCredentials(ctx context.Context, creds provider.Credentials) error {
	tok, err := token(creds)
	if err != nil {
		return err
	}
	_, err = a.clientInfo(ctx, tok, true)
	return err
}

func (a *Adapter) Connect(ctx context.Context, creds provider.Credentials) (provider.Connected, error) {
	tok, err := token(creds)
	if err != nil {
		return provider.Connected{}, err
	}
	info, err := a.clientInfo(ctx, tok, true)
	if err != nil {
		return provider.Connected{}, err
	}
	return provider.Connected{
		Identity:    info.ClientID,
		DisplayName: "Monobank",
		Metadata: map[string]any{
			"clientId":   info.ClientID,
			"clientName": info.Name,
			"webhookUrl": info.WebHookURL,
		},
	}, nil
}

// Disconnect has nothing to release on the Monobank side.
func (a *Adapter) Disconnect(_ context.Context, h provider.Handle) error {
	if tok, err := token(h.Credentials); err == nil {
		a.mu.Lock()
		delete(a.cache, tokenKey(tok))
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) ListAccounts(ctx context.Context, h provider.Handle) ([]provider.AccountDescriptor, error) {
	tok, err := token(h.Credentials)
	if err != nil {
		return nil, err
	}
	info, err := a.clientInfo(ctx, tok, false)
	if err != nil {
		return nil, err
	}
	out := make([]provider.AccountDescriptor, 0, len(info.Accounts))
	for _, acc := range info.Accounts {
		out = append(out, provider.AccountDescriptor{
			ProviderAccountID: acc.ID,
			Name:              accountName(acc),
			Currency:          currencyCode(acc.CurrencyCode),
			Balance:           decimal.New(acc.Balance, -2),
			Type:              acc.Type,
		})
	}
	return out, nil
}

// FetchTransactions walks statement windows forward from the cursor.
// The cursor is "<from>" in unix seconds, or "<from>/<to>" while draining a
// window the API truncated at statementLimit items.
func (a *Adapter) FetchTransactions(
	ctx context.Context, h provider.Handle, account provider.AccountDescriptor, cursor string,
) (provider.Page, error) {
	tok, err := token(h.Credentials)
	if err != nil {
		return provider.Page{}, err
	}
	now := a.now().Unix()
	from, upper, err := parseCursor(cursor, now)
	if err != nil {
		return provider.Page{}, err
	}
	windowEnd := min(from+int64(statementWindow/time.Second), now)
	to := windowEnd
	if upper > 0 {
		to = upper
	}

	items, err := a.client.Statement(ctx, tok, account.ProviderAccountID, from, to)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{Transactions: make([]provider.TransactionDescriptor, 0, len(items))}
	oldest := to
	for _, it := range items {
		page.Transactions = append(page.Transactions, provider.TransactionDescriptor{
			ProviderTransactionID: it.ID,
			Amount:                decimal.New(it.Amount, -2),
			Currency:              account.Currency,
			Description:           it.Description,
			Merchant:              it.CounterName,
			OccurredAt:            time.Unix(it.Time, 0).UTC(),
		})
		oldest = min(oldest, it.Time)
	}
	sort.Slice(page.Transactions, func(i, j int) bool {
		return page.Transactions[i].OccurredAt.Before(page.Transactions[j].OccurredAt)
	})

	if len(items) >= statementLimit && oldest > from {
		page.NextCursor = fmt.Sprintf("%d/%d", from, oldest)
		page.HasMore = true
		return page, nil
	}
	page.NextCursor = strconv.FormatInt(windowEnd, 10)
	page.HasMore = windowEnd < now
	return page, nil
}

func parseCursor(cursor string, now int64) (from, upper int64, err error) {
	if cursor == "" {
		return now - int64(statementWindow/time.Second), 0, nil
	}
	fromStr, upperStr, truncated := strings.Cut(cursor, "/")
	if from, err = strconv.ParseInt(fromStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("monobank: bad cursor %q: %w", cursor, errs.ErrProviderPermanent)
	}
	if truncated {
		if upper, err = strconv.ParseInt(upperStr, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("monobank: bad cursor %q: %w", cursor, errs.ErrProviderPermanent)
		}
	}
	return from, upper, nil
}

func currencyCode(n int) string {
	if c, ok := currencies[n]; ok {
		return c
	}
	return strconv.Itoa(n)
}

func accountName(acc Account) string {
	name, ok := cardTypes[acc.Type]
	if !ok {
		name = acc.Type
	}
	if len(acc.MaskedPan) > 0 && len(acc.MaskedPan[0]) >= 4 {
		pan := acc.MaskedPan[0]
		return name + " ****" + pan[len(pan)-4:]
	}
	return name
}
