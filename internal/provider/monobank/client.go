// Package monobank implements the Monobank personal API adapter.
package monobank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/provider"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.monobank.ua"

const unknownTokenDescription = "Unknown 'X-Token'"

// ClientInfo is the /personal/client-info response.
type ClientInfo struct {
	ClientID   string    `json:"clientId"`
	Name       string    `json:"name"`
	WebHookURL string    `json:"webHookUrl"`
	Accounts   []Account `json:"accounts"`
}

// Account is one account inside ClientInfo.
type Account struct {
	ID           string   `json:"id"`
	SendID       string   `json:"sendId"`
	Balance      int64    `json:"balance"`
	CreditLimit  int64    `json:"creditLimit"`
	Type         string   `json:"type"`
	CurrencyCode int      `json:"currencyCode"`
	CashbackType string   `json:"cashbackType"`
	MaskedPan    []string `json:"maskedPan"`
	IBAN         string   `json:"iban"`
}

// StatementItem is one entry of /personal/statement.
type StatementItem struct {
	ID              string `json:"id"`
	Time            int64  `json:"time"`
	Description     string `json:"description"`
	MCC             int    `json:"mcc"`
	Hold            bool   `json:"hold"`
	Amount          int64  `json:"amount"`
	OperationAmount int64  `json:"operationAmount"`
	CurrencyCode    int    `json:"currencyCode"`
	CommissionRate  int64  `json:"commissionRate"`
	CashbackAmount  int64  `json:"cashbackAmount"`
	Balance         int64  `json:"balance"`
	Comment         string `json:"comment"`
	CounterName     string `json:"counterName"`
}

type apiError struct {
	ErrorDescription string `json:"errorDescription"`
}

// Client talks to the Monobank API. Requests are throttled per token since
// the API allows one personal request per minute.
type Client struct {
	baseURL string
	http    *http.Client
	every   rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// grants counts slots reserved by Wait and not yet used, per token.
	grants map[string]int
}

// NewClient constructs a client. every is the allowed request rate per token;
// zero disables throttling.
func NewClient(baseURL string, httpClient *http.Client, every rate.Limit) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if every == 0 {
		every = rate.Inf
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		every:    every,
		limiters: map[string]*rate.Limiter{},
		grants:   map[string]int{},
	}
}

func tokenKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:8])
}

func (c *Client) limiter(token string) *rate.Limiter {
	k := tokenKey(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[k]
	if !ok {
		l = rate.NewLimiter(c.every, 1)
		c.limiters[k] = l
	}
	return l
}

// Wait blocks until a request for token may be sent and reserves that slot
// for the next request made with token. Callers wait here with their own
// context so a per-call timeout does not cut the wait short.
func (c *Client) Wait(ctx context.Context, token string) error {
	if err := c.limiter(token).Wait(ctx); err != nil {
		return fmt.Errorf("monobank: throttled: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	c.mu.Lock()
	c.grants[tokenKey(token)]++
	c.mu.Unlock()
	return nil
}

// release drops a slot reserved by Wait that no request used.
func (c *Client) release(token string) {
	k := tokenKey(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grants[k] > 1 {
		c.grants[k]--
	} else {
		delete(c.grants, k)
	}
}

// take uses a reserved slot when there is one and waits on the limiter otherwise.
func (c *Client) take(ctx context.Context, token string) error {
	k := tokenKey(token)
	c.mu.Lock()
	if n := c.grants[k]; n > 0 {
		if n == 1 {
			delete(c.grants, k)
		} else {
			c.grants[k] = n - 1
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.limiter(token).Wait(ctx); err != nil {
		return fmt.Errorf("monobank: throttled: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	return nil
}

// ClientInfo fetches the client and its accounts.
func (c *Client) ClientInfo(ctx context.Context, token string) (ClientInfo, error) {
	var out ClientInfo
	err := c.get(ctx, token, "/personal/client-info", &out)
	return out, err
}

// Statement fetches account items between from and to (unix seconds, inclusive).
func (c *Client) Statement(ctx context.Context, token, accountID string, from, to int64) ([]StatementItem, error) {
	var out []StatementItem
	err := c.get(ctx, token, fmt.Sprintf("/personal/statement/%s/%d/%d", accountID, from, to), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	if err := c.take(ctx, token); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("monobank: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("monobank: read body: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	if resp.StatusCode/100 != 2 {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		if ae.ErrorDescription == unknownTokenDescription {
			return fmt.Errorf("monobank: %s: %w", ae.ErrorDescription, errs.ErrInvalidCredentials)
		}
		return provider.HTTPError("monobank", resp.StatusCode, ae.ErrorDescription)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("monobank: decode %s: %w", path, errors.Join(errs.ErrProviderPermanent, err))
	}
	return nil
}
