// Package lunchflow implements the Lunch Flow aggregation API adapter.
package lunchflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/provider"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://lunchflow.app/api/v1"

// Account is one entry of GET /accounts.
type Account struct {
	ID              json.Number `json:"id"`
	Name            string      `json:"name"`
	InstitutionName string      `json:"institution_name"`
	Provider        string      `json:"provider"`
	Currency        string      `json:"currency"`
	Status          string      `json:"status"`
}

// Transaction is one entry of GET /accounts/{id}/transactions.
type Transaction struct {
	ID          string      `json:"id"`
	AccountID   json.Number `json:"accountId"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Date        string      `json:"date"`
	Merchant    string      `json:"merchant"`
	Description string      `json:"description"`
	IsPending   bool        `json:"isPending"`
}

// Balance is the body of GET /accounts/{id}/balance.
type Balance struct {
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

type accountsResponse struct {
	Accounts []Account `json:"accounts"`
	Total    int       `json:"total"`
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
}

type balanceResponse struct {
	Balance Balance `json:"balance"`
}

// Client talks to the Lunch Flow API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a client; empty baseURL selects production.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Accounts lists accounts visible to apiKey.
func (c *Client) Accounts(ctx context.Context, apiKey string) ([]Account, error) {
	var out accountsResponse
	if err := c.get(ctx, apiKey, "/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// Transactions lists booked transactions of the account.
func (c *Client) Transactions(ctx context.Context, apiKey, accountID string) ([]Transaction, error) {
	var out transactionsResponse
	q := url.Values{"include_pending": {"false"}}
	if err := c.get(ctx, apiKey, "/accounts/"+url.PathEscape(accountID)+"/transactions", q, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Balance fetches the current balance of the account.
func (c *Client) Balance(ctx context.Context, apiKey, accountID string) (Balance, error) {
	var out balanceResponse
	err := c.get(ctx, apiKey, "/accounts/"+url.PathEscape(accountID)+"/balance", nil, &out)
	return out.Balance, err
}

func (c *Client) get(ctx context.Context, apiKey, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lunchflow: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("lunchflow: read body: %w", errors.Join(errs.ErrProviderTransient, err))
	}
	if resp.StatusCode/100 != 2 {
		return provider.HTTPError("lunchflow", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("lunchflow: decode %s: %w", path, errors.Join(errs.ErrProviderPermanent, err))
	}
	return nil
}
