package provider

import (
	"fmt"
	"net/http"

	"github.com/and161185/banksync/internal/errs"
)

// HTTPError classifies a non-2xx provider response.
// 401/403 are rejected credentials, 408/429/5xx are transient, anything else is permanent.
func HTTPError(provider string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s: %d %s: %w", provider, status, msg, errs.ErrInvalidCredentials)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%s: %d %s: %w", provider, status, msg, errs.ErrProviderTransient)
	default:
		return fmt.Errorf("%s: %d %s: %w", provider, status, msg, errs.ErrProviderPermanent)
	}
}
