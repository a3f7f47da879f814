// Package errs defines domain-level sentinel errors shared across layers.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Common sentinels across repo/service/provider layers.
var (
	// ErrNotFound indicates the entity does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic update lost the race.
	ErrVersionConflict = errors.New("version conflict")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation")

	// ErrInvalidCredentials indicates the provider rejected the supplied credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDuplicateConnection indicates an equivalent live connection already exists.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnsupportedProvider indicates the provider type is not registered.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrProviderTransient covers network failures, timeouts and rate limits.
	ErrProviderTransient = errors.New("provider transient error")

	// ErrRateLimited indicates repeated rejected credentials locked further attempts.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderPermanent covers revoked access and other failures a retry will not fix.
	ErrProviderPermanent = errors.New("provider permanent error")
)

// Kind values recorded on failed sync jobs.
const (
	KindNotFound            = "not_found"
	KindVersionConflict     = "version_conflict"
	KindValidation          = "validation"
	KindInvalidCredentials  = "invalid_credentials"
	KindDuplicateConnection = "duplicate_connection"
	KindUnsupportedProvider = "unsupported_provider"
	KindProviderTransient   = "provider_transient"
	KindProviderPermanent   = "provider_permanent"
	KindRateLimited         = "rate_limited"
	KindInternal            = "internal"
)

// Kind returns a stable string for the sentinel err wraps.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrProviderPermanent):
		// revoked credentials seen during a sync are joined into a permanent failure
		return KindProviderPermanent
	case errors.Is(err, ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrDuplicateConnection):
		return KindDuplicateConnection
	case errors.Is(err, ErrUnsupportedProvider):
		return KindUnsupportedProvider
	default:
		return KindInternal
	}
}

// ClassifyProvider normalises an error returned by a provider adapter call.
// Classified errors pass through, rejected credentials become permanent and
// anything else (timeouts, network failures) is treated as transient.
func ClassifyProvider(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrProviderTransient), errors.Is(err, ErrProviderPermanent):
		return err
	case errors.Is(err, ErrInvalidCredentials):
		return errors.Join(ErrProviderPermanent, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrProviderTransient, fmt.Errorf("timeout: %w", err))
	}
	return errors.Join(ErrProviderTransient, err)
}
