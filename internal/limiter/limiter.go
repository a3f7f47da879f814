// Package limiter throttles credential submissions that a provider keeps rejecting.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls connect attempts per (user, provider type) and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and optional retry-after.
	Allow(ctx context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error)
	// Success resets counters after the provider accepted the credentials.
	Success(ctx context.Context, userID uuid.UUID, providerType string) error
	// Failure records a rejected attempt; may place a temporary block.
	Failure(ctx context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error)
}
