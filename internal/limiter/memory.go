package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

type attemptKey struct {
	user     uuid.UUID
	provider string
}

type attempts struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with the same window and lockout rules as PG.
type Memory struct {
	mu       sync.Mutex
	rows     map[attemptKey]*attempts
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		rows:     map[attemptKey]*attempts{},
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (m *Memory) Allow(_ context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[attemptKey{userID, providerType}]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); r.blockedUntil.After(now) {
		return false, r.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (user, provider type).
func (m *Memory) Success(_ context.Context, userID uuid.UUID, providerType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, attemptKey{userID, providerType})
	return nil
}

// Failure records a rejected attempt; may set a block until a future time.
func (m *Memory) Failure(_ context.Context, userID uuid.UUID, providerType string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := attemptKey{userID, providerType}
	r, ok := m.rows[k]
	if !ok || now.Sub(r.updatedAt) > m.window {
		r = &attempts{}
		m.rows[k] = r
	}
	r.fails++
	r.updatedAt = now
	if r.fails < m.maxFails {
		return false, 0, nil
	}
	r.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}
