package memory

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Tracker implements tracker.Tracker in memory.
type Tracker struct{ s *Store }

// record returns the user's row, creating it. Caller holds the lock.
func (s *Store) record(userID uuid.UUID) *model.SyncStatusRecord {
	rec, ok := s.status[userID]
	if !ok {
		rec = &model.SyncStatusRecord{UserID: userID}
		s.status[userID] = rec
	}
	return rec
}

func (t *Tracker) Get(_ context.Context, userID uuid.UUID) (model.SyncStatusRecord, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.SyncStatusRecord{UserID: userID, PerAccountLastSyncedAt: map[uuid.UUID]time.Time{}}
	if rec, ok := s.status[userID]; ok {
		if rec.LastAutoSyncAt != nil {
			out.LastAutoSyncAt = timePtr(*rec.LastAutoSyncAt)
		}
		if rec.LastManualSyncAt != nil {
			out.LastManualSyncAt = timePtr(*rec.LastManualSyncAt)
		}
	}
	for id, e := range s.external {
		if e.UserID == userID && e.LastSyncedAt != nil {
			out.PerAccountLastSyncedAt[id] = *e.LastSyncedAt
		}
	}
	return out, nil
}

func (t *Tracker) UpdateLastAutoSync(_ context.Context, userID uuid.UUID, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec := t.s.record(userID)
	rec.LastAutoSyncAt = laterPtr(rec.LastAutoSyncAt, at)
	return nil
}

func (t *Tracker) UpdateLastManualSync(_ context.Context, userID uuid.UUID, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec := t.s.record(userID)
	rec.LastManualSyncAt = laterPtr(rec.LastManualSyncAt, at)
	return nil
}

func (t *Tracker) ClaimAutoSync(_ context.Context, userID uuid.UUID, at, notAfter time.Time) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec := t.s.record(userID)
	if rec.LastAutoSyncAt != nil && rec.LastAutoSyncAt.After(notAfter) {
		return false, nil
	}
	rec.LastAutoSyncAt = timePtr(at)
	return true, nil
}

func (t *Tracker) MarkAccountSynced(_ context.Context, externalAccountID uuid.UUID, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if e, ok := t.s.external[externalAccountID]; ok {
		e.LastSyncedAt = laterPtr(e.LastSyncedAt, at)
	}
	return nil
}
