package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// TransactionRepo implements TransactionRepository in memory.
type TransactionRepo struct{ s *Store }

func (r *TransactionRepo) ImportPage(_ context.Context, p repository.ImportPage) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.external[p.ExternalAccountID]
	if !ok || e.Cursor != p.PrevCursor {
		return 0, fmt.Errorf("cursor moved for %s: %w", p.ExternalAccountID, errs.ErrVersionConflict)
	}
	now := s.now()
	inserted := 0
	for _, t := range p.Transactions {
		k := txKey{externalAccountID: p.ExternalAccountID, providerTxID: t.ProviderTransactionID}
		if _, dup := s.txs[k]; dup {
			continue
		}
		if t.ID == uuid.Nil {
			id, err := uuid.NewV4()
			if err != nil {
				return 0, err
			}
			t.ID = id
		}
		t.ExternalAccountID = p.ExternalAccountID
		t.ImportedAt = now
		s.txs[k] = t
		inserted++
	}
	e.Cursor = p.NextCursor
	e.UpdatedAt = now
	return inserted, nil
}

func (r *TransactionRepo) CountByExternalAccount(_ context.Context, externalAccountID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for k := range r.s.txs {
		if k.externalAccountID == externalAccountID {
			n++
		}
	}
	return n, nil
}

func (r *TransactionRepo) RecentTimes(_ context.Context, externalAccountID uuid.UUID, limit int) ([]time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]time.Time, 0, limit)
	for k, t := range r.s.txs {
		if k.externalAccountID == externalAccountID {
			out = append(out, t.OccurredAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
