package memory

import (
	"context"
	"slices"
	"sort"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepo implements AccountRepository in memory.
type AccountRepo struct{ s *Store }

func (r *AccountRepo) Get(_ context.Context, userID, id uuid.UUID) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.UserID != userID {
		return nil, errs.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AccountRepo) SetEnabled(_ context.Context, userID, id uuid.UUID, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.UserID != userID {
		return errs.ErrNotFound
	}
	a.Enabled = enabled
	return nil
}

// ExternalAccountRepo implements ExternalAccountRepository in memory.
type ExternalAccountRepo struct{ s *Store }

// view copies e and fills the joined columns. Caller holds the lock.
func (s *Store) view(e *model.ExternalAccount) model.ExternalAccount {
	out := *e
	if e.LocalAccountID != nil {
		id := *e.LocalAccountID
		out.LocalAccountID = &id
		if a, ok := s.accounts[id]; ok {
			out.LocalEnabled = a.Enabled
		}
	}
	if e.LastSyncedAt != nil {
		out.LastSyncedAt = timePtr(*e.LastSyncedAt)
	}
	if c, ok := s.connections[e.ConnectionID]; ok {
		out.ProviderType = c.ProviderType
		out.ConnectionStatus = c.Status
	}
	return out
}

func (s *Store) sortedExternal(keep func(*model.ExternalAccount) bool) []model.ExternalAccount {
	out := make([]model.ExternalAccount, 0, 8)
	for _, e := range s.external {
		if keep(e) {
			out = append(out, s.view(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProviderAccountID < out[j].ProviderAccountID
	})
	return out
}

func (r *ExternalAccountRepo) Upsert(
	_ context.Context, conn model.Connection, in model.ExternalAccountUpsert,
) (model.ExternalAccount, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range s.external {
		if e.ConnectionID == conn.ID && e.ProviderAccountID == in.ProviderAccountID {
			e.Name, e.Currency, e.Balance = in.Name, in.Currency, in.Balance
			e.Stale = false
			e.UpdatedAt = now
			return s.view(e), false, nil
		}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.ExternalAccount{}, false, err
	}
	e := &model.ExternalAccount{
		ID:                id,
		ConnectionID:      conn.ID,
		UserID:            conn.UserID,
		ProviderAccountID: in.ProviderAccountID,
		Name:              in.Name,
		Currency:          in.Currency,
		Balance:           in.Balance,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.external[id] = e
	return s.view(e), true, nil
}

func (r *ExternalAccountRepo) LinkNewLocal(_ context.Context, id uuid.UUID, local *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.external[id]
	if !ok {
		return errs.ErrNotFound
	}
	if e.LocalAccountID != nil {
		return errs.ErrVersionConflict
	}
	now := r.s.now()
	local.CreatedAt = now
	cp := *local
	r.s.accounts[local.ID] = &cp
	localID := local.ID
	e.LocalAccountID = &localID
	e.UpdatedAt = now
	return nil
}

func (r *ExternalAccountRepo) MarkStaleExcept(_ context.Context, connectionID uuid.UUID, keep []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.external {
		if e.ConnectionID == connectionID && !e.Stale && !slices.Contains(keep, e.ProviderAccountID) {
			e.Stale = true
			e.UpdatedAt = r.s.now()
			n++
		}
	}
	return n, nil
}

func (r *ExternalAccountRepo) Get(_ context.Context, id uuid.UUID) (*model.ExternalAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.external[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	v := r.s.view(e)
	return &v, nil
}

func (r *ExternalAccountRepo) ListByConnection(_ context.Context, userID, connectionID uuid.UUID) ([]model.ExternalAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sortedExternal(func(e *model.ExternalAccount) bool {
		return e.ConnectionID == connectionID && e.UserID == userID
	}), nil
}

func (r *ExternalAccountRepo) ListSyncable(
	_ context.Context, userID uuid.UUID, statuses []model.ConnectionStatus,
) ([]model.ExternalAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sortedExternal(func(e *model.ExternalAccount) bool {
		if e.UserID != userID || e.Stale || e.LocalAccountID == nil {
			return false
		}
		a, ok := r.s.accounts[*e.LocalAccountID]
		if !ok || !a.Enabled {
			return false
		}
		c, ok := r.s.connections[e.ConnectionID]
		return ok && slices.Contains(statuses, c.Status)
	}), nil
}

func (r *ExternalAccountRepo) DisableLocalAccounts(_ context.Context, connectionID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.external {
		if e.ConnectionID != connectionID || e.LocalAccountID == nil {
			continue
		}
		if a, ok := r.s.accounts[*e.LocalAccountID]; ok && a.Enabled {
			a.Enabled = false
			n++
		}
	}
	return n, nil
}
