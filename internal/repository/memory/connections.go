package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConnectionRepo implements ConnectionRepository in memory.
type ConnectionRepo struct{ s *Store }

func (r *ConnectionRepo) Create(_ context.Context, c *model.Connection) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Identity != "" && c.Status != model.ConnectionDisconnected {
		for _, o := range s.connections {
			if o.UserID == c.UserID && o.ProviderType == c.ProviderType && o.Identity == c.Identity && o.Live() {
				return errs.ErrDuplicateConnection
			}
		}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	now := s.now()
	c.Version, c.CreatedAt, c.UpdatedAt = 1, now, now
	s.connections[c.ID] = cloneConnection(c)
	return nil
}

func (r *ConnectionRepo) Get(_ context.Context, userID, id uuid.UUID) (*model.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok || c.UserID != userID {
		return nil, errs.ErrNotFound
	}
	return cloneConnection(c), nil
}

func (r *ConnectionRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneConnection(c), nil
}

func (r *ConnectionRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Connection, 0, 4)
	for _, c := range r.s.connections {
		if c.UserID == userID {
			out = append(out, *cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *ConnectionRepo) FindLive(
	_ context.Context, userID uuid.UUID, provider model.ProviderType, identity string,
) (*model.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.connections {
		if c.UserID == userID && c.ProviderType == provider && c.Identity == identity && c.Live() {
			return cloneConnection(c), nil
		}
	}
	return nil, errs.ErrNotFound
}

// locked returns the stored connection after the owner and version checks.
func (r *ConnectionRepo) locked(userID, id uuid.UUID, baseVer int64) (*model.Connection, error) {
	c, ok := r.s.connections[id]
	if !ok || c.UserID != userID {
		return nil, errs.ErrNotFound
	}
	if c.Version != baseVer {
		return nil, errs.ErrVersionConflict
	}
	return c, nil
}

func (r *ConnectionRepo) UpdateStatus(
	_ context.Context, userID, id uuid.UUID, baseVer int64, status model.ConnectionStatus,
) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, err := r.locked(userID, id, baseVer)
	if err != nil {
		return 0, err
	}
	c.Status = status
	c.Version++
	c.UpdatedAt = r.s.now()
	return c.Version, nil
}

func (r *ConnectionRepo) UpdateCredentials(
	_ context.Context, userID, id uuid.UUID, baseVer int64, sealed []byte, metadata map[string]any,
) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, err := r.locked(userID, id, baseVer)
	if err != nil {
		return 0, err
	}
	c.Credentials = append([]byte(nil), sealed...)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	maps.Copy(c.Metadata, metadata)
	c.Status = model.ConnectionActive
	c.ConsecutiveFailures = 0
	c.Version++
	c.UpdatedAt = r.s.now()
	return c.Version, nil
}

func (r *ConnectionRepo) RecordSyncSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil
	}
	c.ConsecutiveFailures = 0
	c.LastSyncAt = laterPtr(c.LastSyncAt, at)
	if c.Status == model.ConnectionError {
		c.Status = model.ConnectionActive
		c.Version++
	}
	c.UpdatedAt = r.s.now()
	return nil
}

func (r *ConnectionRepo) RecordSyncFailure(_ context.Context, id uuid.UUID, threshold int) (model.ConnectionStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return "", errs.ErrNotFound
	}
	c.ConsecutiveFailures++
	if c.Status == model.ConnectionActive && c.ConsecutiveFailures >= threshold {
		c.Status = model.ConnectionError
		c.Version++
	}
	c.UpdatedAt = r.s.now()
	return c.Status, nil
}
