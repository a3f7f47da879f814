// Package memory is an in-process storage backend with the same semantics as
// the PostgreSQL repositories. It backs development mode and service tests.
package memory

import (
	"maps"
	"sync"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/repository"
	"github.com/and161185/banksync/internal/tracker"
	"github.com/gofrs/uuid/v5"
)

type txKey struct {
	externalAccountID uuid.UUID
	providerTxID      string
}

// Store holds all entities behind one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	connections map[uuid.UUID]*model.Connection
	accounts    map[uuid.UUID]*model.Account
	external    map[uuid.UUID]*model.ExternalAccount
	txs         map[txKey]model.Transaction
	jobs        map[uuid.UUID]*jobRow
	jobSeq      int64
	status      map[uuid.UUID]*model.SyncStatusRecord
}

type jobRow struct {
	model.SyncJob
	seq int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		connections: map[uuid.UUID]*model.Connection{},
		accounts:    map[uuid.UUID]*model.Account{},
		external:    map[uuid.UUID]*model.ExternalAccount{},
		txs:         map[txKey]model.Transaction{},
		jobs:        map[uuid.UUID]*jobRow{},
		status:      map[uuid.UUID]*model.SyncStatusRecord{},
	}
}

// SetClock replaces the time source used for stored timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Connections returns the connection repository view.
func (s *Store) Connections() *ConnectionRepo { return &ConnectionRepo{s: s} }

// Accounts returns the local account repository view.
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

// ExternalAccounts returns the external account repository view.
func (s *Store) ExternalAccounts() *ExternalAccountRepo { return &ExternalAccountRepo{s: s} }

// Jobs returns the sync job repository view.
func (s *Store) Jobs() *JobRepo { return &JobRepo{s: s} }

// Transactions returns the transaction repository view.
func (s *Store) Transactions() *TransactionRepo { return &TransactionRepo{s: s} }

// Tracker returns the sync status tracker view.
func (s *Store) Tracker() *Tracker { return &Tracker{s: s} }

var (
	_ repository.ConnectionRepository      = (*ConnectionRepo)(nil)
	_ repository.AccountRepository         = (*AccountRepo)(nil)
	_ repository.ExternalAccountRepository = (*ExternalAccountRepo)(nil)
	_ repository.JobRepository             = (*JobRepo)(nil)
	_ repository.TransactionRepository     = (*TransactionRepo)(nil)
	_ tracker.Tracker                      = (*Tracker)(nil)
)

func cloneConnection(c *model.Connection) *model.Connection {
	out := *c
	out.Metadata = maps.Clone(c.Metadata)
	out.Credentials = append([]byte(nil), c.Credentials...)
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		out.LastSyncAt = &t
	}
	return &out
}

func timePtr(t time.Time) *time.Time { return &t }

func laterPtr(cur *time.Time, at time.Time) *time.Time {
	if cur != nil && !at.After(*cur) {
		return cur
	}
	return timePtr(at)
}
