package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/queue"
	"github.com/and161185/banksync/internal/repository"
	"github.com/and161185/banksync/internal/tracker"
)

// SyncSummary describes one enqueued job group.
type SyncSummary struct {
	// JobGroupID is uuid.Nil when nothing was enqueued.
	JobGroupID    uuid.UUID
	TotalAccounts int
	Enqueued      int
	// Skipped lists accounts that already had a queued job.
	Skipped []uuid.UUID
}

// SyncManagerConfig tunes sync policy.
type SyncManagerConfig struct {
	// AutoSyncInterval is the minimum gap between two automatic syncs of a user.
	AutoSyncInterval time.Duration
	// StatusStaleAfter is the age after which a queued or running job is reported idle.
	StatusStaleAfter time.Duration
}

func (c SyncManagerConfig) withDefaults() SyncManagerConfig {
	if c.AutoSyncInterval <= 0 {
		c.AutoSyncInterval = 15 * time.Minute
	}
	if c.StatusStaleAfter <= 0 {
		c.StatusStaleAfter = 20 * time.Minute
	}
	return c
}

// SyncManager decides when and what to sync and reports sync state.
type SyncManager interface {
	// CheckAndTriggerAutoSync enqueues an automatic sync unless one ran within
	// the interval; nil when debounced or nothing is eligible.
	CheckAndTriggerAutoSync(ctx context.Context, userID uuid.UUID) (*SyncSummary, error)
	// SyncAllUserAccounts enqueues a manual sync of every eligible account.
	SyncAllUserAccounts(ctx context.Context, userID uuid.UUID) (SyncSummary, error)
	// GetUserAccountsSyncStatus returns per-account state and the latest in-flight group.
	GetUserAccountsSyncStatus(ctx context.Context, userID uuid.UUID) (model.UserSyncStatus, error)
	// GetJobGroupProgress returns progress of one of the user's groups.
	GetJobGroupProgress(ctx context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error)
	// GetActiveJobs returns the user's queued and running jobs.
	GetActiveJobs(ctx context.Context, userID uuid.UUID) ([]model.SyncJob, error)
}

type SyncManagerImpl struct {
	external repository.ExternalAccountRepository
	txs      repository.TransactionRepository
	tracker  tracker.Tracker
	queue    *queue.Queue
	registry *provider.Registry
	cfg      SyncManagerConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewSyncManager constructs SyncManager with required dependencies.
func NewSyncManager(
	external repository.ExternalAccountRepository, txs repository.TransactionRepository, tr tracker.Tracker,
	q *queue.Queue, registry *provider.Registry, cfg SyncManagerConfig, log *zap.Logger,
) *SyncManagerImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncManagerImpl{
		external: external,
		txs:      txs,
		tracker:  tr,
		queue:    q,
		registry: registry,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// CheckAndTriggerAutoSync claims the user's auto-sync slot before enqueueing,
// so concurrent callers within one interval produce at most one group.
func (m *SyncManagerImpl) CheckAndTriggerAutoSync(ctx context.Context, userID uuid.UUID) (*SyncSummary, error) {
	now := m.now().UTC()
	claimed, err := m.tracker.ClaimAutoSync(ctx, userID, now, now.Add(-m.cfg.AutoSyncInterval))
	if err != nil {
		return nil, fmt.Errorf("claim auto sync: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	accounts, err := m.external.ListSyncable(ctx, userID, []model.ConnectionStatus{model.ConnectionActive})
	if err != nil {
		return nil, err
	}
	accounts = m.eligible(accounts, now, true)
	if len(accounts) == 0 {
		return nil, nil
	}
	sum, err := m.enqueueAll(ctx, userID, accounts, model.TriggerAuto)
	if err != nil {
		return nil, err
	}
	if sum.Enqueued == 0 {
		return nil, nil
	}
	return &sum, nil
}

// SyncAllUserAccounts enqueues a manual sync. It also moves the auto-sync
// clock so an automatic sync does not follow right behind.
func (m *SyncManagerImpl) SyncAllUserAccounts(ctx context.Context, userID uuid.UUID) (SyncSummary, error) {
	now := m.now().UTC()
	if err := m.tracker.UpdateLastManualSync(ctx, userID, now); err != nil {
		return SyncSummary{}, err
	}
	if err := m.tracker.UpdateLastAutoSync(ctx, userID, now); err != nil {
		return SyncSummary{}, err
	}

	accounts, err := m.external.ListSyncable(ctx, userID,
		[]model.ConnectionStatus{model.ConnectionActive, model.ConnectionError})
	if err != nil {
		return SyncSummary{}, err
	}
	return m.enqueueAll(ctx, userID, m.eligible(accounts, now, false), model.TriggerManual)
}

// eligible drops accounts whose provider does not allow this kind of sync.
// Automatic syncs also respect the provider's minimum sync interval.
func (m *SyncManagerImpl) eligible(accounts []model.ExternalAccount, now time.Time, auto bool) []model.ExternalAccount {
	out := accounts[:0]
	for _, a := range accounts {
		adapter, err := m.registry.Get(a.ProviderType)
		if err != nil {
			m.log.Warn("account of unregistered provider skipped",
				zap.String("external_account_id", a.ID.String()), zap.Error(err))
			continue
		}
		f := adapter.Info().Features
		if auto {
			if !f.SupportsAutoSync {
				continue
			}
			if a.LastSyncedAt != nil && f.MinSyncInterval > 0 && now.Sub(*a.LastSyncedAt) < f.MinSyncInterval {
				continue
			}
		} else if !f.SupportsManualSync {
			continue
		}
		out = append(out, a)
	}
	return out
}

// enqueueAll puts one job per account into a fresh group, highest priority
// first. Accounts already waiting in the queue are skipped.
func (m *SyncManagerImpl) enqueueAll(
	ctx context.Context, userID uuid.UUID, accounts []model.ExternalAccount, trigger model.Trigger,
) (SyncSummary, error) {
	sum := SyncSummary{TotalAccounts: len(accounts)}
	if len(accounts) == 0 {
		return sum, nil
	}
	queued, err := m.queue.QueuedTargets(ctx, userID)
	if err != nil {
		return SyncSummary{}, err
	}
	group, err := uuid.NewV4()
	if err != nil {
		return SyncSummary{}, err
	}

	for _, a := range prioritize(ctx, m.txs, accounts, m.log) {
		if queued[a.ID] {
			sum.Skipped = append(sum.Skipped, a.ID)
			continue
		}
		if _, err := m.queue.Enqueue(ctx, queue.EnqueueInput{
			UserID:     userID,
			JobGroupID: group,
			TargetKind: model.TargetAccount,
			TargetID:   a.ID,
			Trigger:    trigger,
		}); err != nil {
			return SyncSummary{}, err
		}
		sum.Enqueued++
	}
	if sum.Enqueued > 0 {
		sum.JobGroupID = group
	}
	m.log.Info("sync enqueued",
		zap.String("user_id", userID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("enqueued", sum.Enqueued),
		zap.Int("skipped", len(sum.Skipped)),
	)
	return sum, nil
}

// GetUserAccountsSyncStatus derives each account's state from its newest job.
func (m *SyncManagerImpl) GetUserAccountsSyncStatus(ctx context.Context, userID uuid.UUID) (model.UserSyncStatus, error) {
	rec, err := m.tracker.Get(ctx, userID)
	if err != nil {
		return model.UserSyncStatus{}, err
	}
	accounts, err := m.external.ListSyncable(ctx, userID,
		[]model.ConnectionStatus{model.ConnectionActive, model.ConnectionError})
	if err != nil {
		return model.UserSyncStatus{}, err
	}
	latest, err := m.queue.LatestJobsByTarget(ctx, userID)
	if err != nil {
		return model.UserSyncStatus{}, err
	}
	inFlight, err := m.queue.InFlightProgress(ctx, userID)
	if err != nil {
		return model.UserSyncStatus{}, err
	}

	now := m.now().UTC()
	out := model.UserSyncStatus{
		Accounts: make([]model.AccountSyncStatus, 0, len(accounts)),
		Record:   rec,
		InFlight: inFlight,
	}
	for _, a := range accounts {
		st := model.AccountSyncStatus{
			ExternalAccountID: a.ID,
			LocalAccountID:    a.LocalAccountID,
			ConnectionID:      a.ConnectionID,
			ProviderType:      a.ProviderType,
			Name:              a.Name,
			State:             model.SyncIdle,
			LastSyncedAt:      a.LastSyncedAt,
		}
		if j, ok := latest[a.ID]; ok {
			st.State = m.jobState(j, now)
			if st.State == model.SyncFailed {
				st.ErrorKind, st.Error = j.ErrorKind, j.Error
			}
		}
		out.Accounts = append(out.Accounts, st)
		countState(&out.Summary, st.State)
	}
	return out, nil
}

// jobState maps a job to the user-facing state. Queued or running jobs older
// than StatusStaleAfter read as idle.
func (m *SyncManagerImpl) jobState(j model.SyncJob, now time.Time) model.AccountSyncState {
	switch j.State {
	case model.JobQueued:
		if now.Sub(j.EnqueuedAt) > m.cfg.StatusStaleAfter {
			return model.SyncIdle
		}
		return model.SyncQueued
	case model.JobRunning:
		since := j.EnqueuedAt
		if j.HeartbeatAt != nil {
			since = *j.HeartbeatAt
		} else if j.StartedAt != nil {
			since = *j.StartedAt
		}
		if now.Sub(since) > m.cfg.StatusStaleAfter {
			return model.SyncIdle
		}
		return model.SyncSyncing
	case model.JobSucceeded:
		return model.SyncCompleted
	case model.JobFailed:
		return model.SyncFailed
	}
	return model.SyncIdle
}

func countState(s *model.SyncStatusSummary, st model.AccountSyncState) {
	s.Total++
	switch st {
	case model.SyncIdle:
		s.Idle++
	case model.SyncQueued:
		s.Queued++
	case model.SyncSyncing:
		s.Syncing++
	case model.SyncCompleted:
		s.Completed++
	case model.SyncFailed:
		s.Failed++
	}
}

// GetJobGroupProgress returns progress of one of the user's groups.
func (m *SyncManagerImpl) GetJobGroupProgress(ctx context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error) {
	return m.queue.GetJobGroupProgress(ctx, userID, groupID)
}

// GetActiveJobs returns the user's queued and running jobs.
func (m *SyncManagerImpl) GetActiveJobs(ctx context.Context, userID uuid.UUID) ([]model.SyncJob, error) {
	return m.queue.GetActiveJobsForUser(ctx, userID)
}
