package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/queue"
	"github.com/and161185/banksync/internal/repository"
)

// Linker maps provider accounts onto stored accounts.
type Linker interface {
	// ListExternalAccounts returns the connection's provider accounts.
	ListExternalAccounts(ctx context.Context, connectionID, userID uuid.UUID) ([]model.ExternalAccount, error)
	// Reconcile applies a provider account list to the connection.
	Reconcile(ctx context.Context, conn model.Connection, accounts []provider.AccountDescriptor) (model.ReconcileResult, error)
	// RefreshAccounts schedules an asynchronous account listing.
	RefreshAccounts(ctx context.Context, connectionID, userID uuid.UUID) (SyncSummary, error)
	// LinkAccounts links the selected provider accounts and syncs them.
	LinkAccounts(ctx context.Context, in LinkAccountsInput) (LinkResult, error)
}

// LinkAccountsInput selects provider accounts of a connection to import.
type LinkAccountsInput struct {
	ConnectionID       uuid.UUID
	UserID             uuid.UUID
	ProviderAccountIDs []string
}

// LinkResult is the outcome of LinkAccounts.
type LinkResult struct {
	// Created counts local accounts created for previously unlinked accounts.
	Created int
	// Enabled counts disabled local accounts switched back on.
	Enabled  int
	Accounts []model.ExternalAccount
	Sync     SyncSummary
}

// LinkerImpl keeps provider-reported accounts in step with stored ones.
type LinkerImpl struct {
	conns    repository.ConnectionRepository
	accounts repository.AccountRepository
	external repository.ExternalAccountRepository
	queue    *queue.Queue
	log      *zap.Logger
}

var (
	_ Linker                 = (*LinkerImpl)(nil)
	_ queue.AccountReconciler = (*LinkerImpl)(nil)
)

// NewLinker constructs the external account linker.
func NewLinker(
	conns repository.ConnectionRepository, accounts repository.AccountRepository,
	external repository.ExternalAccountRepository, q *queue.Queue, log *zap.Logger,
) *LinkerImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &LinkerImpl{conns: conns, accounts: accounts, external: external, queue: q, log: log}
}

// ListExternalAccounts returns the connection's provider accounts joined with
// their local account state.
func (l *LinkerImpl) ListExternalAccounts(ctx context.Context, connectionID, userID uuid.UUID) ([]model.ExternalAccount, error) {
	if _, err := l.conns.Get(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	return l.external.ListByConnection(ctx, userID, connectionID)
}

// Reconcile applies a provider account list to the connection: new accounts
// are stored unlinked, known ones are refreshed and accounts missing from the
// list are marked stale. Linking is left to LinkAccounts.
func (l *LinkerImpl) Reconcile(
	ctx context.Context, conn model.Connection, accounts []provider.AccountDescriptor,
) (model.ReconcileResult, error) {
	var res model.ReconcileResult
	seen := make(map[string]bool, len(accounts))
	keep := make([]string, 0, len(accounts))

	for _, a := range accounts {
		if a.ProviderAccountID == "" || seen[a.ProviderAccountID] {
			continue
		}
		seen[a.ProviderAccountID] = true
		keep = append(keep, a.ProviderAccountID)

		_, created, err := l.external.Upsert(ctx, conn, model.ExternalAccountUpsert{
			ProviderAccountID: a.ProviderAccountID,
			Name:              a.Name,
			Currency:          a.Currency,
			Balance:           a.Balance,
		})
		if err != nil {
			return model.ReconcileResult{}, fmt.Errorf("upsert %s: %w", a.ProviderAccountID, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	stale, err := l.external.MarkStaleExcept(ctx, conn.ID, keep)
	if err != nil {
		return model.ReconcileResult{}, fmt.Errorf("mark stale: %w", err)
	}
	res.Stale = stale

	if res.Accounts, err = l.external.ListByConnection(ctx, conn.UserID, conn.ID); err != nil {
		return model.ReconcileResult{}, err
	}
	l.log.Debug("accounts reconciled",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int64("stale", res.Stale),
	)
	return res, nil
}

// LinkAccounts links the selected non-stale provider accounts of a live
// connection and enqueues one sync group for them. Selected ids the provider
// no longer reports are ignored; an empty match is a validation error.
func (l *LinkerImpl) LinkAccounts(ctx context.Context, in LinkAccountsInput) (LinkResult, error) {
	if len(in.ProviderAccountIDs) == 0 {
		return LinkResult{}, fmt.Errorf("no accounts selected: %w", errs.ErrValidation)
	}
	conn, err := l.conns.Get(ctx, in.UserID, in.ConnectionID)
	if err != nil {
		return LinkResult{}, err
	}
	if !conn.Live() {
		return LinkResult{}, fmt.Errorf("connection %s is disconnected: %w", in.ConnectionID, errs.ErrValidation)
	}

	res, err := l.link(ctx, *conn, in.ProviderAccountIDs)
	if err != nil {
		return LinkResult{}, err
	}
	if len(res.Accounts) == 0 {
		return LinkResult{}, fmt.Errorf("none of the selected accounts is available: %w", errs.ErrValidation)
	}
	if res.Sync, err = l.enqueueSync(ctx, in.UserID, res.Accounts); err != nil {
		return LinkResult{}, err
	}
	l.log.Info("accounts linked",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("selected", len(res.Accounts)),
		zap.Int("created", res.Created),
		zap.Int("enabled", res.Enabled),
	)
	return res, nil
}

// link binds the selected non-stale accounts of conn to local accounts. A nil
// selection takes every non-stale account. Result accounts are the selected
// ones after linking.
func (l *LinkerImpl) link(ctx context.Context, conn model.Connection, selected []string) (LinkResult, error) {
	all, err := l.external.ListByConnection(ctx, conn.UserID, conn.ID)
	if err != nil {
		return LinkResult{}, err
	}
	want := make(map[string]bool, len(selected))
	for _, id := range selected {
		want[id] = true
	}

	var res LinkResult
	picked := make(map[uuid.UUID]bool, len(all))
	for _, ext := range all {
		if ext.Stale || (selected != nil && !want[ext.ProviderAccountID]) {
			continue
		}
		picked[ext.ID] = true
		switch {
		case ext.LocalAccountID == nil:
			won, err := l.linkNew(ctx, conn, ext)
			if err != nil {
				return LinkResult{}, err
			}
			if won {
				res.Created++
			}
		case !ext.LocalEnabled:
			if err := l.accounts.SetEnabled(ctx, conn.UserID, *ext.LocalAccountID, true); err != nil {
				return LinkResult{}, fmt.Errorf("enable local account: %w", err)
			}
			res.Enabled++
		}
	}
	if len(picked) == 0 {
		return res, nil
	}

	if all, err = l.external.ListByConnection(ctx, conn.UserID, conn.ID); err != nil {
		return LinkResult{}, err
	}
	for _, ext := range all {
		if picked[ext.ID] {
			res.Accounts = append(res.Accounts, ext)
		}
	}
	return res, nil
}

// linkNew creates a local account for ext and binds it in one step. Losing
// the race to a concurrent link leaves no local account behind.
func (l *LinkerImpl) linkNew(ctx context.Context, conn model.Connection, ext model.ExternalAccount) (bool, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return false, err
	}
	local := &model.Account{
		ID:       id,
		UserID:   conn.UserID,
		Name:     ext.Name,
		Currency: ext.Currency,
		Balance:  ext.Balance,
		Enabled:  true,
	}
	err = l.external.LinkNewLocal(ctx, ext.ID, local)
	if errors.Is(err, errs.ErrVersionConflict) {
		l.log.Debug("external account already linked", zap.String("external_account_id", ext.ID.String()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("link local account: %w", err)
	}
	return true, nil
}

// enqueueSync puts one account job per linked account into a fresh group,
// skipping accounts that already wait in the queue.
func (l *LinkerImpl) enqueueSync(ctx context.Context, userID uuid.UUID, accounts []model.ExternalAccount) (SyncSummary, error) {
	queued, err := l.queue.QueuedTargets(ctx, userID)
	if err != nil {
		return SyncSummary{}, err
	}
	group, err := uuid.NewV4()
	if err != nil {
		return SyncSummary{}, err
	}
	sum := SyncSummary{TotalAccounts: len(accounts)}
	for _, a := range accounts {
		if queued[a.ID] {
			sum.Skipped = append(sum.Skipped, a.ID)
			continue
		}
		if _, err := l.queue.Enqueue(ctx, queue.EnqueueInput{
			UserID:     userID,
			JobGroupID: group,
			TargetKind: model.TargetAccount,
			TargetID:   a.ID,
			Trigger:    model.TriggerLink,
		}); err != nil {
			return SyncSummary{}, err
		}
		sum.Enqueued++
	}
	if sum.Enqueued > 0 {
		sum.JobGroupID = group
	}
	return sum, nil
}

// RefreshAccounts schedules an asynchronous account listing of the connection
// and returns the summary of the one-job group.
func (l *LinkerImpl) RefreshAccounts(ctx context.Context, connectionID, userID uuid.UUID) (SyncSummary, error) {
	conn, err := l.conns.Get(ctx, userID, connectionID)
	if err != nil {
		return SyncSummary{}, err
	}
	if !conn.Live() {
		return SyncSummary{}, fmt.Errorf("connection %s is disconnected: %w", connectionID, errs.ErrValidation)
	}
	group, err := uuid.NewV4()
	if err != nil {
		return SyncSummary{}, err
	}
	if _, err := l.queue.Enqueue(ctx, queue.EnqueueInput{
		UserID:     userID,
		JobGroupID: group,
		TargetKind: model.TargetConnection,
		TargetID:   connectionID,
		Trigger:    model.TriggerRefresh,
	}); err != nil {
		return SyncSummary{}, err
	}
	return SyncSummary{JobGroupID: group, Enqueued: 1}, nil
}
