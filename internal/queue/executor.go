package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/metrics"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/repository"
	"github.com/and161185/banksync/internal/tracker"
)

// AccountReconciler applies a provider account list to stored accounts.
type AccountReconciler interface {
	Reconcile(ctx context.Context, conn model.Connection, accounts []provider.AccountDescriptor) (model.ReconcileResult, error)
}

// CredentialOpener decrypts stored connection credentials.
type CredentialOpener interface {
	Open(connectionID uuid.UUID, blob []byte) (map[string]string, error)
}

// ExecutorConfig bounds a single job run.
type ExecutorConfig struct {
	PageCap          int
	CallTimeout      time.Duration
	FailureThreshold int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.PageCap <= 0 {
		c.PageCap = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2
	}
	return c
}

// Stores groups the repositories a job touches.
type Stores struct {
	Connections      repository.ConnectionRepository
	ExternalAccounts repository.ExternalAccountRepository
	Transactions     repository.TransactionRepository
	Jobs             repository.JobRepository
	Tracker          tracker.Tracker
}

// Executor runs one claimed job against its provider.
type Executor struct {
	st       Stores
	registry *provider.Registry
	opener   CredentialOpener
	linker   AccountReconciler
	cfg      ExecutorConfig
	metrics  *metrics.Registry
	log      *zap.Logger
	now      func() time.Time
}

// NewExecutor constructs an executor.
func NewExecutor(
	st Stores, registry *provider.Registry, opener CredentialOpener, linker AccountReconciler,
	cfg ExecutorConfig, m *metrics.Registry, log *zap.Logger,
) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		st:       st,
		registry: registry,
		opener:   opener,
		linker:   linker,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Execute runs the job to completion. The returned error is what gets
// recorded on the job; provider errors are already classified.
func (e *Executor) Execute(ctx context.Context, job model.SyncJob) error {
	switch job.TargetKind {
	case model.TargetAccount:
		return e.syncAccount(ctx, job)
	case model.TargetConnection:
		return e.refreshConnection(ctx, job)
	default:
		return fmt.Errorf("target kind %q: %w", job.TargetKind, errs.ErrValidation)
	}
}

// session resolves what is needed to call the connection's provider.
func (e *Executor) session(conn *model.Connection) (provider.Adapter, provider.Handle, error) {
	adapter, err := e.registry.Get(conn.ProviderType)
	if err != nil {
		return nil, provider.Handle{}, err
	}
	creds, err := e.opener.Open(conn.ID, conn.Credentials)
	if err != nil {
		return nil, provider.Handle{}, fmt.Errorf("open credentials: %w", err)
	}
	return adapter, provider.Handle{
		ConnectionID: conn.ID,
		Identity:     conn.Identity,
		Credentials:  creds,
		Metadata:     conn.Metadata,
	}, nil
}

func (e *Executor) syncAccount(ctx context.Context, job model.SyncJob) error {
	ext, err := e.st.ExternalAccounts.Get(ctx, job.TargetID)
	if err != nil {
		return fmt.Errorf("external account: %w", err)
	}
	if ext.UserID != job.UserID {
		return fmt.Errorf("external account: %w", errs.ErrNotFound)
	}
	log := e.log.With(zap.String("job_id", job.ID.String()), zap.String("external_account_id", ext.ID.String()))
	if ext.Stale || ext.LocalAccountID == nil || !ext.LocalEnabled {
		log.Info("account no longer syncable, nothing to do")
		return nil
	}
	conn, err := e.st.Connections.GetByID(ctx, ext.ConnectionID)
	if err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if !conn.Live() {
		log.Info("connection disconnected, nothing to do")
		return nil
	}
	adapter, h, err := e.session(conn)
	if err != nil {
		return err
	}
	account := provider.AccountDescriptor{
		ProviderAccountID: ext.ProviderAccountID,
		Name:              ext.Name,
		Currency:          ext.Currency,
		Balance:           ext.Balance,
	}

	cursor := ext.Cursor
	for pages := 1; ; pages++ {
		page, err := provider.Call(ctx, adapter, h.Credentials, e.cfg.CallTimeout,
			func(ctx context.Context) (provider.Page, error) {
				return adapter.FetchTransactions(ctx, h, account, cursor)
			})
		if err != nil {
			return e.providerFailure(ctx, conn, errs.ClassifyProvider(err))
		}
		if page.HasMore && page.NextCursor == cursor {
			return e.providerFailure(ctx, conn,
				fmt.Errorf("cursor %q did not advance: %w", cursor, errs.ErrProviderPermanent))
		}

		n, err := e.st.Transactions.ImportPage(ctx, repository.ImportPage{
			ExternalAccountID: ext.ID,
			PrevCursor:        cursor,
			NextCursor:        page.NextCursor,
			Transactions:      toTransactions(ext, page.Transactions),
		})
		if err != nil {
			return fmt.Errorf("import page %d: %w", pages, err)
		}
		e.metrics.Imported(string(conn.ProviderType), n)
		cursor = page.NextCursor

		if err := e.st.Jobs.Heartbeat(ctx, job.ID); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if !page.HasMore {
			break
		}
		if pages >= e.cfg.PageCap {
			log.Warn("page cap reached, stopping", zap.Int("pages", pages), zap.String("cursor", cursor))
			break
		}
	}

	now := e.now()
	if err := e.st.Tracker.MarkAccountSynced(ctx, ext.ID, now); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if err := e.st.Connections.RecordSyncSuccess(ctx, conn.ID, now); err != nil {
		log.Warn("record sync success", zap.Error(err))
	}
	return nil
}

func (e *Executor) refreshConnection(ctx context.Context, job model.SyncJob) error {
	conn, err := e.st.Connections.GetByID(ctx, job.TargetID)
	if err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if conn.UserID != job.UserID {
		return fmt.Errorf("connection: %w", errs.ErrNotFound)
	}
	if !conn.Live() {
		return nil
	}
	adapter, h, err := e.session(conn)
	if err != nil {
		return err
	}
	accounts, err := provider.Call(ctx, adapter, h.Credentials, e.cfg.CallTimeout,
		func(ctx context.Context) ([]provider.AccountDescriptor, error) {
			return adapter.ListAccounts(ctx, h)
		})
	if err != nil {
		return e.providerFailure(ctx, conn, errs.ClassifyProvider(err))
	}
	res, err := e.linker.Reconcile(ctx, *conn, accounts)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	e.log.Info("connection accounts refreshed",
		zap.String("job_id", job.ID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int64("stale", res.Stale),
	)
	if err := e.st.Connections.RecordSyncSuccess(ctx, conn.ID, e.now()); err != nil {
		e.log.Warn("record sync success", zap.Error(err))
	}
	return nil
}

// providerFailure counts permanent failures against the connection and returns err.
func (e *Executor) providerFailure(ctx context.Context, conn *model.Connection, err error) error {
	if !errors.Is(err, errs.ErrProviderPermanent) {
		return err
	}
	st, ferr := e.st.Connections.RecordSyncFailure(ctx, conn.ID, e.cfg.FailureThreshold)
	if ferr != nil {
		e.log.Warn("record sync failure", zap.String("connection_id", conn.ID.String()), zap.Error(ferr))
		return err
	}
	if st != conn.Status {
		e.log.Warn("connection status changed",
			zap.String("connection_id", conn.ID.String()),
			zap.String("from", string(conn.Status)),
			zap.String("to", string(st)),
		)
	}
	return err
}

func toTransactions(ext *model.ExternalAccount, in []provider.TransactionDescriptor) []model.Transaction {
	out := make([]model.Transaction, 0, len(in))
	for _, d := range in {
		currency := d.Currency
		if currency == "" {
			currency = ext.Currency
		}
		out = append(out, model.Transaction{
			UserID:                ext.UserID,
			AccountID:             *ext.LocalAccountID,
			ExternalAccountID:     ext.ID,
			ProviderTransactionID: d.ProviderTransactionID,
			Amount:                d.Amount,
			Currency:              currency,
			Description:           d.Description,
			Merchant:              d.Merchant,
			OccurredAt:            d.OccurredAt,
		})
	}
	return out
}
