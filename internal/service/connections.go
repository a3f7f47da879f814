// Package service contains application services for provider connections,
// account linking and sync orchestration.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/limiter"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/repository"
)

// CredentialSealer encrypts and decrypts connection credentials at rest.
type CredentialSealer interface {
	Seal(connectionID uuid.UUID, creds map[string]string) ([]byte, error)
	Open(connectionID uuid.UUID, blob []byte) (map[string]string, error)
}

// ConnectInput is the request to link a provider.
type ConnectInput struct {
	UserID       uuid.UUID
	ProviderType model.ProviderType
	Credentials  map[string]string
	// ProviderName overrides the default display name.
	ProviderName string
	// AccountIDs selects the provider accounts linked on connect. Empty links
	// every reported account.
	AccountIDs []string
}

// DisconnectInput is the request to unlink a provider.
type DisconnectInput struct {
	ConnectionID             uuid.UUID
	UserID                   uuid.UUID
	RemoveAssociatedAccounts bool
}

// ListConnectionsFilter narrows ListUserConnections.
type ListConnectionsFilter struct {
	// ActiveOnly keeps connections with status active.
	ActiveOnly bool
}

// AccountSummary counts a connection's provider accounts.
type AccountSummary struct {
	Total  int
	Linked int
	Stale  int
}

// ConnectionDetails is a connection together with its provider accounts.
type ConnectionDetails struct {
	Connection model.Connection
	Accounts   []model.ExternalAccount
	Summary    AccountSummary
}

// ConnectionService defines the lifecycle of provider connections.
type ConnectionService interface {
	// ListProviders returns every registered provider.
	ListProviders() []provider.Info
	// Connect validates credentials with the provider, stores the connection and
	// imports its account list.
	Connect(ctx context.Context, in ConnectInput) (model.Connection, error)
	// Disconnect marks the connection disconnected, optionally disabling its local accounts.
	Disconnect(ctx context.Context, in DisconnectInput) error
	// RefreshCredentials replaces the connection's credentials and reactivates it.
	RefreshCredentials(ctx context.Context, connectionID, userID uuid.UUID, creds map[string]string) (model.Connection, error)
	// GetConnectionDetails returns the connection with its account summary.
	GetConnectionDetails(ctx context.Context, connectionID, userID uuid.UUID) (ConnectionDetails, error)
	// ListUserConnections returns the user's connections, newest first.
	ListUserConnections(ctx context.Context, userID uuid.UUID, f ListConnectionsFilter) ([]model.Connection, error)
}

type ConnectionServiceImpl struct {
	conns       repository.ConnectionRepository
	external    repository.ExternalAccountRepository
	registry    *provider.Registry
	sealer      CredentialSealer
	linker      *LinkerImpl
	lim         limiter.Limiter
	callTimeout time.Duration
	log         *zap.Logger
}

// NewConnectionService constructs ConnectionService with required dependencies.
// A nil lim disables throttling of rejected credentials.
func NewConnectionService(
	conns repository.ConnectionRepository, external repository.ExternalAccountRepository,
	registry *provider.Registry, sealer CredentialSealer, linker *LinkerImpl,
	lim limiter.Limiter, callTimeout time.Duration, log *zap.Logger,
) *ConnectionServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &ConnectionServiceImpl{
		conns:       conns,
		external:    external,
		registry:    registry,
		sealer:      sealer,
		linker:      linker,
		lim:         lim,
		callTimeout: callTimeout,
		log:         log,
	}
}

// ListProviders returns every registered provider sorted by type.
func (s *ConnectionServiceImpl) ListProviders() []provider.Info {
	return s.registry.ListAll()
}

// Connect links a provider for the user.
func (s *ConnectionServiceImpl) Connect(ctx context.Context, in ConnectInput) (model.Connection, error) {
	if in.UserID == uuid.Nil || in.ProviderType == "" {
		return model.Connection{}, fmt.Errorf("connect: user and provider type are required: %w", errs.ErrValidation)
	}
	adapter, err := s.registry.Get(in.ProviderType)
	if err != nil {
		return model.Connection{}, err
	}
	info := adapter.Info()

	connected, err := s.verifyCredentials(ctx, adapter, in.UserID, in.Credentials)
	if err != nil {
		return model.Connection{}, fmt.Errorf("connect %s: %w", in.ProviderType, err)
	}

	identity := ""
	if !info.Features.MultipleConnections {
		identity = connected.Identity
		if identity == "" {
			// one connection per user when the provider exposes no identity
			identity = string(in.ProviderType)
		}
		existing, err := s.conns.FindLive(ctx, in.UserID, in.ProviderType, identity)
		switch {
		case err == nil:
			return model.Connection{}, fmt.Errorf("connect %s: connection %s: %w",
				in.ProviderType, existing.ID, errs.ErrDuplicateConnection)
		case !errors.Is(err, errs.ErrNotFound):
			return model.Connection{}, err
		}
	}

	name := strings.TrimSpace(in.ProviderName)
	if name == "" {
		if name, err = s.defaultName(ctx, in.UserID, info); err != nil {
			return model.Connection{}, err
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Connection{}, err
	}
	sealed, err := s.sealer.Seal(id, in.Credentials)
	if err != nil {
		return model.Connection{}, fmt.Errorf("seal credentials: %w", err)
	}
	conn := &model.Connection{
		ID:           id,
		UserID:       in.UserID,
		ProviderType: in.ProviderType,
		ProviderName: name,
		Identity:     identity,
		Status:       model.ConnectionActive,
		Metadata:     connected.Metadata,
		Credentials:  sealed,
	}
	if err := s.conns.Create(ctx, conn); err != nil {
		return model.Connection{}, err
	}
	s.log.Info("connection created",
		zap.String("connection_id", id.String()),
		zap.String("user_id", in.UserID.String()),
		zap.String("provider", string(in.ProviderType)),
	)

	s.initialListing(ctx, adapter, *conn, in.Credentials, in.AccountIDs)
	return *conn, nil
}

// verifyCredentials asks the provider to accept creds. Repeated rejections for
// the same user and provider lock further attempts out for a while.
func (s *ConnectionServiceImpl) verifyCredentials(
	ctx context.Context, adapter provider.Adapter, userID uuid.UUID, creds map[string]string,
) (provider.Connected, error) {
	pt := string(adapter.Info().Type)
	if s.lim != nil {
		allowed, retry, err := s.lim.Allow(ctx, userID, pt)
		if err != nil {
			return provider.Connected{}, err
		}
		if !allowed {
			return provider.Connected{}, fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
		}
	}

	connected, err := provider.Call(ctx, adapter, provider.Credentials(creds), s.callTimeout,
		func(ctx context.Context) (provider.Connected, error) {
			return adapter.Connect(ctx, provider.Credentials(creds))
		})
	if err != nil {
		if s.lim != nil && errors.Is(err, errs.ErrInvalidCredentials) {
			if blocked, retry, ferr := s.lim.Failure(ctx, userID, pt); ferr == nil && blocked {
				s.log.Warn("connect attempts locked",
					zap.String("user_id", userID.String()), zap.String("provider", pt), zap.Duration("for", retry))
				return provider.Connected{}, errors.Join(errs.ErrRateLimited, err)
			}
		}
		return provider.Connected{}, providerError(err)
	}
	if s.lim != nil {
		_ = s.lim.Success(ctx, userID, pt)
	}
	return connected, nil
}

// initialListing imports the account list right after connecting and links
// the selected accounts. A failure leaves the connection in place and falls
// back to an asynchronous refresh, which lists accounts without linking them.
func (s *ConnectionServiceImpl) initialListing(
	ctx context.Context, adapter provider.Adapter, conn model.Connection, creds map[string]string, selected []string,
) {
	linked, err := s.listAndLink(ctx, adapter, conn, creds, selected)
	if err == nil {
		s.log.Info("initial account listing",
			zap.String("connection_id", conn.ID.String()),
			zap.Int("linked", len(linked.Accounts)),
		)
		return
	}
	s.log.Warn("initial account listing failed, scheduling refresh",
		zap.String("connection_id", conn.ID.String()), zap.Error(err))
	if _, qerr := s.linker.RefreshAccounts(ctx, conn.ID, conn.UserID); qerr != nil {
		s.log.Error("schedule account refresh", zap.String("connection_id", conn.ID.String()), zap.Error(qerr))
	}
}

func (s *ConnectionServiceImpl) listAndLink(
	ctx context.Context, adapter provider.Adapter, conn model.Connection, creds map[string]string, selected []string,
) (LinkResult, error) {
	accounts, err := provider.Call(ctx, adapter, provider.Credentials(creds), s.callTimeout,
		func(ctx context.Context) ([]provider.AccountDescriptor, error) {
			return adapter.ListAccounts(ctx, handleFor(conn, creds))
		})
	if err != nil {
		return LinkResult{}, err
	}
	if _, err := s.linker.Reconcile(ctx, conn, accounts); err != nil {
		return LinkResult{}, err
	}
	if len(selected) == 0 {
		selected = nil
	}
	return s.linker.link(ctx, conn, selected)
}

// defaultName returns the provider display name, numbered for providers that
// allow several connections.
func (s *ConnectionServiceImpl) defaultName(ctx context.Context, userID uuid.UUID, info provider.Info) (string, error) {
	if !info.Features.MultipleConnections {
		return info.DisplayName, nil
	}
	existing, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.ProviderType == info.Type && c.Live() {
			used[c.ProviderName] = true
		}
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s (%d)", info.DisplayName, n)
		if !used[name] {
			return name, nil
		}
	}
}

// Disconnect unlinks a provider. Disconnecting twice is a no-op.
func (s *ConnectionServiceImpl) Disconnect(ctx context.Context, in DisconnectInput) error {
	conn, err := s.conns.Get(ctx, in.UserID, in.ConnectionID)
	if err != nil {
		return err
	}
	if conn.Status != model.ConnectionDisconnected {
		s.providerDisconnect(ctx, *conn)
		if err := s.markDisconnected(ctx, conn); err != nil {
			return err
		}
		s.log.Info("connection disconnected", zap.String("connection_id", conn.ID.String()))
	}
	if in.RemoveAssociatedAccounts {
		n, err := s.external.DisableLocalAccounts(ctx, conn.ID)
		if err != nil {
			return fmt.Errorf("disable accounts: %w", err)
		}
		s.log.Info("local accounts disabled", zap.String("connection_id", conn.ID.String()), zap.Int64("count", n))
	}
	return nil
}

func (s *ConnectionServiceImpl) markDisconnected(ctx context.Context, conn *model.Connection) error {
	const attempts = 3
	for i := 0; ; i++ {
		_, err := s.conns.UpdateStatus(ctx, conn.UserID, conn.ID, conn.Version, model.ConnectionDisconnected)
		if err == nil || !errors.Is(err, errs.ErrVersionConflict) || i == attempts-1 {
			return err
		}
		// a worker changed status concurrently
		if conn, err = s.conns.Get(ctx, conn.UserID, conn.ID); err != nil {
			return err
		}
		if conn.Status == model.ConnectionDisconnected {
			return nil
		}
	}
}

// providerDisconnect releases provider-side resources; failures are only logged.
func (s *ConnectionServiceImpl) providerDisconnect(ctx context.Context, conn model.Connection) {
	log := s.log.With(zap.String("connection_id", conn.ID.String()))
	adapter, err := s.registry.Get(conn.ProviderType)
	if err != nil {
		log.Warn("provider disconnect skipped", zap.Error(err))
		return
	}
	creds, err := s.sealer.Open(conn.ID, conn.Credentials)
	if err != nil {
		log.Warn("provider disconnect skipped", zap.Error(err))
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := adapter.Disconnect(callCtx, handleFor(conn, creds)); err != nil {
		log.Warn("provider disconnect failed", zap.Error(err))
	}
}

// RefreshCredentials re-validates new credentials against the provider and
// stores them, resetting the failure counter.
func (s *ConnectionServiceImpl) RefreshCredentials(
	ctx context.Context, connectionID, userID uuid.UUID, creds map[string]string,
) (model.Connection, error) {
	conn, err := s.conns.Get(ctx, userID, connectionID)
	if err != nil {
		return model.Connection{}, err
	}
	if conn.Status == model.ConnectionDisconnected {
		return model.Connection{}, fmt.Errorf("connection %s is disconnected: %w", connectionID, errs.ErrValidation)
	}
	adapter, err := s.registry.Get(conn.ProviderType)
	if err != nil {
		return model.Connection{}, err
	}

	connected, err := s.verifyCredentials(ctx, adapter, userID, creds)
	if err != nil {
		return model.Connection{}, fmt.Errorf("refresh credentials: %w", err)
	}
	if !adapter.Info().Features.MultipleConnections && connected.Identity != "" &&
		conn.Identity != string(conn.ProviderType) && connected.Identity != conn.Identity {
		return model.Connection{}, fmt.Errorf("credentials belong to another provider account: %w", errs.ErrValidation)
	}

	sealed, err := s.sealer.Seal(conn.ID, creds)
	if err != nil {
		return model.Connection{}, fmt.Errorf("seal credentials: %w", err)
	}
	if _, err := s.conns.UpdateCredentials(ctx, userID, connectionID, conn.Version, sealed, connected.Metadata); err != nil {
		return model.Connection{}, err
	}
	s.log.Info("credentials refreshed", zap.String("connection_id", connectionID.String()))

	updated, err := s.conns.Get(ctx, userID, connectionID)
	if err != nil {
		return model.Connection{}, err
	}
	return *updated, nil
}

// GetConnectionDetails returns the connection with its provider accounts.
func (s *ConnectionServiceImpl) GetConnectionDetails(ctx context.Context, connectionID, userID uuid.UUID) (ConnectionDetails, error) {
	conn, err := s.conns.Get(ctx, userID, connectionID)
	if err != nil {
		return ConnectionDetails{}, err
	}
	accounts, err := s.external.ListByConnection(ctx, userID, connectionID)
	if err != nil {
		return ConnectionDetails{}, err
	}
	d := ConnectionDetails{Connection: *conn, Accounts: accounts}
	for _, a := range accounts {
		d.Summary.Total++
		if a.LocalAccountID != nil {
			d.Summary.Linked++
		}
		if a.Stale {
			d.Summary.Stale++
		}
	}
	return d, nil
}

// ListUserConnections returns the user's connections, newest first.
func (s *ConnectionServiceImpl) ListUserConnections(
	ctx context.Context, userID uuid.UUID, f ListConnectionsFilter,
) ([]model.Connection, error) {
	all, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !f.ActiveOnly {
		return all, nil
	}
	out := all[:0]
	for _, c := range all {
		if c.Status == model.ConnectionActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func handleFor(conn model.Connection, creds map[string]string) provider.Handle {
	return provider.Handle{
		ConnectionID: conn.ID,
		Identity:     conn.Identity,
		Credentials:  provider.Credentials(creds),
		Metadata:     conn.Metadata,
	}
}

// providerError keeps rejected credentials visible to callers and classifies
// everything else as transient or permanent.
func providerError(err error) error {
	if errors.Is(err, errs.ErrInvalidCredentials) {
		return err
	}
	return errs.ClassifyProvider(err)
}
