// Package grpcserver exposes the banksync gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/and161185/banksync/internal/api"
	"github.com/and161185/banksync/internal/convert"
	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/service"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server wires services into gRPC handlers.
type Server struct {
	conns   service.ConnectionService
	linker  service.Linker
	sync    service.SyncManager
	signKey []byte
}

var _ api.BankSyncServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(conns service.ConnectionService, linker service.Linker, sync service.SyncManager, signKey []byte) *Server {
	return &Server{conns: conns, linker: linker, sync: sync, signKey: signKey}
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrInvalidCredentials):
		code = codes.PermissionDenied
	case errors.Is(err, errs.ErrDuplicateConnection):
		code = codes.AlreadyExists
	case errors.Is(err, errs.ErrUnsupportedProvider), errors.Is(err, errs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrVersionConflict):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrProviderTransient):
		code = codes.Unavailable
	case errors.Is(err, errs.ErrProviderPermanent):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Errorf(code, "%s: %v", op, err)
}

func (s *Server) auth(ctx context.Context) (uuid.UUID, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return userID, nil
}

// --- Providers ---

// ListProviders returns every registered provider.
func (s *Server) ListProviders(ctx context.Context, _ *api.ListProvidersRequest) (*api.ListProvidersResponse, error) {
	if _, err := s.auth(ctx); err != nil {
		return nil, err
	}
	return &api.ListProvidersResponse{Providers: convert.ToAPIProviders(s.conns.ListProviders())}, nil
}

// --- Connections ---

// Connect links a provider with the supplied credentials.
func (s *Server) Connect(ctx context.Context, req *api.ConnectRequest) (*api.ConnectionResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	if req.ProviderType == "" {
		return nil, status.Error(codes.InvalidArgument, "empty providerType")
	}
	conn, err := s.conns.Connect(ctx, service.ConnectInput{
		UserID:       userID,
		ProviderType: model.ProviderType(req.ProviderType),
		Credentials:  req.Credentials,
		ProviderName: req.ProviderName,
		AccountIDs:   req.AccountIDs,
	})
	if err != nil {
		return nil, toStatus("connect", err)
	}
	return &api.ConnectionResponse{Connection: convert.ToAPIConnection(conn)}, nil
}

// Disconnect unlinks a provider.
func (s *Server) Disconnect(ctx context.Context, req *api.DisconnectRequest) (*api.DisconnectResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("disconnect", err)
	}
	if err := s.conns.Disconnect(ctx, service.DisconnectInput{
		ConnectionID:             connID,
		UserID:                   userID,
		RemoveAssociatedAccounts: req.RemoveAssociatedAccounts,
	}); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &api.DisconnectResponse{}, nil
}

// RefreshCredentials replaces a connection's credentials.
func (s *Server) RefreshCredentials(ctx context.Context, req *api.RefreshCredentialsRequest) (*api.ConnectionResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("refresh credentials", err)
	}
	conn, err := s.conns.RefreshCredentials(ctx, connID, userID, req.Credentials)
	if err != nil {
		return nil, toStatus("refresh credentials", err)
	}
	return &api.ConnectionResponse{Connection: convert.ToAPIConnection(conn)}, nil
}

// ListConnections returns the caller's connections.
func (s *Server) ListConnections(ctx context.Context, req *api.ListConnectionsRequest) (*api.ListConnectionsResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := s.conns.ListUserConnections(ctx, userID, service.ListConnectionsFilter{ActiveOnly: req.ActiveOnly})
	if err != nil {
		return nil, toStatus("list connections", err)
	}
	return &api.ListConnectionsResponse{Connections: convert.ToAPIConnections(conns)}, nil
}

// GetConnectionDetails returns a connection with its account summary.
func (s *Server) GetConnectionDetails(ctx context.Context, req *api.ConnectionRequest) (*api.ConnectionDetailsResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("connection details", err)
	}
	d, err := s.conns.GetConnectionDetails(ctx, connID, userID)
	if err != nil {
		return nil, toStatus("connection details", err)
	}
	return convert.ToAPIConnectionDetails(d), nil
}

// --- Accounts ---

// ListExternalAccounts returns a connection's provider accounts.
func (s *Server) ListExternalAccounts(ctx context.Context, req *api.ConnectionRequest) (*api.ListExternalAccountsResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("list accounts", err)
	}
	accs, err := s.linker.ListExternalAccounts(ctx, connID, userID)
	if err != nil {
		return nil, toStatus("list accounts", err)
	}
	return &api.ListExternalAccountsResponse{Accounts: convert.ToAPIExternalAccounts(accs)}, nil
}

// RefreshAccounts schedules an account listing of the connection.
func (s *Server) RefreshAccounts(ctx context.Context, req *api.ConnectionRequest) (*api.SyncSummary, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("refresh accounts", err)
	}
	sum, err := s.linker.RefreshAccounts(ctx, connID, userID)
	if err != nil {
		return nil, toStatus("refresh accounts", err)
	}
	return convert.ToAPISyncSummary(sum), nil
}

// LinkAccounts links the selected provider accounts and schedules their sync.
func (s *Server) LinkAccounts(ctx context.Context, req *api.LinkAccountsRequest) (*api.LinkAccountsResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	connID, err := convert.ParseID("connectionId", req.ConnectionID)
	if err != nil {
		return nil, toStatus("link accounts", err)
	}
	res, err := s.linker.LinkAccounts(ctx, service.LinkAccountsInput{
		ConnectionID:       connID,
		UserID:             userID,
		ProviderAccountIDs: req.AccountIDs,
	})
	if err != nil {
		return nil, toStatus("link accounts", err)
	}
	return convert.ToAPILinkResult(res), nil
}

// --- Sync ---

// SyncAll enqueues a manual sync of the caller's accounts.
func (s *Server) SyncAll(ctx context.Context, _ *api.SyncAllRequest) (*api.SyncSummary, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := s.sync.SyncAllUserAccounts(ctx, userID)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	return convert.ToAPISyncSummary(sum), nil
}

// TriggerAutoSync enqueues an automatic sync unless it is debounced.
func (s *Server) TriggerAutoSync(ctx context.Context, _ *api.TriggerAutoSyncRequest) (*api.TriggerAutoSyncResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := s.sync.CheckAndTriggerAutoSync(ctx, userID)
	if err != nil {
		return nil, toStatus("auto sync", err)
	}
	if sum == nil {
		return &api.TriggerAutoSyncResponse{}, nil
	}
	return &api.TriggerAutoSyncResponse{Triggered: true, Summary: convert.ToAPISyncSummary(*sum)}, nil
}

// GetSyncStatus returns per-account sync state.
func (s *Server) GetSyncStatus(ctx context.Context, _ *api.GetSyncStatusRequest) (*api.SyncStatusResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.sync.GetUserAccountsSyncStatus(ctx, userID)
	if err != nil {
		return nil, toStatus("sync status", err)
	}
	return convert.ToAPISyncStatus(st), nil
}

// GetJobGroupProgress returns progress of a job group.
func (s *Server) GetJobGroupProgress(ctx context.Context, req *api.GetJobGroupProgressRequest) (*api.JobGroupProgress, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := convert.ParseID("jobGroupId", req.JobGroupID)
	if err != nil {
		return nil, toStatus("progress", err)
	}
	p, err := s.sync.GetJobGroupProgress(ctx, userID, groupID)
	if err != nil {
		return nil, toStatus("progress", err)
	}
	return convert.ToAPIProgress(p), nil
}

// ListActiveJobs returns the caller's queued and running jobs.
func (s *Server) ListActiveJobs(ctx context.Context, _ *api.ListActiveJobsRequest) (*api.ListActiveJobsResponse, error) {
	userID, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.sync.GetActiveJobs(ctx, userID)
	if err != nil {
		return nil, toStatus("active jobs", err)
	}
	return &api.ListActiveJobsResponse{Jobs: convert.ToAPIJobs(jobs)}, nil
}
