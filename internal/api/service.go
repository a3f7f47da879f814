package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "banksync.v1.BankSync"

// Method names of the service.
const (
	MethodListProviders        = "ListProviders"
	MethodConnect              = "Connect"
	MethodDisconnect           = "Disconnect"
	MethodRefreshCredentials   = "RefreshCredentials"
	MethodListConnections      = "ListConnections"
	MethodGetConnectionDetails = "GetConnectionDetails"
	MethodListExternalAccounts = "ListExternalAccounts"
	MethodRefreshAccounts      = "RefreshAccounts"
	MethodLinkAccounts         = "LinkAccounts"
	MethodSyncAll              = "SyncAll"
	MethodTriggerAutoSync      = "TriggerAutoSync"
	MethodGetSyncStatus        = "GetSyncStatus"
	MethodGetJobGroupProgress  = "GetJobGroupProgress"
	MethodListActiveJobs       = "ListActiveJobs"
)

// FullMethod returns "/banksync.v1.BankSync/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// BankSyncServer is the server API of the service.
type BankSyncServer interface {
	ListProviders(context.Context, *ListProvidersRequest) (*ListProvidersResponse, error)
	Connect(context.Context, *ConnectRequest) (*ConnectionResponse, error)
	Disconnect(context.Context, *DisconnectRequest) (*DisconnectResponse, error)
	RefreshCredentials(context.Context, *RefreshCredentialsRequest) (*ConnectionResponse, error)
	ListConnections(context.Context, *ListConnectionsRequest) (*ListConnectionsResponse, error)
	GetConnectionDetails(context.Context, *ConnectionRequest) (*ConnectionDetailsResponse, error)
	ListExternalAccounts(context.Context, *ConnectionRequest) (*ListExternalAccountsResponse, error)
	RefreshAccounts(context.Context, *ConnectionRequest) (*SyncSummary, error)
	LinkAccounts(context.Context, *LinkAccountsRequest) (*LinkAccountsResponse, error)
	SyncAll(context.Context, *SyncAllRequest) (*SyncSummary, error)
	TriggerAutoSync(context.Context, *TriggerAutoSyncRequest) (*TriggerAutoSyncResponse, error)
	GetSyncStatus(context.Context, *GetSyncStatusRequest) (*SyncStatusResponse, error)
	GetJobGroupProgress(context.Context, *GetJobGroupProgressRequest) (*JobGroupProgress, error)
	ListActiveJobs(context.Context, *ListActiveJobsRequest) (*ListActiveJobsResponse, error)
}

// unary builds the method descriptor of one unary RPC, running the server
// interceptor chain when one is installed.
func unary[Req, Resp any](name string, call func(BankSyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(BankSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(BankSyncServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BankSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodListProviders, BankSyncServer.ListProviders),
		unary(MethodConnect, BankSyncServer.Connect),
		unary(MethodDisconnect, BankSyncServer.Disconnect),
		unary(MethodRefreshCredentials, BankSyncServer.RefreshCredentials),
		unary(MethodListConnections, BankSyncServer.ListConnections),
		unary(MethodGetConnectionDetails, BankSyncServer.GetConnectionDetails),
		unary(MethodListExternalAccounts, BankSyncServer.ListExternalAccounts),
		unary(MethodRefreshAccounts, BankSyncServer.RefreshAccounts),
		unary(MethodLinkAccounts, BankSyncServer.LinkAccounts),
		unary(MethodSyncAll, BankSyncServer.SyncAll),
		unary(MethodTriggerAutoSync, BankSyncServer.TriggerAutoSync),
		unary(MethodGetSyncStatus, BankSyncServer.GetSyncStatus),
		unary(MethodGetJobGroupProgress, BankSyncServer.GetJobGroupProgress),
		unary(MethodListActiveJobs, BankSyncServer.ListActiveJobs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "banksync/v1/banksync.json",
}

// RegisterBankSyncServer registers srv with s.
func RegisterBankSyncServer(s grpc.ServiceRegistrar, srv BankSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
