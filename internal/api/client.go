package api

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a typed client of the service. Every call uses the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(ContentSubtype)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}

func (c *Client) ListProviders(ctx context.Context, in *ListProvidersRequest, opts ...grpc.CallOption) (*ListProvidersResponse, error) {
	out := new(ListProvidersResponse)
	return out, c.invoke(ctx, MethodListProviders, in, out, opts...)
}

func (c *Client) Connect(ctx context.Context, in *ConnectRequest, opts ...grpc.CallOption) (*ConnectionResponse, error) {
	out := new(ConnectionResponse)
	return out, c.invoke(ctx, MethodConnect, in, out, opts...)
}

func (c *Client) Disconnect(ctx context.Context, in *DisconnectRequest, opts ...grpc.CallOption) (*DisconnectResponse, error) {
	out := new(DisconnectResponse)
	return out, c.invoke(ctx, MethodDisconnect, in, out, opts...)
}

func (c *Client) RefreshCredentials(ctx context.Context, in *RefreshCredentialsRequest, opts ...grpc.CallOption) (*ConnectionResponse, error) {
	out := new(ConnectionResponse)
	return out, c.invoke(ctx, MethodRefreshCredentials, in, out, opts...)
}

func (c *Client) ListConnections(ctx context.Context, in *ListConnectionsRequest, opts ...grpc.CallOption) (*ListConnectionsResponse, error) {
	out := new(ListConnectionsResponse)
	return out, c.invoke(ctx, MethodListConnections, in, out, opts...)
}

func (c *Client) GetConnectionDetails(ctx context.Context, in *ConnectionRequest, opts ...grpc.CallOption) (*ConnectionDetailsResponse, error) {
	out := new(ConnectionDetailsResponse)
	return out, c.invoke(ctx, MethodGetConnectionDetails, in, out, opts...)
}

func (c *Client) ListExternalAccounts(ctx context.Context, in *ConnectionRequest, opts ...grpc.CallOption) (*ListExternalAccountsResponse, error) {
	out := new(ListExternalAccountsResponse)
	return out, c.invoke(ctx, MethodListExternalAccounts, in, out, opts...)
}

func (c *Client) RefreshAccounts(ctx context.Context, in *ConnectionRequest, opts ...grpc.CallOption) (*SyncSummary, error) {
	out := new(SyncSummary)
	return out, c.invoke(ctx, MethodRefreshAccounts, in, out, opts...)
}

func (c *Client) LinkAccounts(ctx context.Context, in *LinkAccountsRequest, opts ...grpc.CallOption) (*LinkAccountsResponse, error) {
	out := new(LinkAccountsResponse)
	return out, c.invoke(ctx, MethodLinkAccounts, in, out, opts...)
}

func (c *Client) SyncAll(ctx context.Context, in *SyncAllRequest, opts ...grpc.CallOption) (*SyncSummary, error) {
	out := new(SyncSummary)
	return out, c.invoke(ctx, MethodSyncAll, in, out, opts...)
}

func (c *Client) TriggerAutoSync(ctx context.Context, in *TriggerAutoSyncRequest, opts ...grpc.CallOption) (*TriggerAutoSyncResponse, error) {
	out := new(TriggerAutoSyncResponse)
	return out, c.invoke(ctx, MethodTriggerAutoSync, in, out, opts...)
}

func (c *Client) GetSyncStatus(ctx context.Context, in *GetSyncStatusRequest, opts ...grpc.CallOption) (*SyncStatusResponse, error) {
	out := new(SyncStatusResponse)
	return out, c.invoke(ctx, MethodGetSyncStatus, in, out, opts...)
}

func (c *Client) GetJobGroupProgress(ctx context.Context, in *GetJobGroupProgressRequest, opts ...grpc.CallOption) (*JobGroupProgress, error) {
	out := new(JobGroupProgress)
	return out, c.invoke(ctx, MethodGetJobGroupProgress, in, out, opts...)
}

func (c *Client) ListActiveJobs(ctx context.Context, in *ListActiveJobsRequest, opts ...grpc.CallOption) (*ListActiveJobsResponse, error) {
	out := new(ListActiveJobsResponse)
	return out, c.invoke(ctx, MethodListActiveJobs, in, out, opts...)
}
