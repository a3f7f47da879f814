// Package api defines the banksync.v1.BankSync gRPC service: its messages,
// service descriptor, JSON codec and a typed client.
package api

import "time"

// ProviderFeatures mirrors provider.Features; intervals are Go duration strings.
type ProviderFeatures struct {
	SupportsWebhooks    bool   `json:"supportsWebhooks"`
	SupportsRealtime    bool   `json:"supportsRealtime"`
	RequiresReauth      bool   `json:"requiresReauth"`
	SupportsManualSync  bool   `json:"supportsManualSync"`
	SupportsAutoSync    bool   `json:"supportsAutoSync"`
	MultipleConnections bool   `json:"multipleConnections"`
	DefaultSyncInterval string `json:"defaultSyncInterval,omitempty"`
	MinSyncInterval     string `json:"minSyncInterval,omitempty"`
}

type ProviderInfo struct {
	Type             string           `json:"type"`
	DisplayName      string           `json:"displayName"`
	Description      string           `json:"description,omitempty"`
	Capabilities     []string         `json:"capabilities"`
	Features         ProviderFeatures `json:"features"`
	CredentialFields []string         `json:"credentialFields"`
}

type ListProvidersRequest struct{}

type ListProvidersResponse struct {
	Providers []ProviderInfo `json:"providers"`
}

// Connection never carries credentials.
type Connection struct {
	ID                  string         `json:"id"`
	ProviderType        string         `json:"providerType"`
	ProviderName        string         `json:"providerName"`
	Status              string         `json:"status"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastSyncAt          *time.Time     `json:"lastSyncAt,omitempty"`
	Version             int64          `json:"version"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

type ExternalAccount struct {
	ID                string     `json:"id"`
	ConnectionID      string     `json:"connectionId"`
	ProviderAccountID string     `json:"providerAccountId"`
	LocalAccountID    string     `json:"localAccountId,omitempty"`
	LocalEnabled      bool       `json:"localEnabled"`
	Name              string     `json:"name"`
	Currency          string     `json:"currency"`
	Balance           string     `json:"balance"`
	Stale             bool       `json:"stale"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
}

// ConnectRequest links every reported account unless AccountIDs narrows it.
type ConnectRequest struct {
	ProviderType string            `json:"providerType"`
	Credentials  map[string]string `json:"credentials"`
	ProviderName string            `json:"providerName,omitempty"`
	AccountIDs   []string          `json:"accountIds,omitempty"`
}

type ConnectionResponse struct {
	Connection Connection `json:"connection"`
}

type DisconnectRequest struct {
	ConnectionID             string `json:"connectionId"`
	RemoveAssociatedAccounts bool   `json:"removeAssociatedAccounts,omitempty"`
}

type DisconnectResponse struct{}

type RefreshCredentialsRequest struct {
	ConnectionID string            `json:"connectionId"`
	Credentials  map[string]string `json:"credentials"`
}

type ListConnectionsRequest struct {
	ActiveOnly bool `json:"activeOnly,omitempty"`
}

type ListConnectionsResponse struct {
	Connections []Connection `json:"connections"`
}

type ConnectionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type AccountSummary struct {
	Total  int `json:"total"`
	Linked int `json:"linked"`
	Stale  int `json:"stale"`
}

type ConnectionDetailsResponse struct {
	Connection Connection        `json:"connection"`
	Accounts   []ExternalAccount `json:"accounts"`
	Summary    AccountSummary    `json:"summary"`
}

type ListExternalAccountsResponse struct {
	Accounts []ExternalAccount `json:"accounts"`
}

// SyncSummary describes an enqueued job group; JobGroupID is empty when
// nothing was enqueued.
type SyncSummary struct {
	JobGroupID    string   `json:"jobGroupId,omitempty"`
	TotalAccounts int      `json:"totalAccounts"`
	Enqueued      int      `json:"enqueued"`
	Skipped       []string `json:"skipped,omitempty"`
}

// LinkAccountsRequest selects provider account ids of the connection.
type LinkAccountsRequest struct {
	ConnectionID string   `json:"connectionId"`
	AccountIDs   []string `json:"accountIds"`
}

type LinkAccountsResponse struct {
	Created  int               `json:"created"`
	Enabled  int               `json:"enabled"`
	Accounts []ExternalAccount `json:"accounts"`
	Sync     SyncSummary       `json:"sync"`
}

type SyncAllRequest struct{}

type TriggerAutoSyncRequest struct{}

type TriggerAutoSyncResponse struct {
	Triggered bool         `json:"triggered"`
	Summary   *SyncSummary `json:"summary,omitempty"`
}

type JobGroupProgress struct {
	JobGroupID string `json:"jobGroupId"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Running    int    `json:"running"`
	Queued     int    `json:"queued"`
	IsComplete bool   `json:"isComplete"`
	Percent    int    `json:"percent"`
}

type GetJobGroupProgressRequest struct {
	JobGroupID string `json:"jobGroupId"`
}

type AccountSyncStatus struct {
	ExternalAccountID string     `json:"externalAccountId"`
	LocalAccountID    string     `json:"localAccountId,omitempty"`
	ConnectionID      string     `json:"connectionId"`
	ProviderType      string     `json:"providerType"`
	Name              string     `json:"name"`
	State             string     `json:"state"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	ErrorKind         string     `json:"errorKind,omitempty"`
	Error             string     `json:"error,omitempty"`
}

type SyncStatusSummary struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Queued    int `json:"queued"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type GetSyncStatusRequest struct{}

type SyncStatusResponse struct {
	Accounts         []AccountSyncStatus `json:"accounts"`
	Summary          SyncStatusSummary   `json:"summary"`
	LastAutoSyncAt   *time.Time          `json:"lastAutoSyncAt,omitempty"`
	LastManualSyncAt *time.Time          `json:"lastManualSyncAt,omitempty"`
	InFlight         *JobGroupProgress   `json:"inFlight,omitempty"`
}

type SyncJob struct {
	ID         string     `json:"id"`
	JobGroupID string     `json:"jobGroupId"`
	TargetKind string     `json:"targetKind"`
	TargetID   string     `json:"targetId"`
	Trigger    string     `json:"trigger"`
	State      string     `json:"state"`
	Attempt    int        `json:"attempt"`
	ErrorKind  string     `json:"errorKind,omitempty"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type ListActiveJobsRequest struct{}

type ListActiveJobsResponse struct {
	Jobs []SyncJob `json:"jobs"`
}
