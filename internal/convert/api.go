// Package convert maps domain types to transport messages and parses
// identifiers received from clients.
package convert

import (
	"fmt"
	"strings"
	"time"

	"github.com/and161185/banksync/internal/api"
	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/service"
	u "github.com/gofrs/uuid/v5"
)

// --- helpers ---

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func optID(id *u.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// ParseID parses a required uuid field; failures wrap errs.ErrValidation.
func ParseID(field, s string) (u.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return u.Nil, fmt.Errorf("%s is required: %w", field, errs.ErrValidation)
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("invalid %s: %w", field, errs.ErrValidation)
	}
	return id, nil
}

// --- Providers ---

// ToAPIProviders converts registry info to transport messages.
func ToAPIProviders(in []provider.Info) []api.ProviderInfo {
	out := make([]api.ProviderInfo, 0, len(in))
	for _, p := range in {
		caps := make([]string, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			caps = append(caps, string(c))
		}
		f := p.Features
		out = append(out, api.ProviderInfo{
			Type:         string(p.Type),
			DisplayName:  p.DisplayName,
			Description:  p.Description,
			Capabilities: caps,
			Features: api.ProviderFeatures{
				SupportsWebhooks:    f.SupportsWebhooks,
				SupportsRealtime:    f.SupportsRealtime,
				RequiresReauth:      f.RequiresReauth,
				SupportsManualSync:  f.SupportsManualSync,
				SupportsAutoSync:    f.SupportsAutoSync,
				MultipleConnections: f.MultipleConnections,
				DefaultSyncInterval: durationString(f.DefaultSyncInterval),
				MinSyncInterval:     durationString(f.MinSyncInterval),
			},
			CredentialFields: append([]string{}, p.CredentialFields...),
		})
	}
	return out
}

// --- Connections / accounts ---

// ToAPIConnection converts a connection, leaving credentials out.
func ToAPIConnection(c model.Connection) api.Connection {
	return api.Connection{
		ID:                  c.ID.String(),
		ProviderType:        string(c.ProviderType),
		ProviderName:        c.ProviderName,
		Status:              string(c.Status),
		Metadata:            c.Metadata,
		ConsecutiveFailures: c.ConsecutiveFailures,
		LastSyncAt:          c.LastSyncAt,
		Version:             c.Version,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// ToAPIConnections converts a slice of connections.
func ToAPIConnections(in []model.Connection) []api.Connection {
	out := make([]api.Connection, 0, len(in))
	for _, c := range in {
		out = append(out, ToAPIConnection(c))
	}
	return out
}

// ToAPIExternalAccounts converts provider accounts.
func ToAPIExternalAccounts(in []model.ExternalAccount) []api.ExternalAccount {
	out := make([]api.ExternalAccount, 0, len(in))
	for _, a := range in {
		out = append(out, api.ExternalAccount{
			ID:                a.ID.String(),
			ConnectionID:      a.ConnectionID.String(),
			ProviderAccountID: a.ProviderAccountID,
			LocalAccountID:    optID(a.LocalAccountID),
			LocalEnabled:      a.LocalEnabled,
			Name:              a.Name,
			Currency:          a.Currency,
			Balance:           a.Balance.StringFixed(2),
			Stale:             a.Stale,
			LastSyncedAt:      a.LastSyncedAt,
		})
	}
	return out
}

// ToAPIConnectionDetails converts a connection with its account summary.
func ToAPIConnectionDetails(d service.ConnectionDetails) *api.ConnectionDetailsResponse {
	return &api.ConnectionDetailsResponse{
		Connection: ToAPIConnection(d.Connection),
		Accounts:   ToAPIExternalAccounts(d.Accounts),
		Summary:    api.AccountSummary{Total: d.Summary.Total, Linked: d.Summary.Linked, Stale: d.Summary.Stale},
	}
}

// ToAPILinkResult converts the outcome of linking selected accounts.
func ToAPILinkResult(r service.LinkResult) *api.LinkAccountsResponse {
	return &api.LinkAccountsResponse{
		Created:  r.Created,
		Enabled:  r.Enabled,
		Accounts: ToAPIExternalAccounts(r.Accounts),
		Sync:     *ToAPISyncSummary(r.Sync),
	}
}

// --- Sync ---

// ToAPISyncSummary converts an enqueue summary.
func ToAPISyncSummary(s service.SyncSummary) *api.SyncSummary {
	out := &api.SyncSummary{TotalAccounts: s.TotalAccounts, Enqueued: s.Enqueued}
	if s.JobGroupID != u.Nil {
		out.JobGroupID = s.JobGroupID.String()
	}
	for _, id := range s.Skipped {
		out.Skipped = append(out.Skipped, id.String())
	}
	return out
}

// ToAPIProgress converts job group progress.
func ToAPIProgress(p model.JobGroupProgress) *api.JobGroupProgress {
	return &api.JobGroupProgress{
		JobGroupID: p.JobGroupID.String(),
		Total:      p.Total,
		Succeeded:  p.Succeeded,
		Failed:     p.Failed,
		Running:    p.Running,
		Queued:     p.Queued,
		IsComplete: p.IsComplete,
		Percent:    p.Percent(),
	}
}

// ToAPISyncStatus converts the user's sync status read model.
func ToAPISyncStatus(s model.UserSyncStatus) *api.SyncStatusResponse {
	out := &api.SyncStatusResponse{
		Accounts: make([]api.AccountSyncStatus, 0, len(s.Accounts)),
		Summary: api.SyncStatusSummary{
			Total:     s.Summary.Total,
			Idle:      s.Summary.Idle,
			Queued:    s.Summary.Queued,
			Syncing:   s.Summary.Syncing,
			Completed: s.Summary.Completed,
			Failed:    s.Summary.Failed,
		},
		LastAutoSyncAt:   s.Record.LastAutoSyncAt,
		LastManualSyncAt: s.Record.LastManualSyncAt,
	}
	if s.InFlight != nil {
		out.InFlight = ToAPIProgress(*s.InFlight)
	}
	for _, a := range s.Accounts {
		out.Accounts = append(out.Accounts, api.AccountSyncStatus{
			ExternalAccountID: a.ExternalAccountID.String(),
			LocalAccountID:    optID(a.LocalAccountID),
			ConnectionID:      a.ConnectionID.String(),
			ProviderType:      string(a.ProviderType),
			Name:              a.Name,
			State:             string(a.State),
			LastSyncedAt:      a.LastSyncedAt,
			ErrorKind:         a.ErrorKind,
			Error:             a.Error,
		})
	}
	return out
}

// ToAPIJobs converts sync jobs.
func ToAPIJobs(in []model.SyncJob) []api.SyncJob {
	out := make([]api.SyncJob, 0, len(in))
	for _, j := range in {
		out = append(out, api.SyncJob{
			ID:         j.ID.String(),
			JobGroupID: j.JobGroupID.String(),
			TargetKind: string(j.TargetKind),
			TargetID:   j.TargetID.String(),
			Trigger:    string(j.Trigger),
			State:      string(j.State),
			Attempt:    j.Attempt,
			ErrorKind:  j.ErrorKind,
			Error:      j.Error,
			EnqueuedAt: j.EnqueuedAt,
			StartedAt:  j.StartedAt,
			FinishedAt: j.FinishedAt,
		})
	}
	return out
}
