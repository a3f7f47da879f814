package repository

import (
	"context"
	"time"

	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// JobRepository is the durable backing store of the sync queue.
type JobRepository interface {
	// Insert stores a queued job.
	Insert(ctx context.Context, j *model.SyncJob) error
	// Claim atomically moves the oldest claimable job to running.
	// A job is claimable when it is the oldest queued job of its target and
	// no job of that target is running. ErrNotFound when nothing is claimable.
	Claim(ctx context.Context) (*model.SyncJob, error)
	// Heartbeat refreshes the liveness timestamp of a running job.
	Heartbeat(ctx context.Context, id uuid.UUID) error
	// Finish moves a running job to a terminal state.
	// ErrVersionConflict if the job is no longer running.
	Finish(ctx context.Context, id uuid.UUID, state model.JobState, errKind, errMsg string) error
	// Reclaim requeues running jobs whose heartbeat is older than staleBefore,
	// failing those that already used maxAttempts.
	Reclaim(ctx context.Context, staleBefore time.Time, maxAttempts int) (requeued, failed int64, err error)

	// GroupProgress counts a group's jobs by state; ErrNotFound for no jobs.
	GroupProgress(ctx context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error)
	// ListActive returns the user's queued and running jobs in enqueue order.
	ListActive(ctx context.Context, userID uuid.UUID) ([]model.SyncJob, error)
	// LatestByTarget returns the most recent job of every target of the user.
	LatestByTarget(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]model.SyncJob, error)
	// LatestActiveGroup returns the newest group with unfinished jobs; ErrNotFound if none.
	LatestActiveGroup(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}
