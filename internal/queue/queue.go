// Package queue is the durable transaction-sync job queue: enqueueing,
// progress reads, the worker pool and the liveness sweep.
package queue

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/metrics"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/repository"
)

// EnqueueInput describes one job to add to a group.
type EnqueueInput struct {
	UserID     uuid.UUID
	JobGroupID uuid.UUID
	TargetKind model.TargetKind
	TargetID   uuid.UUID
	Trigger    model.Trigger
}

// Queue is the producer and read side of the job store.
type Queue struct {
	jobs    repository.JobRepository
	metrics *metrics.Registry
	log     *zap.Logger
	wake    chan struct{}
}

// New constructs a queue over the job repository.
func New(jobs repository.JobRepository, m *metrics.Registry, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{jobs: jobs, metrics: m, log: log, wake: make(chan struct{}, 1)}
}

// Enqueue stores a queued job and wakes an idle worker.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (uuid.UUID, error) {
	if in.UserID == uuid.Nil || in.JobGroupID == uuid.Nil || in.TargetID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("enqueue: user, group and target are required: %w", errs.ErrValidation)
	}
	if in.TargetKind != model.TargetAccount && in.TargetKind != model.TargetConnection {
		return uuid.Nil, fmt.Errorf("enqueue: target kind %q: %w", in.TargetKind, errs.ErrValidation)
	}
	if in.Trigger == "" {
		in.Trigger = model.TriggerManual
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	j := &model.SyncJob{
		ID:         id,
		JobGroupID: in.JobGroupID,
		UserID:     in.UserID,
		TargetKind: in.TargetKind,
		TargetID:   in.TargetID,
		Trigger:    in.Trigger,
	}
	if err := q.jobs.Insert(ctx, j); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	q.metrics.Enqueued(string(in.Trigger))
	q.log.Debug("job enqueued",
		zap.String("job_id", id.String()),
		zap.String("group_id", in.JobGroupID.String()),
		zap.String("target_kind", string(in.TargetKind)),
		zap.String("target_id", in.TargetID.String()),
	)
	q.Notify()
	return id, nil
}

// Notify wakes one idle worker without blocking.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// GetJobGroupProgress returns counts of the group's jobs. Unknown groups and
// groups of other users are ErrNotFound.
func (q *Queue) GetJobGroupProgress(ctx context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error) {
	return q.jobs.GroupProgress(ctx, userID, groupID)
}

// GetActiveJobsForUser returns the user's queued and running jobs.
func (q *Queue) GetActiveJobsForUser(ctx context.Context, userID uuid.UUID) ([]model.SyncJob, error) {
	return q.jobs.ListActive(ctx, userID)
}

// QueuedTargets returns targets of the user that already wait in the queue.
func (q *Queue) QueuedTargets(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]bool, error) {
	active, err := q.jobs.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(active))
	for _, j := range active {
		if j.State == model.JobQueued {
			out[j.TargetID] = true
		}
	}
	return out, nil
}

// LatestJobsByTarget returns the newest job of each of the user's targets.
func (q *Queue) LatestJobsByTarget(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]model.SyncJob, error) {
	return q.jobs.LatestByTarget(ctx, userID)
}

// InFlightProgress returns progress of the user's newest unfinished group,
// or nil when nothing is in flight.
func (q *Queue) InFlightProgress(ctx context.Context, userID uuid.UUID) (*model.JobGroupProgress, error) {
	gid, err := q.jobs.LatestActiveGroup(ctx, userID)
	if err != nil {
		if errs.Kind(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	p, err := q.jobs.GroupProgress(ctx, userID, gid)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
