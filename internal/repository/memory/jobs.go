package memory

import (
	"context"
	"sort"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// JobRepo implements JobRepository in memory.
type JobRepo struct{ s *Store }

const workerLost = "worker lost: liveness timeout exceeded"

func (r *JobRepo) Insert(_ context.Context, j *model.SyncJob) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobSeq++
	j.State = model.JobQueued
	j.EnqueuedAt = s.now()
	s.jobs[j.ID] = &jobRow{SyncJob: *j, seq: s.jobSeq}
	return nil
}

// ordered returns rows matching keep in enqueue order. Caller holds the lock.
func (s *Store) ordered(keep func(*jobRow) bool) []*jobRow {
	out := make([]*jobRow, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].seq < out[k].seq })
	return out
}

func (r *JobRepo) Claim(_ context.Context) (*model.SyncJob, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := map[uuid.UUID]bool{}
	for _, j := range s.jobs {
		if j.State == model.JobRunning {
			busy[j.TargetID] = true
		}
	}
	for _, j := range s.ordered(func(j *jobRow) bool { return j.State == model.JobQueued }) {
		if busy[j.TargetID] {
			continue
		}
		// the oldest queued job of a target blocks its younger siblings
		busy[j.TargetID] = true
		now := s.now()
		j.State = model.JobRunning
		j.Attempt++
		j.StartedAt = timePtr(now)
		j.HeartbeatAt = timePtr(now)
		out := j.SyncJob
		return &out, nil
	}
	return nil, errs.ErrNotFound
}

func (r *JobRepo) Heartbeat(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.State != model.JobRunning {
		return errs.ErrVersionConflict
	}
	j.HeartbeatAt = timePtr(r.s.now())
	return nil
}

func (r *JobRepo) Finish(_ context.Context, id uuid.UUID, state model.JobState, errKind, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.State != model.JobRunning {
		return errs.ErrVersionConflict
	}
	j.State = state
	j.ErrorKind, j.Error = errKind, errMsg
	j.FinishedAt = timePtr(r.s.now())
	j.HeartbeatAt = nil
	return nil
}

func (r *JobRepo) Reclaim(_ context.Context, staleBefore time.Time, maxAttempts int) (requeued, failed int64, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.State != model.JobRunning || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(staleBefore) {
			continue
		}
		j.HeartbeatAt = nil
		if j.Attempt >= maxAttempts {
			j.State = model.JobFailed
			j.ErrorKind, j.Error = errs.KindInternal, workerLost
			j.FinishedAt = timePtr(r.s.now())
			failed++
			continue
		}
		j.State = model.JobQueued
		j.StartedAt = nil
		requeued++
	}
	return requeued, failed, nil
}

func (r *JobRepo) GroupProgress(_ context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p := model.JobGroupProgress{JobGroupID: groupID}
	for _, j := range r.s.jobs {
		if j.JobGroupID != groupID || j.UserID != userID {
			continue
		}
		switch j.State {
		case model.JobQueued:
			p.Queued++
		case model.JobRunning:
			p.Running++
		case model.JobSucceeded:
			p.Succeeded++
		case model.JobFailed:
			p.Failed++
		}
		p.Total++
	}
	if p.Total == 0 {
		return model.JobGroupProgress{}, errs.ErrNotFound
	}
	p.IsComplete = p.Succeeded+p.Failed == p.Total
	return p, nil
}

func (r *JobRepo) ListActive(_ context.Context, userID uuid.UUID) ([]model.SyncJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.ordered(func(j *jobRow) bool { return j.UserID == userID && !j.State.Terminal() })
	out := make([]model.SyncJob, 0, len(rows))
	for _, j := range rows {
		out = append(out, j.SyncJob)
	}
	return out, nil
}

func (r *JobRepo) LatestByTarget(_ context.Context, userID uuid.UUID) (map[uuid.UUID]model.SyncJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[uuid.UUID]model.SyncJob{}
	for _, j := range r.s.ordered(func(j *jobRow) bool { return j.UserID == userID }) {
		out[j.TargetID] = j.SyncJob
	}
	return out, nil
}

func (r *JobRepo) LatestActiveGroup(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.ordered(func(j *jobRow) bool { return j.UserID == userID && !j.State.Terminal() })
	if len(rows) == 0 {
		return uuid.Nil, errs.ErrNotFound
	}
	return rows[len(rows)-1].JobGroupID, nil
}
