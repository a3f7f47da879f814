package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const runningTargetIndex = "sync_jobs_running_target_uniq"

const jobCols = `id, job_group_id, user_id, target_kind, target_id, trigger, state, attempt, error_kind, error,
enqueued_at, started_at, heartbeat_at, finished_at`

// JobRepo implements JobRepository using PostgreSQL.
type JobRepo struct{ db *DB }

// NewJobRepo constructs a sync job repository.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

func scanJob(row pgx.Row) (*model.SyncJob, error) {
	var (
		j                    model.SyncJob
		kind, trigger, state string
	)
	err := row.Scan(&j.ID, &j.JobGroupID, &j.UserID, &kind, &j.TargetID, &trigger, &state, &j.Attempt,
		&j.ErrorKind, &j.Error, &j.EnqueuedAt, &j.StartedAt, &j.HeartbeatAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	j.TargetKind = model.TargetKind(kind)
	j.Trigger = model.Trigger(trigger)
	j.State = model.JobState(state)
	return &j, nil
}

func (r *JobRepo) list(ctx context.Context, q string, args ...any) ([]model.SyncJob, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.SyncJob, 0, 8)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Insert stores a queued job.
func (r *JobRepo) Insert(ctx context.Context, j *model.SyncJob) error {
	const q = `
INSERT INTO sync_jobs (id, job_group_id, user_id, target_kind, target_id, trigger, state)
VALUES ($1,$2,$3,$4,$5,$6,'queued')
RETURNING enqueued_at`
	if err := r.db.Pool.QueryRow(ctx, q, j.ID, j.JobGroupID, j.UserID, string(j.TargetKind), j.TargetID,
		string(j.Trigger)).Scan(&j.EnqueuedAt); err != nil {
		return err
	}
	j.State = model.JobQueued
	return nil
}

// Claim moves the oldest claimable job to running. Only the head of a target's
// queue is eligible and only while nothing else of that target runs; rows locked
// by other workers are skipped.
func (r *JobRepo) Claim(ctx context.Context) (*model.SyncJob, error) {
	const q = `
UPDATE sync_jobs j
SET state='running', attempt=j.attempt+1, started_at=now(), heartbeat_at=now()
WHERE j.id = (
  SELECT c.id FROM sync_jobs c
  WHERE c.state='queued'
    AND NOT EXISTS (SELECT 1 FROM sync_jobs r WHERE r.target_id=c.target_id AND r.state='running')
    AND NOT EXISTS (SELECT 1 FROM sync_jobs o WHERE o.target_id=c.target_id AND o.state='queued' AND o.seq < c.seq)
  ORDER BY c.seq
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobCols
	j, err := scanJob(r.db.Pool.QueryRow(ctx, q))
	if err != nil {
		// another worker won the target between our check and the write
		if isUniqueViolation(err, runningTargetIndex) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// Heartbeat refreshes heartbeat_at of a running job.
func (r *JobRepo) Heartbeat(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sync_jobs SET heartbeat_at=now() WHERE id=$1 AND state='running'`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}

// Finish moves a running job to a terminal state.
func (r *JobRepo) Finish(ctx context.Context, id uuid.UUID, state model.JobState, errKind, errMsg string) error {
	const q = `
UPDATE sync_jobs SET state=$2, error_kind=$3, error=$4, finished_at=now(), heartbeat_at=NULL
WHERE id=$1 AND state='running'`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(state), errKind, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}

// Reclaim requeues running jobs with an expired heartbeat. Jobs that already
// used maxAttempts are failed instead.
func (r *JobRepo) Reclaim(ctx context.Context, staleBefore time.Time, maxAttempts int) (requeued, failed int64, err error) {
	const q = `
WITH stale AS (
  SELECT id, attempt FROM sync_jobs
  WHERE state='running' AND heartbeat_at < $1
  FOR UPDATE SKIP LOCKED
)
UPDATE sync_jobs j
SET state        = CASE WHEN s.attempt >= $2 THEN 'failed' ELSE 'queued' END,
    error_kind   = CASE WHEN s.attempt >= $2 THEN $3 ELSE j.error_kind END,
    error        = CASE WHEN s.attempt >= $2 THEN 'worker lost: liveness timeout exceeded' ELSE j.error END,
    finished_at  = CASE WHEN s.attempt >= $2 THEN now() ELSE NULL END,
    started_at   = CASE WHEN s.attempt >= $2 THEN j.started_at ELSE NULL END,
    heartbeat_at = NULL
FROM stale s
WHERE j.id = s.id
RETURNING j.state`
	rows, err := r.db.Pool.Query(ctx, q, staleBefore, maxAttempts, errs.KindInternal)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return 0, 0, err
		}
		if model.JobState(st) == model.JobFailed {
			failed++
		} else {
			requeued++
		}
	}
	return requeued, failed, rows.Err()
}

// GroupProgress counts the group's jobs by state.
func (r *JobRepo) GroupProgress(ctx context.Context, userID, groupID uuid.UUID) (model.JobGroupProgress, error) {
	const q = `SELECT state, count(*) FROM sync_jobs WHERE job_group_id=$1 AND user_id=$2 GROUP BY state`
	rows, err := r.db.Pool.Query(ctx, q, groupID, userID)
	if err != nil {
		return model.JobGroupProgress{}, err
	}
	defer rows.Close()

	p := model.JobGroupProgress{JobGroupID: groupID}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return model.JobGroupProgress{}, err
		}
		switch model.JobState(st) {
		case model.JobQueued:
			p.Queued += n
		case model.JobRunning:
			p.Running += n
		case model.JobSucceeded:
			p.Succeeded += n
		case model.JobFailed:
			p.Failed += n
		}
		p.Total += n
	}
	if err := rows.Err(); err != nil {
		return model.JobGroupProgress{}, err
	}
	if p.Total == 0 {
		return model.JobGroupProgress{}, errs.ErrNotFound
	}
	p.IsComplete = p.Succeeded+p.Failed == p.Total
	return p, nil
}

// ListActive returns queued and running jobs of the user in enqueue order.
func (r *JobRepo) ListActive(ctx context.Context, userID uuid.UUID) ([]model.SyncJob, error) {
	q := `SELECT ` + jobCols + ` FROM sync_jobs WHERE user_id=$1 AND state IN ('queued','running') ORDER BY seq`
	return r.list(ctx, q, userID)
}

// LatestByTarget returns the newest job per target of the user.
func (r *JobRepo) LatestByTarget(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]model.SyncJob, error) {
	q := `SELECT DISTINCT ON (target_id) ` + jobCols + ` FROM sync_jobs WHERE user_id=$1 ORDER BY target_id, seq DESC`
	jobs, err := r.list(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]model.SyncJob, len(jobs))
	for _, j := range jobs {
		out[j.TargetID] = j
	}
	return out, nil
}

// LatestActiveGroup returns the newest group that still has unfinished jobs.
func (r *JobRepo) LatestActiveGroup(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	const q = `
SELECT job_group_id FROM sync_jobs
WHERE user_id=$1 AND state IN ('queued','running')
ORDER BY seq DESC
LIMIT 1`
	var id uuid.UUID
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, errs.ErrNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}
