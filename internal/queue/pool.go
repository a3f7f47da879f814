package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/metrics"
	"github.com/and161185/banksync/internal/model"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
}

// Pool is a bounded set of workers claiming jobs from the store.
type Pool struct {
	q       *Queue
	exec    *Executor
	cfg     PoolConfig
	metrics *metrics.Registry
	log     *zap.Logger
}

// NewPool constructs a pool; zero config values select defaults.
func NewPool(q *Queue, exec *Executor, cfg PoolConfig, m *metrics.Registry, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{q: q, exec: exec, cfg: cfg, metrics: m, log: log}
}

// Run starts the workers and blocks until ctx is done and every running job
// has finished. Jobs are never cancelled midway.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.worker(gctx, i)
			return nil
		})
	}
	p.log.Info("sync workers started", zap.Int("workers", p.cfg.Workers))
	err := g.Wait()
	p.log.Info("sync workers stopped")
	return err
}

func (p *Pool) worker(ctx context.Context, id int) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		for ctx.Err() == nil && p.runOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-p.q.wake:
		case <-t.C:
		}
		p.log.Debug("worker polling", zap.Int("worker", id))
	}
}

// Drain runs claimable jobs on the calling goroutine until none is left and
// returns how many ran.
func (p *Pool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && p.runOne(ctx) {
		n++
	}
	return n
}

// runOne claims and executes one job; false when nothing was claimable.
func (p *Pool) runOne(ctx context.Context) bool {
	job, err := p.q.jobs.Claim(ctx)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) && ctx.Err() == nil {
			p.log.Error("claim job", zap.Error(err))
		}
		return false
	}
	p.process(context.WithoutCancel(ctx), *job)
	return true
}

func (p *Pool) process(ctx context.Context, job model.SyncJob) {
	log := p.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("group_id", job.JobGroupID.String()),
		zap.String("target_kind", string(job.TargetKind)),
		zap.String("target_id", job.TargetID.String()),
		zap.Int("attempt", job.Attempt),
	)
	start := time.Now()

	var (
		runErr error
		state  = model.JobSucceeded
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
				runErr = errors.New("internal error")
			}
		}()
		runErr = p.exec.Execute(ctx, job)
	}()

	kind, msg := "", ""
	if runErr != nil {
		state, kind, msg = model.JobFailed, errs.Kind(runErr), runErr.Error()
	}
	if err := p.q.jobs.Finish(ctx, job.ID, state, kind, msg); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			log.Warn("job was reclaimed before it finished")
		} else {
			log.Error("finish job", zap.Error(err))
		}
		return
	}
	p.metrics.JobFinished(string(job.TargetKind), string(state), kind, time.Since(start))
	if runErr != nil {
		log.Warn("job failed", zap.String("error_kind", kind), zap.Error(runErr))
		return
	}
	log.Info("job succeeded", zap.Duration("took", time.Since(start)))
}
