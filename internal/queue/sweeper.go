package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/metrics"
)

// SweeperConfig controls the liveness sweep.
type SweeperConfig struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
	MaxAttempts     int
}

// Sweeper reclaims running jobs whose worker stopped heartbeating.
type Sweeper struct {
	q       *Queue
	cfg     SweeperConfig
	metrics *metrics.Registry
	log     *zap.Logger
	now     func() time.Time
}

// NewSweeper constructs a sweeper; zero config values select defaults.
func NewSweeper(q *Queue, cfg SweeperConfig, m *metrics.Registry, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{q: q, cfg: cfg, metrics: m, log: log, now: time.Now}
}

// SweepOnce reclaims stale jobs once.
func (s *Sweeper) SweepOnce(ctx context.Context) (requeued, failed int64, err error) {
	requeued, failed, err = s.q.jobs.Reclaim(ctx, s.now().Add(-s.cfg.LivenessTimeout), s.cfg.MaxAttempts)
	if err != nil {
		return 0, 0, err
	}
	s.metrics.Reclaimed(requeued, failed)
	if requeued+failed > 0 {
		s.log.Warn("reclaimed stale jobs", zap.Int64("requeued", requeued), zap.Int64("failed", failed))
	}
	if requeued > 0 {
		s.q.Notify()
	}
	return requeued, failed, nil
}

// Run sweeps at startup and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if _, _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
