package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// SweeperConfig defines how often and how aggressively overdue claims are expired.
type SweeperConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1m".
	Schedule string
	// MaxConcurrentExpiries bounds in-flight Expire calls per sweep.
	MaxConcurrentExpiries int64
	// BatchSize bounds how many Claimed jobs are inspected per sweep.
	BatchSize int
	// Caller is the account recorded as the expirer.
	Caller common.Address
}

// ExpirySweeper is a keeper that expires Claimed jobs past their work deadline.
// It holds no privilege: it calls Expire like any other party would.
type ExpirySweeper struct {
	logger    *slog.Logger
	market    *Marketplace
	cfg       SweeperConfig
	semaphore *semaphore.Weighted
}

func NewExpirySweeper(logger *slog.Logger, market *Marketplace, cfg SweeperConfig) *ExpirySweeper {
	limit := cfg.MaxConcurrentExpiries
	if limit <= 0 {
		limit = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}

	return &ExpirySweeper{
		logger:    logger,
		market:    market,
		cfg:       cfg,
		semaphore: semaphore.NewWeighted(limit),
	}
}

// Run schedules sweeps until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	s.logger.Info("expiry sweeper started", "schedule", s.cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("expiry sweeper stopped")
	return nil
}

// Sweep expires every overdue Claimed job it finds and returns how many it expired.
// Losing a race against another expirer or a late submission is not an error.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	if s.market.Policy().Paused {
		s.logger.Debug("platform paused, skipping expiry sweep")
		return 0, nil
	}

	jobs, err := s.market.store.ListJobsByStatus(ctx, domain.JobStatusClaimed, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	now := s.market.clock()
	var (
		wg      sync.WaitGroup
		expired atomic.Int64
	)
	for _, job := range jobs {
		if !now.After(job.WorkDue()) {
			continue
		}
		if err := s.semaphore.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return int(expired.Load()), err
		}

		wg.Add(1)
		go func(id domain.JobID) {
			defer wg.Done()
			defer s.semaphore.Release(1)

			err := s.market.Expire(ctx, s.cfg.Caller, id)
			switch {
			case err == nil:
				expired.Add(1)
			case domain.KindOf(err) == domain.KindStateConflict, domain.KindOf(err) == domain.KindTiming:
				s.logger.Debug("job no longer expirable", "job_id", id, "error", err)
			default:
				s.logger.Warn("failed to expire job", "job_id", id, "error", err)
			}
		}(job.ID)
	}
	wg.Wait()

	if n := expired.Load(); n > 0 {
		s.logger.Info("expired overdue jobs", "count", n)
	}
	return int(expired.Load()), nil
}
