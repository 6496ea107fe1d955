package payment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
)

// Sweeper runs a full reconciliation pass.
type Sweeper interface {
	ReconcilePending(ctx context.Context) (*Summary, error)
}

// Scheduler triggers reconciliation sweeps on a cron schedule. A tick that
// fires while the previous sweep is still running is skipped.
type Scheduler struct {
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	logger   *slog.Logger

	cron    *cron.Cron
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(sweeper Sweeper, schedule string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	if err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		s.cancel()
		return err
	}
	s.cron.Start()
	s.logger.Info("reconciliation scheduler started", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("reconciliation scheduler stopped")
}

// RunOnce performs a sweep unless one is already in progress. It reports
// whether a sweep ran.
func (s *Scheduler) RunOnce(ctx context.Context) (*Summary, bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	summary, err := s.sweeper.ReconcilePending(ctx)
	return summary, true, err
}

func (s *Scheduler) tick() {
	_, ran, err := s.RunOnce(s.ctx)
	if !ran {
		s.logger.Warn("skipping reconciliation tick, previous sweep still running")
		return
	}
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", "error", err)
	}
}
