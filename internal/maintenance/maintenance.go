// Package maintenance runs periodic housekeeping against the job queue:
// deleting old finished jobs and, when enabled, recycling errored and stale jobs.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"qarunner/internal/logger"
	"qarunner/internal/store"
)

const passTimeout = 5 * time.Minute

// cronParser supports standard 5-field cron expressions and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config controls which passes run. Zero RequeueAfter or Lease disables that pass.
type Config struct {
	CleanupSchedule string
	CleanupDays     int
	RequeueAfter    time.Duration
	MaxAttempts     int
	Lease           time.Duration
}

// Scheduler owns a cron instance with one entry per enabled pass.
type Scheduler struct {
	queue store.JobQueue
	cfg   Config
	log   *logger.Logger
	cron  *cron.Cron
}

// New validates cfg and registers the enabled passes. Nothing runs until Start.
func New(queue store.JobQueue, cfg Config, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@daily"
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 7
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = store.MaxAttempts
	}

	schedule, err := cronParser.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}

	s := &Scheduler{
		queue: queue,
		cfg:   cfg,
		log:   log.With("component", "maintenance"),
		cron:  cron.New(cron.WithParser(cronParser)),
	}

	s.cron.Schedule(schedule, s.job("cleanup", s.Cleanup))
	if cfg.RequeueAfter > 0 {
		s.cron.Schedule(cron.Every(cfg.RequeueAfter), s.job("requeue_errored", s.RequeueErrored))
	}
	if cfg.Lease > 0 {
		s.cron.Schedule(cron.Every(cfg.Lease), s.job("reclaim_stale", s.ReclaimStale))
	}
	return s, nil
}

// Passes reports how many passes are scheduled.
func (s *Scheduler) Passes() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.log.Info("maintenance scheduler started",
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"cleanup_days", s.cfg.CleanupDays,
		"requeue_after", s.cfg.RequeueAfter,
		"lease", s.cfg.Lease,
	)
	s.cron.Start()
}

// Stop halts scheduling and waits for a running pass to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("maintenance pass still running at shutdown")
	}
}

func (s *Scheduler) job(name string, pass func(context.Context) (int64, error)) cron.Job {
	return cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()

		start := time.Now()
		n, err := pass(ctx)
		if err != nil {
			s.log.Error("maintenance pass failed", "pass", name, "error", err)
			return
		}
		s.log.Info("maintenance pass finished", "pass", name, "affected", n, "duration", time.Since(start))
	})
}

// Cleanup deletes done jobs older than the configured number of days.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	return s.queue.CleanupOlderThan(ctx, s.cfg.CleanupDays)
}

// RequeueErrored puts errored jobs with attempts left back in the queue.
func (s *Scheduler) RequeueErrored(ctx context.Context) (int64, error) {
	return s.queue.RequeueErrored(ctx, s.cfg.RequeueAfter, s.cfg.MaxAttempts)
}

// ReclaimStale returns running jobs whose lease expired to the queue.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int64, error) {
	return s.queue.ReclaimStale(ctx, s.cfg.Lease)
}
