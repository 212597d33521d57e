/**
 * @description
 * Cron scheduler setup for the approval expiry and overdue credit jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/serenityneo/corebanking-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns how many jobs were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{"approval expiry", s.config.ApprovalExpirySchedule, s.jobs.ExpireApprovals},
		{"overdue credit", s.config.OverdueCreditSchedule, s.jobs.MarkOverdueCredits},
	} {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", "job", job.name, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.schedule)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
