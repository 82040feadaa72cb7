package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

const (
	DefaultExecuteSchedule  = "*/5 * * * *"
	DefaultReminderSchedule = "0 * * * *"
)

// Schedules holds the standard five-field cron expressions of each job.
type Schedules struct {
	Execute  string
	Reminder string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	schedules Schedules
	logger    *slog.Logger
}

func New(jobs *Jobs, schedules Schedules, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if schedules.Execute == "" {
		schedules.Execute = DefaultExecuteSchedule
	}
	if schedules.Reminder == "" {
		schedules.Reminder = DefaultReminderSchedule
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, jobs: jobs, schedules: schedules, logger: logger}
}

// Start registers the jobs and starts the cron loop. An invalid expression
// fails start instead of silently dropping the job.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedules.Execute, s.jobs.ExecuteDue); err != nil {
		return fmt.Errorf("scheduler: schedule execute due job: %w", err)
	}
	s.logger.Info("scheduled execute due job", "schedule", s.schedules.Execute)

	if _, err := s.cron.AddFunc(s.schedules.Reminder, s.jobs.SendReminders); err != nil {
		return fmt.Errorf("scheduler: schedule reminder job: %w", err)
	}
	s.logger.Info("scheduled reminder job", "schedule", s.schedules.Reminder)

	s.cron.Start()
	return nil
}

// Stop stops the cron loop. The returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ValidateSchedule reports whether expr parses as a standard cron spec.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", expr, err)
	}
	return nil
}
