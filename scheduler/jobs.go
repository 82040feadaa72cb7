// Package scheduler runs the periodic agreement jobs: automatic execution of
// due payments and due-soon reminders.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recurpay/agreement"
	"recurpay/metrics"
)

const (
	JobExecuteDue = "execute_due"
	JobReminders  = "reminders"

	DefaultWorkers = 4
	dueBatchSize   = 200
	jobTimeout     = 10 * time.Minute
)

// Engine is the part of agreement.Service the jobs drive.
type Engine interface {
	DueAgreements(ctx context.Context, limit int) ([]agreement.Agreement, error)
	ExecuteDue(ctx context.Context, id string) (agreement.Execution, error)
	RemindDueSoon(ctx context.Context, limit int) (int, error)
}

// RunSummary counts the outcomes of one execute-due run.
type RunSummary struct {
	Due      int            `json:"due"`
	Executed int            `json:"executed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Errors   map[string]int `json:"errors,omitempty"`
}

// Jobs contains the logic of every scheduled task.
type Jobs struct {
	engine  Engine
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewJobs(engine Engine, workers int, m *metrics.Metrics, logger *slog.Logger) *Jobs {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{engine: engine, workers: workers, metrics: m, logger: logger}
}

// RunDue executes every due active agreement once. Agreements run on a
// bounded worker group; one failure never stops the others. Agreements that
// stopped being due or became non-active between listing and execution are
// counted as skipped.
func (j *Jobs) RunDue(ctx context.Context) (RunSummary, error) {
	due, err := j.engine.DueAgreements(ctx, dueBatchSize)
	if err != nil {
		return RunSummary{}, err
	}
	summary := RunSummary{Due: len(due)}
	if len(due) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for _, a := range due {
		g.Go(func() error {
			exec, err := j.engine.ExecuteDue(gctx, a.ID)
			code := "ok"
			if err != nil {
				code = agreement.Code(err)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Executed++
				j.logger.Info("scheduled payment executed",
					"agreement_id", a.ID, "tx_hash", exec.TxHash, "status", exec.Agreement.Status)
			case errors.Is(err, agreement.ErrNotDue), errors.Is(err, agreement.ErrInvalidState):
				summary.Skipped++
				j.logger.Info("scheduled payment skipped", "agreement_id", a.ID, "reason", err.Error())
			default:
				summary.Failed++
				if summary.Errors == nil {
					summary.Errors = map[string]int{}
				}
				summary.Errors[code]++
				j.logger.Error("scheduled payment failed",
					"agreement_id", a.ID, "code", code, "tx_hash", agreement.TxHashOf(err), "error", err)
			}
			j.metrics.JobItem(JobExecuteDue, code)
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

// ExecuteDue is the cron entry point for RunDue.
func (j *Jobs) ExecuteDue() {
	j.logger.Info("starting execute due job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.RunDue(ctx)
	if err != nil {
		j.logger.Error("failed to list due agreements", "error", err)
		return
	}
	j.logger.Info("execute due job finished",
		"due", summary.Due, "executed", summary.Executed, "failed", summary.Failed, "skipped", summary.Skipped)
}

// SendReminders emits due-soon events for upcoming payments.
func (j *Jobs) SendReminders() {
	j.logger.Info("starting reminder job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	sent, err := j.engine.RemindDueSoon(ctx, dueBatchSize)
	if err != nil {
		j.metrics.JobItem(JobReminders, "error")
		j.logger.Error("failed to send reminders", "error", err)
		return
	}
	for i := 0; i < sent; i++ {
		j.metrics.JobItem(JobReminders, "ok")
	}
	j.logger.Info("reminder job finished", "sent", sent)
}
