/*
scheduler.go - Automated late fee accrual scheduler

PURPOSE:
  Periodically brings every student's posted late fees up to the current
  quote. The accrual itself lives in billing.LateFeeService.AccrueAll and
  is idempotent: a run only posts the difference between the quote and
  what is already posted (waived fees included), so an extra or missed
  run never double-charges.

DESIGN:
  - robfig/cron with panic recovery, logging through slog
  - One job, cron expression from LATE_FEE_JOB_SCHEDULE (default: daily 01:00)
  - Each run gets its own timeout so a stuck database cannot pile up runs

USAGE:
  scheduler := NewLateFeeScheduler(svc.LateFees, logger, "0 1 * * *")
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: AccrueLateFees endpoint (manual run)
  - billing/latefee.go: LateFeeService.AccrueAll
*/
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/tuition-engine/billing"
)

// Accruer runs one accrual pass over all students.
type Accruer interface {
	AccrueAll(ctx context.Context) (billing.AccrualReport, error)
}

// LateFeeScheduler runs the accrual job on a cron schedule.
type LateFeeScheduler struct {
	Accruer  Accruer
	Schedule string
	Timeout  time.Duration
	Enabled  bool

	cron   *cron.Cron
	logger *slog.Logger
}

// NewLateFeeScheduler creates an enabled scheduler.
func NewLateFeeScheduler(accruer Accruer, logger *slog.Logger, schedule string) *LateFeeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &LateFeeScheduler{
		Accruer:  accruer,
		Schedule: schedule,
		Timeout:  10 * time.Minute,
		Enabled:  true,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		logger:   logger,
	}
}

// Start registers the job and starts the cron scheduler. An invalid
// schedule is logged and returned; the server keeps running without it.
func (s *LateFeeScheduler) Start() error {
	if !s.Enabled {
		s.logger.Info("late fee accrual job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		s.logger.Error("failed to schedule late fee accrual job", "error", err, "schedule", s.Schedule)
		return err
	}
	s.logger.Info("scheduled late fee accrual job", "schedule", s.Schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// job has finished.
func (s *LateFeeScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single accrual pass and logs the outcome.
func (s *LateFeeScheduler) RunOnce(ctx context.Context) (billing.AccrualReport, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := s.Accruer.AccrueAll(ctx)
	if err != nil {
		s.logger.Error("late fee accrual failed", "error", err)
		return report, err
	}
	s.logger.Info("late fee accrual finished",
		"students", report.Students,
		"posted", report.Posted,
		"total", report.Total.String(),
		"failures", len(report.Failures),
		"duration", time.Since(start).String(),
	)
	for id, msg := range report.Failures {
		s.logger.Warn("late fee accrual failed for student", "student_id", id, "error", msg)
	}
	return report, nil
}
