package cron

import (
	"context"
	"time"

	"github.com/goliatone/go-orchestrator"
)

// DefaultReapExpression runs lease reaping every 15 seconds.
const DefaultReapExpression = "@every 15s"

// Reaper fails running attempts whose claim lease expired.
type Reaper interface {
	ReapExpiredClaims(ctx context.Context) (int, error)
}

// ReaperJob wraps a Reaper as a JobFunc that logs reclaimed attempts.
func ReaperJob(reaper Reaper, logger orchestrator.Logger) JobFunc {
	logger = orchestrator.NormalizeLogger(logger)
	return func(ctx context.Context) error {
		n, err := reaper.ReapExpiredClaims(ctx)
		if n > 0 {
			logger.WithContext(ctx).Warn("reaped %d expired step claims", n)
		}
		return err
	}
}

// ScheduleReaper registers lease reaping on s. An empty expression uses
// DefaultReapExpression.
func ScheduleReaper(s *Scheduler, reaper Reaper, expression string, timeout time.Duration) (Handle, error) {
	if expression == "" {
		expression = DefaultReapExpression
	}
	return s.ScheduleCron(JobConfig{
		Name:       "reap_expired_claims",
		Expression: expression,
		Timeout:    timeout,
	}, ReaperJob(reaper, s.logger))
}

// ScheduleStartupReap runs lease reaping once after delay so claims left by
// a previous process are settled before the first cron tick.
func ScheduleStartupReap(s *Scheduler, reaper Reaper, delay, timeout time.Duration) (Handle, error) {
	return s.ScheduleAfter(delay, JobConfig{
		Name:    "startup_reap",
		Timeout: timeout,
	}, ReaperJob(reaper, s.logger))
}
