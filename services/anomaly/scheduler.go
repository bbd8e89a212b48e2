package anomaly

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"artmarket-platform/pkg/task"
	"artmarket-platform/pkg/taskname"
	"artmarket-platform/services/escrow"
)

// Scheduler enqueues the nightly reconciliation jobs: both listing scans,
// the escrow projection audit, and the webhook retry sweep.
type Scheduler struct {
	enqueuer task.Enqueuer
}

func NewScheduler(enqueuer task.Enqueuer) *Scheduler {
	return &Scheduler{enqueuer: enqueuer}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(ctx)
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started nightly reconciliation scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, 2, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runNightly(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runNightly(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] enqueueing nightly reconciliation jobs")

	if _, err := s.enqueuer.Enqueue(NewScanStaleListingsTask()); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue stale listing scan", zap.Error(err))
	}

	if _, err := s.enqueuer.Enqueue(NewScanUnusualRemovalsTask()); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue unusual removal scan", zap.Error(err))
	}

	// Built from the task name directly: the webhook package sits above this
	// one in the dependency graph.
	retry := asynq.NewTask(taskname.WebhookRetryUnprocessed, nil, asynq.Queue("low"))
	if _, err := s.enqueuer.Enqueue(retry); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue webhook retry sweep", zap.Error(err))
	}

	// Audit every order touched since the previous run, with slack for runs
	// the process slept through.
	audit, err := escrow.NewProjectionAuditTask(start.Add(-48 * time.Hour))
	if err != nil {
		zap.L().Error("[Scheduler] failed to build projection audit task", zap.Error(err))
	} else if _, err := s.enqueuer.Enqueue(audit); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue projection audit", zap.Error(err))
	}

	zap.L().Info("[Scheduler] finished nightly enqueue",
		zap.Duration("duration", time.Since(start)),
	)
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
