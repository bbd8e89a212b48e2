package webhook

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"artmarket-platform/pkg/taskname"
)

func NewRetryUnprocessedTask() *asynq.Task {
	return asynq.NewTask(taskname.WebhookRetryUnprocessed, nil, asynq.Queue("low"))
}

// HandleRetryUnprocessed sweeps stored deliveries that failed dispatch and
// are still inside the retry window.
func (s *Service) HandleRetryUnprocessed(ctx context.Context, t *asynq.Task) error {
	retried, recovered, err := s.RetryUnprocessed(ctx)
	if err != nil {
		return err
	}

	zap.L().Info("webhook retry sweep finished",
		zap.String("task_type", t.Type()),
		zap.Int("retried", retried),
		zap.Int("recovered", recovered),
	)
	return nil
}
