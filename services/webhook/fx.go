package webhook

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"artmarket-platform/pkg/taskname"
)

var Module = fx.Module("webhook.service",
	fx.Provide(
		NewHandlers,
		NewService,
		provideDispatcher,
	),
)

var TaskModule = fx.Module("task.webhook",
	fx.Invoke(registerTasks),
)

func registerTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.WebhookRetryUnprocessed, svc.HandleRetryUnprocessed)
}

func provideDispatcher(h *Handlers) *Dispatcher {
	d := NewDispatcher()
	h.RegisterAll(d)
	return d
}
