package escrow

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"artmarket-platform/pkg/taskname"
	"artmarket-platform/services/payout"
)

var Module = fx.Module("escrow.service",
	fx.Provide(
		NewService,
		NewOrderFacts,
		func(f *OrderFacts) payout.OrderReader { return f },
	),
)

var TaskModule = fx.Module("task.escrow",
	fx.Invoke(registerTasks),
)

func registerTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.EscrowProjectionAudit, svc.HandleProjectionAudit)
}
