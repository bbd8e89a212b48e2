package anomaly

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"artmarket-platform/pkg/taskname"
	"artmarket-platform/services/payout"
)

var Module = fx.Module("anomaly.service",
	fx.Provide(
		NewService,
		func(s *Service) payout.DeviationGate { return s },
	),
)

var TaskModule = fx.Module("task.anomaly",
	fx.Provide(NewScheduler),
	fx.Invoke(
		registerTasks,
		StartScheduler,
	),
)

func registerTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.AnomalyScanStaleListings, svc.HandleScanStaleListings)
	mux.HandleFunc(taskname.AnomalyScanUnusualRemovals, svc.HandleScanUnusualRemovals)
}
