package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"artmarket-platform/pkg/health"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewAPI),
	fx.Invoke(registerRoutes),
)

func registerRoutes(api *API, engine *gin.Engine, healthSvc health.HealthService) {
	api.Register(engine, healthSvc)
}
