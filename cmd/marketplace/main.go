package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/db"
	"artmarket-platform/pkg/health"
	"artmarket-platform/pkg/httpapi"
	"artmarket-platform/pkg/logger"
	"artmarket-platform/pkg/redis"
	"artmarket-platform/pkg/server"
	"artmarket-platform/pkg/task"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/anomaly"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
	"artmarket-platform/services/payout"
	"artmarket-platform/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),
		alert.Module,
		artwork.Module,
		payout.Module,
		escrow.Module,
		escrow.TaskModule,
		anomaly.Module,
		anomaly.TaskModule,
		webhook.Module,
		webhook.TaskModule,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
