package main

import (
	"outreach-engine/pkg/config"
	"outreach-engine/pkg/db"
	"outreach-engine/pkg/gen"
	"outreach-engine/pkg/health"
	"outreach-engine/pkg/httpapi"
	"outreach-engine/pkg/logger"
	"outreach-engine/pkg/redis"
	"outreach-engine/pkg/sequence"
	"outreach-engine/pkg/server"
	pkgtask "outreach-engine/pkg/task"
	"outreach-engine/services/delivery"
	"outreach-engine/services/discovery"
	"outreach-engine/services/engagement"
	"outreach-engine/services/generator"
	v1 "outreach-engine/services/httpapi"
	"outreach-engine/services/ledger"
	"outreach-engine/services/outreach"
	"outreach-engine/services/task"
	"outreach-engine/services/withdrawal"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		health.Module,

		ledger.Module,
		engagement.Module,
		generator.Module,
		delivery.Module,
		discovery.Module,
		outreach.Module,
		withdrawal.Module,
		task.Module,

		pkgtask.Client,
		server.ProvideHTTPServer,
		httpapi.Module,
		v1.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log}
})
