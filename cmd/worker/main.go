package main

import (
	"log"

	"outreach-engine/pkg/config"
	"outreach-engine/pkg/db"
	"outreach-engine/pkg/gen"
	"outreach-engine/pkg/health"
	"outreach-engine/pkg/httpapi"
	"outreach-engine/pkg/logger"
	"outreach-engine/pkg/server"
	pkgtask "outreach-engine/pkg/task"
	"outreach-engine/services/delivery"
	"outreach-engine/services/engagement"
	"outreach-engine/services/generator"
	"outreach-engine/services/ledger"
	"outreach-engine/services/outreach"
	"outreach-engine/services/task"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := options()

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

// options wires the worker. It serves only the ops endpoints (/healthz,
// /readyz, /metrics) on HTTP_SERVER.ADDR; give it its own port when it
// shares a host with the API.
func options() []fx.Option {
	return []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		health.Module,

		server.ProvideHTTPServer,
		httpapi.Module,

		ledger.Module,
		engagement.Module,
		generator.Module,
		delivery.Module,
		outreach.Module,
		task.Module,

		pkgtask.Server,
		pkgtask.Scheduler,
		task.Worker,
		fxLogger,
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log}
})
