package task

import (
	pkgtask "outreach-engine/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(Migrate, StartScheduler),
)

// Worker registers the advance handler and its periodic schedule. It needs
// pkgtask.Server and pkgtask.Scheduler in the same app.
var Worker = fx.Module("task.worker",
	fx.Provide(
		fx.Annotate(AdvancePeriodic, fx.ResultTags(`group:"periodic"`)),
	),
	fx.Invoke(RegisterHandlers),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Run{})
}

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(pkgtask.AdvanceTick, svc.HandleAdvanceTask)
}
