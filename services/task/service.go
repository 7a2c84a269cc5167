package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"outreach-engine/pkg/config"
	"outreach-engine/pkg/db/option"
	"outreach-engine/pkg/repository"
	pkgtask "outreach-engine/pkg/task"
	"outreach-engine/services/outreach"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Advancer runs one follow-up pass over every due engagement.
type Advancer interface {
	Advance(ctx context.Context, now time.Time) ([]outreach.Outcome, error)
}

type Service struct {
	node   *snowflake.Node
	engine Advancer
	now    func() time.Time

	runs repository.Repository[Run]
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Engine *outreach.Engine
}

func NewService(p Params) *Service {
	return newService(p.DB, p.Node, p.Engine)
}

func newService(db *gorm.DB, node *snowflake.Node, engine Advancer) *Service {
	return &Service{
		node:   node,
		engine: engine,
		now:    time.Now,
		runs:   repository.ProvideStore[Run](db),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RunAdvance advances every due engagement and records the pass. The run
// record is best effort; only the advance error is returned.
func (s *Service) RunAdvance(ctx context.Context, trigger Trigger) (*Run, []outreach.Outcome, error) {
	start := s.now().UTC()
	run := &Run{
		ID:        s.node.Generate().String(),
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: start,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		zap.L().Warn("[Task] failed to record advance run", zap.String("run_id", run.ID), zap.Error(err))
	}

	outcomes, err := s.engine.Advance(ctx, start)

	completed := s.now().UTC()
	run.CompletedAt = &completed
	run.Due = len(outcomes)
	for _, o := range outcomes {
		switch o.Result {
		case outreach.ResultFollowUpSent:
			run.Sent++
		case outreach.ResultSkipped:
			run.Skipped++
		default:
			run.Failed++
		}
	}
	run.Status = RunSuccess
	if err != nil {
		run.Status = RunFailed
		run.ErrorMsg = err.Error()
	}
	run.Metadata = outcomeMetadata(outcomes)

	if uerr := s.runs.Update(ctx, run.ID, map[string]any{
		"status":       run.Status,
		"due":          run.Due,
		"sent":         run.Sent,
		"failed":       run.Failed,
		"skipped":      run.Skipped,
		"error_msg":    run.ErrorMsg,
		"completed_at": completed,
		"metadata":     run.Metadata,
	}); uerr != nil {
		zap.L().Warn("[Task] failed to finish advance run", zap.String("run_id", run.ID), zap.Error(uerr))
	}

	zap.L().Info("[Task] advance finished",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("due", run.Due),
		zap.Int("sent", run.Sent),
		zap.Int("failed", run.Failed),
		zap.Int("skipped", run.Skipped),
		zap.Duration("duration", completed.Sub(start)),
	)
	return run, outcomes, err
}

func outcomeMetadata(outcomes []outreach.Outcome) datatypes.JSON {
	errs := map[string]string{}
	for _, o := range outcomes {
		if o.Error != "" {
			errs[o.EngagementID] = o.Error
		}
	}
	if len(errs) == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]any{"errors": errs})
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// ListRuns returns the most recent runs first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.runs.Find(ctx, &Run{},
		option.WithSortBy(option.QuerySortBy{SortBy: "started_at", OrderBy: "desc", Allow: map[string]bool{"started_at": true}}),
		option.ApplyPagination(limit, 0),
	)
}

// HandleAdvanceTask is the asynq handler for pkgtask.AdvanceTick.
func (s *Service) HandleAdvanceTask(ctx context.Context, t *asynq.Task) error {
	if _, _, err := s.RunAdvance(ctx, TriggerAsynq); err != nil {
		zap.L().Error("failed to process advance task", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}
	return nil
}

// AdvancePeriodic schedules the advance tick every OUTREACH.TICK_INTERVAL.
// Unique keeps a slow tick from overlapping the next one.
func AdvancePeriodic(cfg *config.Config) pkgtask.Periodic {
	interval := cfg.Outreach.TickInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return pkgtask.Periodic{
		CronSpec: fmt.Sprintf("@every %s", interval),
		Task:     asynq.NewTask(pkgtask.AdvanceTick, nil),
		Opts: []asynq.Option{
			asynq.Queue(pkgtask.QueueCritical),
			asynq.Unique(interval),
			asynq.MaxRetry(0),
		},
	}
}
