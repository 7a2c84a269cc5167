package task

import (
	"context"
	"time"

	"outreach-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs the advance pass in-process for deployments without a worker.
type Scheduler struct {
	service  *Service
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(cfg *config.Config, svc *Service) *Scheduler {
	interval := cfg.Outreach.TickInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{service: svc, interval: interval, now: time.Now}
}

// StartScheduler hooks the loop into the fx lifecycle when
// OUTREACH.LOCAL_SCHEDULER is set.
func StartScheduler(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) {
	if !cfg.Outreach.LocalScheduler {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started advance scheduler", zap.Duration("interval", s.interval))

	for {
		now := s.now()
		next := nextTick(now, s.interval)

		sleepDuration := next.Sub(now)
		zap.L().Debug("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, _, err := s.service.RunAdvance(ctx, TriggerLocal); err != nil {
		zap.L().Error("[Scheduler] advance failed", zap.Error(err))
	}
}

// nextTick returns the next wall-clock boundary of interval strictly after now.
func nextTick(now time.Time, interval time.Duration) time.Time {
	next := now.Truncate(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
