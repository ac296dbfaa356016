package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run executes the orchestration loop until cancelled: each pass
// reconciles timers with the store, then processes the due set. The
// tick interval bounds scheduling latency, not correctness; fire
// times that pass between ticks are picked up on the next pass.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if err := o.SyncTimers(ctx); err != nil {
		return err
	}
	o.logger.Info("orchestrator started",
		zap.Duration("tick_interval", interval),
		zap.Int("timers", o.timers.Len()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.SyncTimers(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("timer sync failed", zap.Error(err))
		}
		o.Tick(ctx, time.Now().UTC())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
