package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// NewScheduler runs the redelivery sweep for the lifetime of the app. Stop
// waits for an in-flight sweep to finish so no dispatch is cut mid-transaction.
func NewScheduler(lc fx.Lifecycle, cfg Config, log *zap.Logger, sched *Scheduler) {
	if !cfg.Enabled {
		log.Named("scheduler").Info("redelivery sweep disabled")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sched.RunForever(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
