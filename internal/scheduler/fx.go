package scheduler

import (
	"context"

	"github.com/smallbiznis/promosale/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartLoop),
)

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.RunInterval = cfg.Scheduler.RunInterval
	c.EnabledJobs = cfg.Scheduler.EnabledJobs
	return c
}

// StartLoop runs the scheduler loop when this process owns it. With the loop
// disabled the Scheduler is still built, so the admin run endpoint can drive
// passes by hand.
func StartLoop(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.RunsScheduler() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stop context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stop.Done():
			}
			return nil
		},
	})
}
