package scheduler

import (
	"context"

	"github.com/smallbiznis/bizsuite/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(relay *events.Relay) EventRelay { return relay }),
	fx.Provide(New),
	fx.Invoke(startLoop),
)

// startLoop runs the expiry sweep and outbox relay in the background for the
// lifetime of the app. Stop waits for the current tick to return.
func startLoop(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.StartStopHook(
		func() {
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
		},
		func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	))
}
