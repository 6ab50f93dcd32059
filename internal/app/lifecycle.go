package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"changeobserver/internal/config"
	"changeobserver/internal/runtime/supervisor"
	"changeobserver/internal/task/scheduler"
	logx "changeobserver/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopOnce       StopReason = "once"
)

// Start launches the background services: notifier workers, both task
// engines, the scheduler, the HTTP API and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.markers.Start(c)
	a.runs.Start(c)
	if a.sched.Enabled() {
		a.sched.Start(c)
	}
	a.http.Start(c)

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)

	a.mu.Lock()
	schedule := a.schedule
	a.mu.Unlock()
	a.log.Info("app started",
		logx.Bool("degraded", a.unavailable != nil),
		logx.String("schedule", schedule),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

// validateReload rejects a reloaded config the running app could not apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule); err != nil {
		return fmt.Errorf("scheduler.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply hot-swaps the sections that support it and warns about the rest.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	if config.RestartRequired(changed) {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("changed", changed))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(next))
	}

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(mapNotifier(next))
	switch {
	case wasEnabled && !next.Notifier.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Notifier.Enabled:
		a.notif.Start(ctx)
	}

	if next.Scheduler.Schedule != prev.Scheduler.Schedule || next.Scheduler.RunTimeout != prev.Scheduler.RunTimeout {
		if err := a.register(next); err != nil {
			a.log.Warn("schedule update rejected; keeping previous", logx.Err(err))
		}
	}
	schedWas := a.sched.Enabled()
	a.sched.Apply(mapScheduler(next))
	switch {
	case schedWas && !next.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !schedWas && next.Scheduler.Enabled:
		a.sched.Start(ctx)
	}
	a.opsChatID.Store(next.Telegram.OpsChatID)

	fields := append([]logx.Field{logx.Strings("changed", changed)}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "engine.runs", 5*time.Second, func(c context.Context) error { a.runs.Stop(c); return nil })
	a.step(ctx, "engine.markers", 2*time.Second, func(c context.Context) error { a.markers.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.closeResources()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.sess.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
