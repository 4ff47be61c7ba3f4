package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"letterbox/internal/config"
	"letterbox/internal/ops"
	rtsup "letterbox/internal/runtime/supervisor"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

// pruneKey is the cron registration of the daily job-table cleanup.
var pruneKey = scheduler.RepeatKey{ScheduleID: "maintenance.prune-jobs", Cron: "@daily"}

type App struct {
	*Core

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	ops  *ops.Service
}

// New loads the config file, reads secrets from the environment and builds
// the component graph.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sec, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	return NewWith(ctx, cfgm, cfg, sec)
}

// NewWith builds the app from an already loaded config.
func NewWith(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, sec config.Secrets) (*App, error) {
	core, err := Build(ctx, cfg, sec)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core, cfgm: cfgm}

	ocfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(ocfg, sec.AdminToken, ops.Deps{
		Letters:    core.Letters,
		Queue:      core.Sched,
		Broadcasts: core.Broadcasts,
		Health:     a.health,
	}, core.Log.With(logx.String("comp", "ops")))
	return a, nil
}

// Ops exposes the admin server, mainly for tests.
func (a *App) Ops() *ops.Service { return a.ops }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.Log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.Notifier.Enabled() {
		a.Notifier.Start(run)
	}
	a.Engine.Start(run)
	if err := a.installMaintenance(); err != nil {
		return err
	}
	if a.Sched.Enabled() {
		a.Sched.Start(run)
	}
	if ocfg, err := mapOpsConfig(a.Config); err == nil && ocfg.Enabled {
		a.ops.Start(run)
	}

	// Jobs lost while the process was down are re-enqueued and recurring
	// broadcasts re-registered. Neither blocks startup.
	a.sup.Go("startup.restore", func(c context.Context) error {
		if n, err := a.Letters.Resync(c); err != nil {
			a.Log.Error("letter resync failed", logx.Err(err))
		} else if n > 0 {
			a.Log.Info("letters resynced", logx.Int("enqueued", n))
		}
		if n, err := a.Broadcasts.Restore(c); err != nil {
			a.Log.Error("broadcast restore failed", logx.Err(err))
		} else {
			a.Log.Info("broadcast schedules restored", logx.Int("active", n))
		}
		return nil
	})

	a.logEvents()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.Log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return checkConfig(cfg, a.Secrets)
		})
		a.watchConfig()
	}

	a.Log.Info("app started")
	return nil
}

func (a *App) installMaintenance() error {
	return a.Sched.InstallRepeat(pruneKey, func(ctx context.Context, _ scheduler.RepeatKey, at time.Time) error {
		keep, err := mapRetention(a.current())
		if err != nil {
			keep = defaultRetention
		}
		n, err := a.Store.Jobs().PruneJobs(ctx, at.Add(-keep))
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		a.Log.Info("finished jobs pruned", logx.Int("deleted", n), logx.Duration("retention", keep))
		return nil
	})
}

// current is the last committed config.
func (a *App) current() *config.Config {
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil {
			return cfg
		}
	}
	return a.Config
}

// logEvents mirrors bus events into the debug log.
func (a *App) logEvents() {
	events, unsub := a.Bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.Log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// apply fans a validated config out to the live components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.Log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.Log.Warn("config changed in restart-only sections; restart required", logx.String("sections", strings.Join(restart, ",")))
	}

	lc := mapLoggingConfig(next)
	if _, ok := mapAlertConfig(next, a.Secrets); !ok {
		lc.Alert.Enabled = false
	}
	a.Logs.Apply(lc)

	if ec, err := mapEngineConfig(next); err == nil {
		a.Engine.Apply(ec)
	}

	if sc, err := mapSchedulerConfig(next); err == nil {
		wasOn := a.Sched.Enabled()
		a.Sched.Apply(sc)
		switch {
		case wasOn && !sc.Enabled:
			a.Log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.Sched.Stop(stopCtx)
			cancel()
		case !wasOn && sc.Enabled:
			a.Log.Info("scheduler enabled via config")
			a.Sched.Start(ctx)
		}
	}

	if bc, err := mapBroadcastConfig(next); err == nil {
		a.Broadcasts.Apply(bc)
	}

	if nc, err := mapNotifierConfig(next); err == nil {
		wasOn := a.Notifier.Enabled()
		a.Notifier.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			a.Log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.Notifier.Stop(stopCtx)
			cancel()
		case !wasOn && nc.Enabled:
			a.Log.Info("notifier enabled via config")
			a.Notifier.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(next); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.Log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	db := "up"
	if err := a.Store.Ping(ctx); err != nil {
		db = "down: " + err.Error()
	}
	snap := a.Sched.Snapshot()
	return map[string]any{
		"storage":   db,
		"driver":    a.Store.Driver(),
		"kinds":     a.Engine.Kinds(),
		"scheduler": map[string]any{"enabled": snap.Enabled, "running": snap.Running, "repeats": len(snap.Repeats)},
		"notifier":  a.Notifier.Enabled(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Core.Close()
	}
	a.Log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				a.Log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.Log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.Log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.Sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.Engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.Notifier.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.Log.Info("stopped")
	return a.Core.Close()
}
