package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/dispatcher"
	"triggerd/internal/eventbus"
	"triggerd/internal/handler"
	"triggerd/internal/observability/debug"
	"triggerd/internal/observability/metrics"
	"triggerd/internal/registry"
	"triggerd/internal/schedule"
	"triggerd/internal/statussink"
	"triggerd/internal/storage"
	"triggerd/internal/worker"
	logx "triggerd/pkg/logx"
	"triggerd/pkg/systemd"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor
	// wsup runs worker loops. It is not tied to the app run context so
	// workers only end through ForceStop.
	wsup *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	managed  *handler.ManagedSource
	scripts  *handler.ScriptSource
	registry *registry.Registry
	disp     *dispatcher.Dispatcher
	sink     *statussink.Async

	sched   *schedule.Service
	debug   *debug.Service
	metrics *metrics.Collector
	sd      *systemd.Notifier
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateConfig(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := newApp(cfgm, cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.logs = logSvc
	return a, nil
}

func newApp(cfgm *ConfigManager, cfg *Config, log logx.Logger) (*App, error) {
	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapAsyncSinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	cfgm.SetLogger(log)
	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	chain := statussink.Multi{statussink.BusSink{Bus: bus}}
	if store != nil {
		chain = append(chain, statussink.StoreSink{Store: store})
	}
	if cfg.StatusSink != nil && cfg.StatusSink.Log {
		chain = append(chain, statussink.LogSink{Log: log.With(logx.String("comp", "status"))})
	}
	sink := statussink.NewAsync(chain, scfg, log.With(logx.String("comp", "statussink")))

	managed := handler.NewManagedSource()
	scripts := handler.NewScriptSource(strings.TrimSpace(cfg.Scripts.Dir), log)
	resolver := handler.NewResolver(managed, scripts, log)

	wsup := NewSupervisor(context.Background(), WithLogger(log.With(logx.String("comp", "workers"))))
	reg := registry.New(registry.Options{Worker: wcfg, Sink: sink, Bus: bus, Log: log, Supervisor: wsup})
	disp := dispatcher.New(dispatcher.Options{
		Registry: reg,
		Resolver: resolver,
		Sink:     sink,
		Log:      log,
		Retries:  cfg.Scheduler.DispatchRetries,
	})
	sched := schedule.New(schedCfg, disp, log)

	a := &App{
		cfgm:     cfgm,
		wsup:     wsup,
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		store:    store,
		managed:  managed,
		scripts:  scripts,
		registry: reg,
		disp:     disp,
		sink:     sink,
		sched:    sched,
		sd:       systemd.NewNotifier(cfg.Systemd.Notify, cfg.Systemd.Watchdog, log),
	}
	a.metrics = metrics.New(metrics.Gauges{
		Workers:         reg.Len,
		Schedules:       func() int { return len(sched.Snapshot().Schedules) },
		SinkQueueLen:    func() int { return sink.Snapshot().QueueLen },
		SinkCircuitOpen: func() bool { return sink.Snapshot().CircuitOpen },
	})
	a.debug = debug.New(dcfg, a.debugSources(), log)
	return a, nil
}

func (a *App) debugSources() debug.Sources {
	src := debug.Sources{
		Ping:       a.disp.Ping,
		Metrics:    a.metrics.Handler(),
		Workers:    func() any { return a.registry.Snapshot() },
		Schedules:  func() any { return a.sched.Snapshot() },
		StatusSink: func() any { return a.sink.Snapshot() },
		Supervisor: func() any {
			out := map[string]any{"workers": a.wsup.Snapshot()}
			if a.sup != nil {
				out["app"] = a.sup.Snapshot()
			}
			return out
		},
	}
	if a.store != nil {
		src.Status = func(ctx context.Context, jobID, invocationID string, limit int) (any, error) {
			if invocationID != "" {
				rec, ok, err := a.store.StatusOf(ctx, invocationID)
				if err != nil || !ok {
					return nil, err
				}
				return rec, nil
			}
			return a.store.RecentStatus(ctx, jobID, limit)
		}
	}
	return src
}

// Managed returns the source where in-process handlers are registered.
func (a *App) Managed() *handler.ManagedSource { return a.managed }

// Dispatcher is the trigger entry point.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.disp }

func (a *App) Schedules() *schedule.Service { return a.sched }

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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Status delivery outlives the run context: workers report discarded
	// triggers while Stop tears them down.
	a.sink.Start(context.WithoutCancel(ctx))

	if a.cfgm.Get().Scripts.Watch {
		a.scripts.OnChange(func(name string) {
			a.log.Info("script changed on disk; next trigger reloads it", logx.String("script", name))
		})
		a.sup.Go("scripts.watch", a.scripts.Watch)
	}

	entries, err := mapScheduleEntries(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.sched.Set(entries); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if a.debug.Enabled() {
		a.debug.Start(runCtx)
	}

	// Keep this debug-level to avoid noise from frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.log.Info("app started", logx.Int("schedules", len(entries)), logx.Int("managed_handlers", len(a.managed.Names())))
	return nil
}

// applyConfig pushes a committed config into the running components. The
// validator already accepted newCfg, so mapping errors here only guard
// against a config committed without it.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] || changed["status_sink"] || changed["scripts"] || changed["systemd"] {
		a.log.Warn("storage, status_sink, scripts and systemd changes take effect after restart")
	}

	if a.logs != nil {
		if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
			a.log.Warn("log file not reopened", logx.Err(err))
		}
	}

	if wcfg, err := mapWorkerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		// Running workers keep their config; new and replaced ones pick it up.
		a.registry.SetWorkerConfig(wcfg)
	}

	if scfg, err := mapScheduleConfig(newCfg); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}
	if entries, err := mapScheduleEntries(newCfg); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.Set(entries); err != nil {
		a.log.Warn("some schedules were not applied", logx.Err(err))
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: no new scheduled triggers, then
// workers (which report discarded work), then status delivery, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("schedules", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("workers", a.registry.WorkerConfig().StopTimeout+time.Second, func(c context.Context) error {
		a.registry.StopAll(worker.ReasonShutdown)
		return a.wsup.Stop(c)
	})
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("statussink", 2*time.Second, func(c context.Context) error { a.sink.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
