package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"routineclock/internal/activity"
	"routineclock/internal/clock"
	"routineclock/internal/config"
	"routineclock/internal/debugsrv"
	"routineclock/internal/eventbus"
	"routineclock/internal/persist"
	"routineclock/internal/routine"
	"routineclock/internal/runtime/supervisor"
	"routineclock/internal/storage"
	"routineclock/internal/timer"
	"routineclock/internal/tracing"
	"routineclock/internal/visibility"
	logx "routineclock/pkg/logx"
	"routineclock/pkg/systemd"
)

var ErrUnknownRoutine = errors.New("unknown routine")

// Options override collaborators for embedding and tests. The zero value
// means production defaults.
type Options struct {
	Clock clock.Clock
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	clk    clock.Clock
	store  storage.Store
	tracer *tracing.Tracer

	act        *activity.Tracker
	timers     *timer.Manager
	persist    *persist.Scheduler
	checkpoint *persist.Checkpointer
	manual     *visibility.Manual
	manualOn   bool
	sleep      *visibility.SleepDetector
	resync     *visibility.Resynchronizer
	debug      *debugsrv.Server

	runners map[string]*routine.Runner
	order   []string

	watchConfig bool
}

// New loads the config at cfgPath (or the defaults when it does not exist)
// and wires every component. Persisted routine runs are restored.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, usedDefault, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfgm, cfg, opts)
	if err != nil {
		return nil, err
	}
	if usedDefault {
		a.log.Info("config file not found; using defaults", logx.String("path", cfgPath))
	}
	a.watchConfig = !usedDefault
	return a, nil
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, opts Options) (*App, error) {
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	tc, err := mapTracingConfig(res)
	if err != nil {
		return nil, err
	}
	tracer, err := tracing.New(ctx, tc)
	if err != nil {
		return nil, err
	}

	// Storage (optional). Without it the engine still runs; writes are discarded.
	var store storage.Store
	if sc, enabled := mapStorageConfig(res); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = tracer.Shutdown(ctx)
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		log.Warn("storage disabled; routine progress will not survive a restart")
	}

	codec, err := routine.CodecByName(res.Storage.Codec)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	act := activity.New(clk, res.IdleAfter)
	timers := timer.New(clk, log.With(logx.String("comp", "timers")), bus)

	pcfg := mapPersistConfig(res)
	sched := persist.New(pcfg, persist.Deps{
		Store:    store,
		Activity: act,
		Clock:    clk,
		Log:      log.With(logx.String("comp", "persist")),
		Bus:      bus,
		Tracer:   tracer,
	})
	checkpoint := persist.NewCheckpointer(pcfg.Checkpoint, sched, store, log.With(logx.String("comp", "checkpoint")))

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		clk:        clk,
		store:      store,
		tracer:     tracer,
		act:        act,
		timers:     timers,
		persist:    sched,
		checkpoint: checkpoint,
		manual:     visibility.NewManual(clk),
		runners:    map[string]*routine.Runner{},
	}
	a.debug = debugsrv.New(log.With(logx.String("comp", "debug")), func() any { return a.Status() })

	var sources []visibility.Source
	for _, name := range res.Visibility.Sources {
		switch name {
		case "manual":
			a.manualOn = true
			sources = append(sources, a.manual)
		case "signals":
			sources = append(sources, visibility.NewSignals(clk))
		case "sleep":
			a.sleep = visibility.NewSleepDetector(clk, res.Visibility.SleepInterval, res.Visibility.SleepThreshold)
			sources = append(sources, a.sleep)
		}
	}
	a.resync = visibility.New(visibility.Config{Debounce: res.Visibility.Debounce}, visibility.Deps{
		Source:   visibility.Merge(sources...),
		Timers:   timers,
		Persist:  sched,
		Activity: act,
		Clock:    clk,
		Log:      log.With(logx.String("comp", "visibility")),
		Bus:      bus,
		Tracer:   tracer,
	})

	for _, def := range mapDefinitions(res) {
		rlog := log.With(logx.String("comp", "routine"))
		ad := routine.NewAdapter(def.ID, routine.AdapterDeps{
			Writer: sched,
			Store:  store,
			Codec:  codec,
			Clock:  clk,
			Log:    rlog,
		})
		r := routine.NewRunner(def, timers, ad, clk, rlog, bus)
		restored, err := r.Restore(ctx)
		if err != nil {
			log.Warn("routine restore failed; starting fresh", logx.String("routine", def.ID), logx.Err(err))
		} else if restored {
			st := r.State()
			log.Info("routine resumed", logx.String("routine", def.ID), logx.String("task", st.CurrentTask))
		}
		a.runners[def.ID] = r
		a.order = append(a.order, def.ID)
	}
	return a, nil
}

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

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		res, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		if err := a.checkpoint.Validate(res.Persist.Checkpoint); err != nil {
			return fmt.Errorf("persist.checkpoint: %w", err)
		}
		if _, err := routine.CodecByName(res.Storage.Codec); err != nil {
			return err
		}
		return nil
	})

	if err := a.resync.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.checkpoint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	// Debug-level event trace; frequent timer ticks are left out.
	events, unsub := a.bus.Subscribe(128, timer.EventComplete, timer.EventResync, "persist.", "visibility.", "routine.")
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if res, err := config.Resolve(a.cfgm.Get()); err == nil {
		a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(res))
	}

	if a.watchConfig {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")))
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Int("routines", len(a.order)))
	return nil
}

// applyConfig hot-applies a reloaded config. Settings that need a restart
// are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	res, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.persist.Apply(mapPersistConfig(res))
	if err := a.checkpoint.Apply(res.Persist.Checkpoint); err != nil {
		a.log.Warn("invalid checkpoint schedule; keeping previous", logx.Err(err))
	}
	a.act.SetIdleAfter(res.IdleAfter)
	a.resync.SetDebounce(res.Visibility.Debounce)
	if a.sup != nil {
		a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(res))
	}

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("settings", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.shutdown(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	err := a.shutdown(ctx)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// shutdown stops components in dependency order. Every runner force-saves
// while its timers still exist; the final flush runs after the timers stop so
// nothing is scheduled behind it.
func (a *App) shutdown(ctx context.Context) error {
	var flushErr error
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "visibility", time.Second, func(c context.Context) error { a.resync.Stop(c); return nil })
	a.step(ctx, "checkpoint", time.Second, func(c context.Context) error { a.checkpoint.Stop(c); return nil })
	a.step(ctx, "routines", time.Second, func(context.Context) error {
		for _, id := range a.order {
			a.runners[id].ForceSave()
		}
		return nil
	})
	a.step(ctx, "timers", time.Second, func(context.Context) error { a.timers.Close(); return nil })
	a.step(ctx, "persist", 3*time.Second, func(c context.Context) error {
		n := a.persist.Close(c)
		if left := len(a.persist.Pending()); left > 0 {
			flushErr = fmt.Errorf("persist: %d writes still pending after shutdown flush", left)
			return flushErr
		}
		a.log.Debug("final flush", logx.Int("written", n))
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "tracing", 2*time.Second, func(c context.Context) error { return a.tracer.Shutdown(c) })
	return flushErr
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Runner returns the routine runner for id.
func (a *App) Runner(id string) (*routine.Runner, error) {
	r, ok := a.runners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoutine, id)
	}
	return r, nil
}

// Routines lists configured routine ids in config order.
func (a *App) Routines() []string { return slices.Clone(a.order) }

// Touch records user interaction.
func (a *App) Touch(kind activity.Kind) { a.act.Touch(kind) }

// Background and Foreground drive the manual visibility source. They report
// false when the manual source is not configured.
func (a *App) Background() bool { return a.setVisibility(visibility.Background) }

func (a *App) Foreground() bool { return a.setVisibility(visibility.Foreground) }

func (a *App) setVisibility(s visibility.State) bool {
	if !a.manualOn {
		return false
	}
	a.manual.Set(s)
	return true
}

// Flush writes every pending write now.
func (a *App) Flush(ctx context.Context) int {
	return a.persist.FlushAll(ctx, "manual")
}
