package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/config"
	"remindd/internal/dispatch"
	"remindd/internal/eventbus"
	"remindd/internal/gateway"
	"remindd/internal/ops"
	"remindd/internal/preference"
	"remindd/internal/retention"
	"remindd/internal/runtime/lifecycle"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	"remindd/internal/task/scheduler"
	"remindd/internal/watch"
	logx "remindd/pkg/logx"
)

const (
	jobDispatch  = "dispatch"
	jobRetention = "retention"

	retentionTimeout = 5 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Mem
	lc   *lifecycle.Lifecycle
	ops  *ops.Service

	// nil when scheduling failed to initialize
	pipe *pipeline
}

// pipeline is everything that only exists once the store and gateway
// are open.
type pipeline struct {
	store   storage.Store
	gw      gateway.Gateway
	source  *preference.Source
	watch   *watch.Loop
	poller  *dispatch.Poller
	sweeper *retention.Sweeper
	sched   *scheduler.Service
	title   string

	dispatchEvery   time.Duration
	dispatchEnabled bool
	retentionSpec   string
}

// New loads the config and sets up logging. Store and gateway are opened
// in Start so their failure can be reported over the ops API.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	opsSettings, err := cfg.Ops.Settings()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	root := log
	log = log.With(logx.String("comp", "app"))
	lc := lifecycle.New(lifecycle.WithLogger(root.With(logx.String("comp", "lifecycle"))))

	return &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		lc:   lc,
		ops:  ops.New(mapOpsConfig(opsSettings), root.With(logx.String("comp", "ops"))),
	}, nil
}

func (a *App) Lifecycle() *lifecycle.Lifecycle { return a.lc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the app up. A store or gateway failure does not fail
// Start: the lifecycle is marked failed and the ops API keeps serving.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		rs, err := cfg.Retention.Settings()
		if err != nil {
			return err
		}
		if _, err := scheduler.ParseSchedule(rs.Schedule); err != nil {
			return fmt.Errorf("retention.schedule: %w", err)
		}
		return nil
	})

	a.ops.Start(runCtx)
	a.publishDeps()

	cfg := a.cfgm.Get()
	if err := a.startPipeline(runCtx, cfg); err != nil {
		a.log.Error("scheduling disabled", logx.Err(err))
		a.lc.MarkFailed(err)
	} else {
		a.lc.MarkReady()
	}
	a.publishDeps()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				a.log.Debug("event", logx.String("type", e.Type), logx.Owner(e.OwnerID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("scheduling", a.pipe != nil))
	return nil
}

func (a *App) startPipeline(ctx context.Context, cfg *config.Config) error {
	ds, err := cfg.Dispatch.Settings()
	if err != nil {
		return err
	}
	rs, err := cfg.Retention.Settings()
	if err != nil {
		return err
	}
	debounce, err := cfg.Preferences.DebounceOrDefault()
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	root := a.logs.Logger()

	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	gw, err := gateway.Open(mapGatewayConfig(cfg, ds.SendTimeout), root.With(logx.String("comp", "gateway")))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open gateway: %w", err)
	}
	a.log.Info("pipeline dependencies ready", logx.String("store", sc.Driver), logx.String("gateway", gw.Name()))

	if cfg.Logging.Alert.Enabled {
		a.logs.SetAlertSender(gateway.AlertSender{Gateway: gw, Address: cfg.Logging.Alert.Address, Title: "remindd alert"})
	}

	p := &pipeline{store: store, gw: gw, title: gatewayTitle(cfg)}
	p.source = preference.NewSource(cfg.Preferences.Dir, debounce, root.With(logx.String("comp", "preferences")))
	p.watch = watch.New(watch.Config{
		Shards:       cfg.Preferences.ShardsOrDefault(),
		HorizonWeeks: cfg.Recurrence.HorizonOrDefault(),
		DefaultTitle: p.title,
	}, store, p.source, root.With(logx.String("comp", "watch")), a.bus)
	p.poller = dispatch.New(mapDispatchConfig(ds), store, gw, root.With(logx.String("comp", "dispatch")), a.bus)
	p.sweeper = retention.New(store, rs.Window, root.With(logx.String("comp", "retention")), a.bus)
	p.sched = scheduler.New(scheduler.Config{}, root.With(logx.String("comp", "scheduler")), a.bus)

	if ds.Enabled {
		if err := p.scheduleDispatch(ds.Every); err != nil {
			p.close()
			return err
		}
	}
	p.dispatchEnabled = ds.Enabled
	if err := p.scheduleRetention(rs.Schedule); err != nil {
		p.close()
		return err
	}

	p.watch.Start(ctx)
	a.sup.GoRestart("preferences.source", p.source.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("watch.feed", func(c context.Context) error {
		return p.watch.Run(c, p.source.Changes())
	})
	p.sched.Start(ctx)
	if rs.RunOnStart {
		a.sup.Go0("retention.initial", func(context.Context) { p.sched.RunNow(jobRetention) })
	}
	a.pipe = p
	return nil
}

func (p *pipeline) scheduleDispatch(every time.Duration) error {
	poller := p.poller
	// a tick may run up to one interval plus a send timeout
	timeout := every + poller.Snapshot().Config.SendTimeout
	err := p.sched.AddSchedule(jobDispatch, "every:"+every.String(), timeout, func(ctx context.Context) error {
		_, err := poller.Tick(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	p.dispatchEvery = every
	return nil
}

func (p *pipeline) scheduleRetention(spec string) error {
	sweeper := p.sweeper
	err := p.sched.AddSchedule(jobRetention, spec, retentionTimeout, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	p.retentionSpec = spec
	return nil
}

func (p *pipeline) close() {
	_ = p.gw.Close()
	_ = p.store.Close()
}

func (a *App) publishDeps() {
	d := ops.Deps{Lifecycle: a.lc, Supervisor: a.sup}
	if p := a.pipe; p != nil {
		d.Store = p.store
		d.Preferences = p.source
		d.Watch = p.watch
		d.Dispatch = p.poller
		d.Scheduler = p.sched
		d.Retention = p.sweeper
		d.DefaultTitle = p.title
	}
	a.ops.SetDeps(d)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.lc.MarkStopping(reason)
	a.sup.Cancel()

	// step runs one shutdown action with an upper bound so one component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	if p := a.pipe; p != nil {
		step("scheduler", 5*time.Second, func(c context.Context) error { p.sched.Stop(c); return nil })
		step("watch", 2*time.Second, func(c context.Context) error { p.watch.Stop(c); return nil })
		step("gateway", 2*time.Second, func(context.Context) error { return p.gw.Close() })
		step("storage", 2*time.Second, func(context.Context) error { return p.store.Close() })
	}
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
