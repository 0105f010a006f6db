package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/jobs"
	"taskd/internal/observability/admin"
	"taskd/internal/observability/metrics"
	"taskd/internal/runtime/pool"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const metricsNamespace = "taskd"

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store     storage.Store
	retention time.Duration

	sched *scheduler.Scheduler
	jobs  *jobs.Manager
	admin *admin.Service

	// bg hosts the app's own loops (config watch/reload, history recorder).
	bg *pool.Pool

	stopped  atomic.Bool
	errOnce  sync.Once
	firstErr error
	fatal    chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	boot := logx.NewConsole("INFO").With(logx.Component("boot"))
	cfgm := config.NewManager(cfgPath,
		config.WithLogger(boot),
		config.WithValidator(func(_ context.Context, cfg *config.Config) error {
			return jobs.Validate(cfg.Jobs)
		}),
	)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log)
	log = log.With(logx.Component("app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, retention, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.Duration("retention", retention))
	}

	closeAll := func() {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	obs := metrics.InitPrometheusMetrics(metricsNamespace, reg)

	opts, err := schedulerOptions(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	opts = append(opts,
		scheduler.WithLogger(log),
		scheduler.WithEventBus(bus),
		scheduler.WithObserver(obs),
	)
	sched := scheduler.New(opts...)

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		sched.Terminate()
		closeAll()
		return nil, err
	}
	adm := admin.New(acfg, admin.Deps{Scheduler: sched, Gatherer: reg, Runs: store}, log)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		reg:       reg,
		store:     store,
		retention: retention,
		sched:     sched,
		jobs:      jobs.NewManager(sched, log),
		admin:     adm,
		fatal:     make(chan struct{}),
	}, nil
}

// Scheduler exposes the task scheduler for embedding hosts and tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when a background loop fails fatally.
func (a *App) Done() <-chan struct{} { return a.fatal }

// Err returns the first fatal error observed (if any).
func (a *App) Err() error {
	select {
	case <-a.fatal:
		return a.firstErr
	default:
		return nil
	}
}

func (a *App) fail(err error) {
	a.errOnce.Do(func() {
		a.firstErr = err
		a.log.Error("fatal error", logx.Err(err))
		close(a.fatal)
	})
}

func (a *App) Start(ctx context.Context) error {
	if a.bg != nil {
		return errors.New("app already started")
	}
	cfg := a.cfgm.Get()
	a.bg = pool.New(pool.WithLogger(a.log))

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, scheduler.EventRun)
		if err := a.bg.Submit("history.record", func(c context.Context) {
			defer unsub()
			recordRuns(c, events, a.store, a.log.With(logx.Component("history")))
		}); err != nil {
			unsub()
			return err
		}
		if a.retention > 0 {
			if _, err := schedulePrune(a.sched, a.store, a.retention, a.log); err != nil {
				return fmt.Errorf("schedule prune: %w", err)
			}
		}
	}

	if err := a.jobs.Apply(cfg.Jobs); err != nil {
		return err
	}

	a.admin.Start(ctx)

	if cfg.Systemd.Watchdog {
		if _, err := scheduleWatchdog(a.sched, a.log); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	}

	sub := a.cfgm.Subscribe(8)
	if err := a.bg.Submit("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	}); err != nil {
		a.cfgm.Unsubscribe(sub)
		return err
	}
	if err := a.bg.Submit("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil && !errors.Is(err, context.Canceled) {
			a.fail(fmt.Errorf("config.watch: %w", err))
		}
	}); err != nil {
		return err
	}

	if cfg.Systemd.Notify {
		sdNotify(a.log, sdReady)
	}
	a.log.Info("app started",
		logx.Int("jobs", len(a.jobs.Names())),
		logx.String("config", a.cfgPath),
	)
	return nil
}
