// Package app assembles the delivery pipeline from config and owns its
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/directory"
	"herald/internal/eventbus"
	"herald/internal/lock"
	"herald/internal/metrics"
	"herald/internal/notifier/aggregator"
	"herald/internal/notifier/conversation"
	"herald/internal/notifier/orchestrator"
	"herald/internal/notifier/resolver"
	"herald/internal/notifier/sender"
	"herald/internal/notifier/throttle"
	"herald/internal/ops"
	"herald/internal/platform"
	"herald/internal/platform/telegram"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/statusfeed"
	"herald/internal/storage"
	"herald/internal/task/engine"
	"herald/internal/task/scheduler"
	"herald/internal/transport"
	"herald/internal/transport/memory"
	"herald/internal/transport/rabbitmq"
	logx "herald/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store    storage.Store
	dir      *directory.StoreDirectory
	recorder *directory.Recorder

	adapter  platform.Adapter
	telegram *telegram.Adapter

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Metrics

	// Built in Start; they need the run context.
	rdb    redis.UniversalClient
	tr     transport.Transport
	send   *sender.Worker
	agg    *aggregator.Aggregator
	orch   *orchestrator.Orchestrator
	feed   *statusfeed.Feed
	opsSrv *ops.Server

	sup *rtsup.Supervisor
}

type Option func(*App)

// WithAdapter replaces the configured platform driver.
func WithAdapter(a platform.Adapter) Option { return func(app *App) { app.adapter = a } }

// WithStore uses st instead of opening config.storage. The app closes it on
// Stop.
func WithStore(st storage.Store) Option { return func(app *App) { app.store = st } }

// NewApp loads cfgPath and builds everything that does not need a running
// context.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, opts...)
}

func newApp(cfgm *config.Manager, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfgm: cfgm, cfg: cfg, bus: eventbus.New()}
	for _, o := range opts {
		o(a)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg), nil)
	a.log = a.log.With(logx.String("svc", "herald"))
	if cfgm != nil {
		cfgm.SetLogger(a.log.With(logx.Component("config")))
	}

	if a.store == nil {
		scfg, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.store, err = storage.Open(scfg, a.log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	a.dir = directory.NewStoreDirectory(a.store, 0)
	a.recorder = directory.NewRecorder(a.store)

	if a.adapter == nil {
		if err := a.buildPlatform(cfg); err != nil {
			_ = a.store.Close()
			return nil, err
		}
	}

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.engine = engine.New(ecfg, a.log, a.bus)
	a.sched = scheduler.New(scheduler.Config{}, a.engine, a.log)
	a.metrics = metrics.New(a.log)
	return a, nil
}

func (a *App) buildPlatform(cfg *config.Config) error {
	if cfg.Platform.Driver == "none" {
		a.log.Warn("platform driver is none; messages are discarded")
		a.adapter = platform.NewDiscard(a.log)
		return nil
	}
	pcfg, err := mapPlatformConfig(cfg)
	if err != nil {
		return err
	}
	tg, err := telegram.New(pcfg, a.log, a.recorder)
	if err != nil {
		return err
	}
	a.telegram, a.adapter = tg, tg
	if cfg.Logging.Alert.Enabled {
		a.logs.SetAlertSink(tg.AlertSink(cfg.Logging.Alert.ChatID))
	}
	return nil
}

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfg

	a.engine.Start(run)

	if err := a.buildTransport(run, cfg); err != nil {
		return err
	}
	if err := a.buildPipeline(run, cfg); err != nil {
		return err
	}
	if err := a.consume(run, cfg); err != nil {
		return err
	}
	if err := a.schedule(cfg); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error { a.metrics.Run(c, a.bus); return nil })
	if cfg.StatusFeed.Enabled {
		prod, err := statusfeed.NewProducer(cfg.StatusFeed.Brokers)
		if err != nil {
			return err
		}
		a.feed = statusfeed.New(prod, cfg.StatusFeed.Topic, a.log)
		a.sup.Go("statusfeed", func(c context.Context) error { a.feed.Run(c, a.bus); return nil })
	}

	if a.telegram != nil {
		if err := a.telegram.Start(run); err != nil {
			return err
		}
	}
	a.sched.Start(run)

	if cfg.Ops.Enabled {
		a.opsSrv = ops.New(ops.Config{Addr: cfg.Ops.Addr, Token: cfg.Ops.Token, Pprof: cfg.Ops.Pprof}, ops.Deps{
			Notifications: a.store,
			Control:       control{Orchestrator: a.orch, eng: a.engine},
			Members:       a.recorder,
			Metrics:       a.metrics.Handler(),
			Health:        a.store.Ping,
			Runtime:       a.Runtime,
		}, a.log)
		if err := a.opsSrv.Start(run); err != nil {
			return err
		}
	}

	if err := a.orch.Resume(run, a.engine); err != nil {
		a.log.Warn("resume at start incomplete", logx.Err(err))
	}

	if a.cfgm != nil {
		a.startConfigReload(run)
	}
	a.log.Info("started",
		logx.String("storage", cfg.Storage.Driver),
		logx.String("transport", transportDriver(cfg)),
		logx.Bool("redis", a.rdb != nil),
		logx.Bool("ops", a.opsSrv != nil),
		logx.Bool("statusfeed", a.feed != nil),
	)
	return nil
}

func transportDriver(cfg *config.Config) string {
	if cfg.Transport.Driver == "" {
		return "memory"
	}
	return cfg.Transport.Driver
}

func (a *App) buildTransport(ctx context.Context, cfg *config.Config) error {
	if transportDriver(cfg) == "memory" {
		a.tr = memory.New(ctx, a.engine, a.log, a.bus)
		return nil
	}
	rcfg, err := mapRabbitConfig(cfg)
	if err != nil {
		return err
	}
	tr, err := rabbitmq.New(ctx, rcfg, a.log, a.bus)
	if err != nil {
		return err
	}
	a.tr = tr
	return nil
}

func (a *App) buildPipeline(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Enabled {
		rdb, err := connectRedis(ctx, cfg.Redis, a.log)
		if err != nil {
			return err
		}
		a.rdb = rdb
	}

	var thr throttle.Coordinator = throttle.NewStore(a.store, a.bus)
	if cfg.Throttle.Backend == "redis" {
		rt, err := config.ParseDuration("throttle.read_timeout", cfg.Throttle.ReadTimeout, 500*time.Millisecond)
		if err != nil {
			return err
		}
		thr = throttle.NewRedis(a.rdb, cfg.Throttle.Key, rt, a.bus)
	}
	var locker lock.Locker = lock.NewStoreLocker(a.store)
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(a.rdb, "herald:lock:")
	}

	ocfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return err
	}
	ccfg, err := mapConversationConfig(cfg)
	if err != nil {
		return err
	}
	scfg, err := mapSenderConfig(cfg)
	if err != nil {
		return err
	}
	res := resolver.New(a.dir, a.store, resolver.Config{BatchSize: cfg.Orchestrator.ResolveBatchSize}, a.log)
	ens := conversation.New(a.adapter, a.store, ccfg, a.log).WithThrottle(thr)
	a.send = sender.New(a.adapter, a.store, thr, a.tr, scfg, a.log, a.bus)
	a.agg = aggregator.New(a.store, aggregator.Config{ForceCompleteAfter: ocfg.ForceCompleteAfter}, a.log, a.bus)
	a.orch = orchestrator.New(a.store, res, ens, a.tr, locker, ocfg, a.log, a.bus)
	return nil
}

func (a *App) consume(ctx context.Context, cfg *config.Config) error {
	retry, err := config.ParseDuration("transport.retry_delay", cfg.Transport.RetryDelay, 5*time.Second)
	if err != nil {
		return err
	}
	attempts := cfg.Sender.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	// Throttle requeues count as deliveries; two spare ones keep the last
	// attempt's outcome from being dead-lettered.
	err = a.tr.Consume(ctx, transport.QueueDispatch, transport.ConsumeOptions{
		Concurrency:   cfg.Sender.Workers,
		MaxDeliveries: attempts + 2,
		RetryDelay:    retry,
		DeadLetter:    a.send.DeadLetter,
	}, a.send.Handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", transport.QueueDispatch, err)
	}
	err = a.tr.Consume(ctx, transport.QueueAggregate, transport.ConsumeOptions{
		Concurrency:   cfg.Aggregator.Workers,
		MaxDeliveries: cfg.Transport.MaxDeliveries,
		RetryDelay:    retry,
	}, a.agg.Handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", transport.QueueAggregate, err)
	}
	return nil
}

func (a *App) schedule(cfg *config.Config) error {
	sweep := strings.TrimSpace(cfg.Aggregator.SweepSchedule)
	if sweep == "" {
		sweep = "@every 1m"
	}
	if err := a.sched.AddSchedule("aggregator.sweep", sweep, time.Minute, a.agg.Sweep); err != nil {
		return fmt.Errorf("aggregator.sweep_schedule: %w", err)
	}
	every, err := config.ParseDuration("orchestrator.resume_every", cfg.Orchestrator.ResumeEvery, time.Minute)
	if err != nil {
		return err
	}
	return a.sched.AddSchedule("orchestrator.resume", "@every "+every.String(), 30*time.Second, func(c context.Context) error {
		return a.orch.Resume(c, a.engine)
	})
}

// connectRedis pings with backoff so a broker that starts late does not fail
// the boot outright.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log logx.Logger) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	delay := 500 * time.Millisecond
	var err error
	for i := 1; i <= 5; i++ {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err == nil {
			log.Info("redis connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
			return rdb, nil
		}
		log.Warn("redis ping failed", logx.Int("attempt", i), logx.Duration("sleep", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("redis: %w", err)
}

// startConfigReload watches the config file and applies the sections that
// can change at runtime. Everything else is logged as needing a restart.
func (a *App) startConfigReload(ctx context.Context) {
	a.cfgm.SetCheck(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSenderConfig(cfg)
		return err
	})
	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config.watch", func(c context.Context) error {
		if err := a.cfgm.Watch(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
		return nil
	})
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})
}

// applyConfig applies logging and sender limits. The manager already warned
// about sections that need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	if scfg, err := mapSenderConfig(cfg); err == nil {
		a.send.Apply(scfg)
	}
	a.log.Debug("config applied", logx.Int("sender.rate_per_sec", cfg.Sender.RatePerSec), logx.String("logging.level", cfg.Logging.Level))
}

// Stop tears down in dependency order. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error {
		if a.opsSrv != nil {
			return a.opsSrv.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Orchestration runs stop at a step boundary and resume on next boot.
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("transport", 5*time.Second, func(context.Context) error {
		if a.tr != nil {
			return a.tr.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("statusfeed", 2*time.Second, func(context.Context) error {
		if a.feed != nil {
			return a.feed.Close()
		}
		return nil
	})
	step("platform", 2*time.Second, func(c context.Context) error {
		if a.telegram != nil {
			return a.telegram.Stop(c)
		}
		return nil
	})
	step("redis", time.Second, func(context.Context) error {
		if a.rdb != nil {
			return a.rdb.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
