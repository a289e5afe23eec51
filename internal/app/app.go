package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ajnotify/internal/eventbus"
	"ajnotify/internal/ns"
	"ajnotify/internal/observability/debugsrv"
	"ajnotify/internal/payload"
	"ajnotify/internal/schedule"
	"ajnotify/internal/service"
	"ajnotify/internal/sink/telegram"
	"ajnotify/internal/storage"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport"
	logx "ajnotify/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log    logx.Logger
	logs   *logx.Service
	events eventbus.Bus
	store  storage.Store

	bus    attachment
	tasks  *taskmgr.Manager
	svc    *service.Service
	sender *service.Sender
	sched  *schedule.Service
	relay  *telegram.Relay
	debug  *debugsrv.Service

	mu       sync.Mutex // guards sched after Start
	stopOnce sync.Once
}

// New loads and validates the config, opens logging and storage. The bus is
// dialed by Start.
func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		events:  eventbus.New(),
		store:   store,
	}, nil
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

// Service exposes the notification service once started.
func (a *App) Service() *service.Service { return a.svc }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	root := a.logs.Logger()

	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(root.With(logx.String("comp", "config")))

	att, err := dialBus(a.sup.Context(), cfg, root)
	if err != nil {
		return err
	}
	a.bus = att
	a.log.Info("bus attached", logx.String("driver", cfg.BusDriver()), logx.String("name", att.UniqueName()))

	a.tasks = taskmgr.New(mapTasksConfig(cfg), root)
	a.tasks.Start(a.sup.Context())

	props, err := mapProps(cfg)
	if err != nil {
		return err
	}
	env := transport.Env{
		Bus:    att,
		Tasks:  a.tasks,
		Events: a.events,
		Codec:  payload.New(root),
		Log:    root,
	}
	a.svc = service.New(env, props, a.store, mapServiceOptions(cfg)...)

	if cfg.Producer.Enabled {
		if a.sender, err = a.svc.StartSender(a.sup.Context()); err != nil {
			return fmt.Errorf("start sender: %w", err)
		}
		if err := att.announce(ns.NotificationInterface, ns.ProducerInterface); err != nil {
			a.log.Warn("about announcement failed", logx.Err(err))
		}
	}

	if tc, ok, err := mapTelegramConfig(cfg); err != nil {
		return err
	} else if ok {
		if a.relay, err = telegram.New(tc, root); err != nil {
			return err
		}
		a.relay.Start(a.sup.Context())
	}

	if cfg.Consumer.Enabled {
		var sinks []service.Receiver
		if a.relay != nil {
			sinks = append(sinks, a.relay)
		}
		recv := newFanout(root, sinks...)
		if err := a.svc.StartReceiver(a.sup.Context(), recv, service.ReceiverOptions{
			SearchSuperAgent: cfg.Consumer.SearchSuperAgent,
		}); err != nil {
			return fmt.Errorf("start receiver: %w", err)
		}
	}

	if err := a.startSchedules(cfg); err != nil {
		return err
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.events.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.debug = debugsrv.New(mapDebugConfig(cfg), a.status, root)
	a.debug.Start(a.sup.Context())

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			watchdogLoop(c, a.log, interval)
		})
	}
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started",
		logx.Bool("producer", cfg.Producer.Enabled),
		logx.Bool("consumer", cfg.Consumer.Enabled),
		logx.Int("schedules", len(cfg.Schedules)),
		logx.Bool("telegram", a.relay != nil),
	)
	return nil
}

func (a *App) startSchedules(cfg *Config) error {
	if len(cfg.Schedules) == 0 {
		return nil
	}
	if a.sender == nil {
		a.log.Warn("schedules configured but producer is disabled; ignoring", logx.Int("schedules", len(cfg.Schedules)))
		return nil
	}
	entries, err := schedule.EntriesFromConfig(cfg.Schedules)
	if err != nil {
		return err
	}
	sched := schedule.New(a.sender, a.logs.Logger())
	if err := sched.Apply(entries); err != nil {
		return err
	}
	sched.Start(a.sup.Context())
	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *Config) {
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
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the live-reloadable sections: logging and schedules. Other
// sections only take effect after a restart.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	if a.debug != nil {
		a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg))
	}

	if a.sched != nil {
		entries, err := schedule.EntriesFromConfig(newCfg.Schedules)
		if err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(entries); err != nil {
			a.log.Warn("schedules rejected; keeping previous", logx.Err(err))
		}
	} else if len(newCfg.Schedules) > 0 && a.sender != nil {
		if err := a.startSchedules(newCfg); err != nil {
			a.log.Warn("failed to start schedules", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	var stopErr error
	a.stopOnce.Do(func() { stopErr = a.stop(ctx, reason) })
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
				return
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
				logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop producing first, then the receiving side, then the plumbing underneath.
	step("schedule", 2*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	step("service", 3*time.Second, func(c context.Context) error {
		if a.svc == nil {
			return nil
		}
		if err := a.svc.Shutdown(c); err != nil && !errors.Is(err, ns.ErrNotStarted) {
			return err
		}
		return nil
	})
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.relay != nil {
			return a.relay.Stop(c)
		}
		return nil
	})
	step("debug", 1*time.Second, func(c context.Context) error {
		if a.debug != nil {
			a.debug.Stop(c)
		}
		return nil
	})
	step("tasks", 2*time.Second, func(c context.Context) error {
		if a.tasks != nil {
			a.tasks.Stop(c)
		}
		return nil
	})
	step("bus", 1*time.Second, func(c context.Context) error {
		if a.bus.close != nil {
			return a.bus.close()
		}
		return nil
	})

	a.sup.Cancel()
	step("storage", 1*time.Second, func(c context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
