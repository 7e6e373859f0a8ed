package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildbot/internal/adapters/telegram"
	"guildbot/internal/admin"
	"guildbot/internal/config"
	"guildbot/internal/extension"
	"guildbot/internal/platform"
	"guildbot/internal/store"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

// App owns the full runtime: config manager, log service, store,
// tenant config cache, platform client, extension registry, and the
// admin server. Construct with NewApp, drive with Start/Stop.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	client  platform.Client
	adapter *telegram.Adapter // nil in dev mode

	st      store.Store
	configs *tenant.Cache
	reg     *extension.Registry
	admin   *admin.Server
	pprof   *pprofServer
}

// NewApp wires the runtime from the config file. The extensions become
// the registry catalog; nothing is loaded until Start.
func NewApp(cfgPath string, exts ...extension.Extension) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	// Platform client first: the log service relays through it.
	var (
		client  platform.Client
		adapter *telegram.Adapter
	)
	if cfg.Telegram.Enabled {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		adapter, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		client = adapter
	} else {
		client = platform.NewStatic()
	}

	logSvc, log := logx.New(logxConfig(cfg), client)
	log = log.With(logx.String("comp", "app"))

	var st store.Store
	if cfg.Store != nil {
		busyTimeout, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err = store.Open(store.Config{
			Driver:      cfg.Store.Driver,
			Path:        cfg.Store.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
	}

	cacheOpts, err := cacheOptions(cfg)
	if err != nil {
		return nil, err
	}
	configs, err := tenant.NewCache(st, cacheOpts, log.With(logx.String("comp", "configs")))
	if err != nil {
		return nil, err
	}

	reg := extension.NewRegistry(client, configs, log.With(logx.String("comp", "extensions")))
	reg.Register(exts...)
	reg.SetDisabled(cfg.Extensions.Disabled)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		client:  client,
		adapter: adapter,
		st:      st,
		configs: configs,
		reg:     reg,
	}
	if cfg.Admin.Enabled {
		a.admin = admin.NewServer(reg, configs, cfg.Admin, log.With(logx.String("comp", "admin")))
	}
	a.pprof = newPprofServer(log)
	return a, nil
}

func (a *App) Extensions() *extension.Registry { return a.reg }
func (a *App) Configs() *tenant.Cache          { return a.configs }
func (a *App) Client() platform.Client         { return a.client }

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
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.reg.BindContext(a.sup.Context())

	if a.st != nil {
		ectx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		err := a.st.EnsureCollection(ectx)
		cancel()
		if err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	if a.adapter != nil {
		// New chats spawn their loop tasks without waiting for the
		// reconciliation tick.
		a.adapter.OnTenantJoin(a.reg.RegisterTenantTasks)
		a.sup.Go("telegram.poll", a.adapter.Run)
	}
	a.reg.MarkReady()
	a.pprof.Apply(a.sup.Context(), a.cfgm.Get().Pprof)

	a.autoload()

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logging.
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("configs.reset", func(c context.Context) error {
		return a.configs.ResetLoop(c)
	})
	if a.admin != nil {
		a.sup.Go("admin.http", func(c context.Context) error {
			return a.admin.Run(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// autoload loads the configured startup set, or the whole catalog when
// none is named. Failures are logged, not fatal: one broken extension
// must not take down the runtime.
func (a *App) autoload() {
	cfg := a.cfgm.Get()
	names := cfg.Extensions.Autoload
	if len(names) == 0 {
		for _, info := range a.reg.StatusAll() {
			if info.Status != extension.StatusDisabled {
				names = append(names, info.Name)
			}
		}
	}
	for _, name := range names {
		if res := a.reg.Load(name); !res.OK {
			a.log.Warn("autoload failed", logx.String("extension", name),
				logx.String("detail", res.Message))
		}
	}
}

// applyReload pushes one committed config into the live components:
// log sinks, the registry deny-list, and the change summary log line.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	a.logs.Apply(logxConfig(newCfg))
	a.reg.SetDisabled(newCfg.Extensions.Disabled)
	a.pprof.Apply(context.Background(), newCfg.Pprof)

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) > 0 {
		a.log.Info("config reloaded",
			append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
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

	// Extensions first: their loop tasks read through the cache and store.
	step("extensions", 6*time.Second, func(context.Context) error { a.reg.Close(); return nil })

	// Wait for supervised goroutines (adapter poll, config watch/reload, admin).
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("configs", time.Second, func(context.Context) error { a.configs.Close(); return nil })
	if a.st != nil {
		step("store", time.Second, func(context.Context) error { return a.st.Close() })
	}
	step("logs", time.Second, func(context.Context) error { return a.logs.Close() })

	a.log.Info("stopped")
	return nil
}

// ---- config mapping ----

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChannelID:  cfg.Logging.Chat.ChannelID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func cacheOptions(cfg *config.Config) (tenant.Options, error) {
	ttl, err := config.ParseDurationField("cache.ttl", cfg.Cache.TTL)
	if err != nil {
		return tenant.Options{}, err
	}
	reset, err := config.ParseDurationField("cache.reset_interval", cfg.Cache.ResetInterval)
	if err != nil {
		return tenant.Options{}, err
	}
	slow, err := config.ParseDurationField("cache.slow_warn", cfg.Cache.SlowWarn)
	if err != nil {
		return tenant.Options{}, err
	}
	return tenant.Options{
		DefaultPrefix:     cfg.Cache.DefaultPrefix,
		TTL:               ttl,
		ResetInterval:     reset,
		SlowWarnThreshold: slow,
		MaxEntries:        cfg.Cache.MaxEntries,
	}, nil
}
