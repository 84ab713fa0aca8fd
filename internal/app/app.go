// Package app wires the relay bot together: configuration, logging, storage,
// the action log, relay instances and the operational services around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/actionlog"
	"relaybot/internal/commands"
	"relaybot/internal/config"
	"relaybot/internal/instance"
	"relaybot/internal/maintenance"
	"relaybot/internal/observability/ops"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	adapter "relaybot/internal/transport/telegram/adapter"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm    *config.Manager
	applied *config.Config // what the running components were built from
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	alog   *actionlog.Service
	tgSink *actionlog.TelegramSink

	policy *relay.SharedPolicy
	owners *commands.OwnerSet
	inst   *instance.Manager

	ops   *ops.Server // nil when disabled
	maint *maintenance.Service

	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	factory transport.AdapterFactory
	prober  transport.Prober
	env     func(string) (string, bool)
}

// WithTransport replaces the Telegram adapter factory and credential prober.
func WithTransport(f transport.AdapterFactory, p transport.Prober) Option {
	return func(o *options) { o.factory, o.prober = f, p }
}

// WithEnvLookup replaces os.LookupEnv for config overrides.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.env = fn }
}

// New loads the config at cfgPath and builds every component. Nothing talks
// to Telegram until Start. Storage is opened here, so an unusable store fails
// New.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.env != nil {
		cfgm.SetEnvLookup(o.env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	pol, err := mapRelayPolicy(cfg)
	if err != nil {
		return nil, err
	}
	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, stCfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", stCfg.Driver))

	var sinks []actionlog.Sink
	tgSink := actionlog.NewTelegramSink(cfg.ActionLog.ChatID, 0)
	if tgSink != nil {
		sinks = append(sinks, tgSink)
	}
	if ks := actionlog.NewKafkaSink(cfg.ActionLog.Kafka.Brokers, cfg.ActionLog.Kafka.Topic); ks != nil {
		sinks = append(sinks, ks)
	}

	if o.factory == nil {
		o.factory = adapter.Factory(adCfg, root.With(logx.String("comp", "telegram")))
	}
	if o.prober == nil {
		o.prober = adapter.Prober{APITimeout: adCfg.APITimeout}
	}

	a := &App{
		cfgm:    cfgm,
		applied: cfg,
		log:     log,
		logs:    logSvc,
		store:   store,
		alog:    actionlog.New(store, root, actionlog.Options{QueueSize: cfg.ActionLog.QueueSize}, sinks...),
		tgSink:  tgSink,
		policy:  relay.NewSharedPolicy(pol),
		owners:  commands.NewOwnerSet(cfg.Telegram.OwnerUserIDs),
		maint:   maintenance.New(mcfg, store, root),
	}
	a.inst = instance.NewManager(instance.Config{
		PrimaryToken: cfg.Telegram.Token,
		Store:        store,
		Factory:      o.factory,
		Prober:       o.prober,
		Wire:         a.wire,
		Menu:         commands.Menu(),
		Logger:       root,
	})
	if cfg.Ops.Enabled {
		a.ops = ops.New(mapOpsConfig(cfg), a.health, root)
	}
	return a, nil
}

// wire builds the command processor and router of one instance. Clones treat
// the user who registered them as an additional owner.
func (a *App) wire(h *instance.Handle) *relay.Dispatcher {
	var registrant int64
	if !h.Primary() {
		registrant = h.Owner()
	}
	proc := commands.NewProcessor(commands.Config{
		Store:      a.store,
		Client:     h.Client(),
		Self:       h.Identity(),
		Owners:     a.owners,
		Instances:  a.inst,
		Recorder:   a.alog,
		Policy:     a.policy,
		Registrant: registrant,
		Logger:     h.Logger(),
	})
	router := relay.NewRouter(relay.RouterConfig{
		Store:    a.store,
		Client:   h.Client(),
		Recorder: a.alog,
		Policy:   a.policy,
		Self:     h.Identity(),
		Logger:   h.Logger(),
	})
	return relay.NewDispatcher(h.Identity().Username, router, proc, h.Logger())
}

type healthState struct {
	Running   bool            `json:"running"`
	Instances []instance.Info `json:"instances"`
	Tasks     rtsup.Counters  `json:"tasks"`
}

func (a *App) health() (any, bool) {
	st := healthState{Instances: a.inst.Infos()}
	if a.sup != nil {
		st.Running = a.sup.Context().Err() == nil
		st.Tasks = a.sup.Counters()
	}
	return st, st.Running && len(st.Instances) > 0
}

// Healthy reports whether the app is running with at least one instance.
func (a *App) Healthy() bool {
	_, ok := a.health()
	return ok
}

// Logger returns the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Instances exposes the instance manager for operational tooling and tests.
func (a *App) Instances() *instance.Manager { return a.inst }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapAdapterConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRelayPolicy(cfg); err != nil {
			return err
		}
		_, err := mapMaintenanceConfig(cfg)
		return err
	})

	if err := a.inst.Bootstrap(run); err != nil {
		return err
	}
	if hs := a.inst.Handles(); len(hs) > 0 && hs[0].Primary() {
		primary := hs[0].Client()
		a.logs.SetSender(primary)
		if a.tgSink != nil {
			a.tgSink.Bind(primary)
		}
	}

	a.alog.Start(run)
	if a.ops != nil {
		if err := a.ops.Start(run); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}
	if err := a.maint.Start(run); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	// Diff against the config the components were built from, never Get.
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.applied
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("instances", len(a.inst.Handles())))
	return nil
}

// latest drains sub so bursts of reloads are applied once.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig applies the hot-reloadable sections: logging, owners and the
// relay policy. Everything else is reported and waits for a restart.
func (a *App) applyConfig(old, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	a.owners.Set(cfg.Telegram.OwnerUserIDs)
	if pol, err := mapRelayPolicy(cfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.policy.Set(pol)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down. Ingress stops first so in-flight messages finish
// before the action log and storage close. Every step is bounded and a step
// that overruns is logged and left behind. Stop is idempotent.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("name", name))
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

	step("instances", 5*time.Second, a.inst.StopAll)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	if a.ops != nil {
		step("ops", 2*time.Second, a.ops.Stop)
	}
	if a.sup != nil {
		a.sup.Cancel()
	}
	step("actionlog", 3*time.Second, a.alog.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
}
