package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nudge/internal/capture"
	"nudge/internal/config"
	"nudge/internal/debounce"
	"nudge/internal/dispatch"
	"nudge/internal/eventbus"
	"nudge/internal/maintenance"
	"nudge/internal/metrics"
	"nudge/internal/observability/debug"
	"nudge/internal/registry"
	"nudge/internal/sdnotify"
	"nudge/internal/storage"
	"nudge/internal/transport/udp"
	logx "nudge/pkg/logx"
)

var errNotServing = errors.New("relay not serving")

// Options tune NewApp.
type Options struct {
	// Overlay runs after env overrides on every config parse. The CLI uses
	// it for flags so they survive hot reloads.
	Overlay func(*Config)
	// Getenv replaces os.Getenv.
	Getenv func(string) string
}

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	instance  string
	startedAt time.Time

	metrics *metrics.Metrics
	reg     *registry.Registry
	coal    *debounce.Coalescer
	rec     *capture.Writer
	engine  *dispatch.Engine
	maint   *maintenance.Service
	debug   *debug.Service
	sd      *sdnotify.Notifier

	mu   sync.Mutex
	conn *udp.Conn

	stopped atomic.Bool
}

// NewApp loads configuration and builds every component. Nothing is bound
// or started until Start.
func NewApp(cfgPath string, opt Options) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	if opt.Getenv != nil {
		cfgm.SetEnv(opt.Getenv)
	}
	if opt.Overlay != nil {
		cfgm.SetOverlay(opt.Overlay)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))

	a := &App{
		cfgm:     cfgm,
		root:     root,
		log:      root.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		instance: uuid.NewString(),
		metrics:  metrics.New(),
	}

	// Storage (optional)
	if sc, enabled := mapStorageConfig(cfg, res); enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.reg = registry.New(registry.Config{
		Shards: cfg.Registry.Shards,
		TTLMin: res.TTLMin,
		TTLMax: res.TTLMax,
	}, registry.WithOnExpired(a.onExpired))

	a.coal = debounce.New(debounce.Config{
		Window:    res.DebounceWindow,
		Retention: cfg.Debounce.Retention,
	})

	// Capture (optional); the session id ties capture events to this instance.
	if cfg.Capture.Enabled {
		path := cfg.Capture.Path
		if path == "" {
			path = config.DefaultCapture
		}
		w, err := capture.NewWriter(path, a.instance)
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, fmt.Errorf("open capture: %w", err)
		}
		a.rec = w
		a.log.Info("capture enabled", logx.String("path", path), logx.String("session", w.Session()))
	}

	a.maint = maintenance.New(root.With(logx.String("comp", "maintenance")), cfg.Maintenance.Timezone)
	a.debug = debug.New(mapDebugConfig(cfg, res), root.With(logx.String("comp", "debug")), a.Status, a.Health)
	a.sd = sdnotify.New(cfg.Systemd.Notify, cfg.Systemd.Watchdog, root.With(logx.String("comp", "systemd")))

	return a, nil
}

// Instance is the random id of this process, stamped on audit and stats rows.
func (a *App) Instance() string { return a.instance }

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

// Addr returns the bound relay address, or the zero value before Start.
func (a *App) Addr() netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return netip.AddrPort{}
	}
	return a.conn.LocalAddr()
}

// Start binds the socket and launches the engine and background services.
// A bind failure is returned and nothing keeps running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))

	conn, err := udp.Listen(a.sup.Context(), mapListenConfig(cfg))
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.startedAt = time.Now()

	opts := dispatch.Options{
		Metrics: a.metrics,
		Log:     a.root.With(logx.String("comp", "dispatch")),
		Bus:     a.bus,
	}
	if a.rec != nil {
		opts.Recorder = a.rec
	}
	a.engine = dispatch.New(conn, a.reg, a.coal, mapDispatchConfig(cfg), opts)
	// The engine drains on Stop, so it must outlive the app context.
	a.engine.Start(context.WithoutCancel(a.sup.Context()))

	if err := a.registerJobs(cfg); err != nil {
		a.sup.Cancel()
		_ = a.engine.Stop(context.Background())
		return err
	}
	a.maint.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.audit", func(c context.Context) {
		a.auditLoop(c, events, unsub)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, func() bool { return a.Health() == nil })
	})

	addr := conn.LocalAddr()
	a.sd.Ready("serving on " + addr.String())
	a.log.Info("relay started",
		logx.String("addr", addr.String()),
		logx.String("instance", a.instance),
		logx.Bool("storage", a.store != nil),
		logx.Bool("capture", a.rec != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Reads stop first; queued datagrams still route and fan out before the socket closes.
	a.step(ctx, "dispatch", 3*time.Second, func(c context.Context) error {
		if a.engine != nil {
			return a.engine.Stop(c)
		}
		return nil
	})
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	// Wait for supervised goroutines (audit writer, config watch/reload) before
	// closing the sinks they write to.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "capture", time.Second, func(context.Context) error {
		if a.rec != nil {
			return a.rec.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })

	snap := a.metrics.Snapshot()
	a.log.Info("stopped",
		logx.Int64("received", snap.Received),
		logx.Int64("fanout_sent", snap.FanoutSent),
		logx.Int64("fanout_dropped", snap.FanoutDropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
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
			var cancel context.CancelFunc
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
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// onExpired runs outside registry locks for every subscription the sweep drops.
func (a *App) onExpired(r registry.Removal) {
	a.metrics.Swept.Add(1)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSubscriptionExpired,
		Time: r.Expiry,
		Data: eventbus.SubscriptionEvent{
			Channel:  r.Channel,
			Endpoint: r.Endpoint.String(),
			Reason:   "ttl",
			At:       r.Expiry,
		},
	})
}
