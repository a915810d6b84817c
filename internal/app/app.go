// Package app wires the timeline, its transports and the ambient services
// into one process and applies config reloads to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"signboard/internal/config"
	"signboard/internal/eventbus"
	"signboard/internal/housekeeping"
	"signboard/internal/mutation"
	"signboard/internal/runtime/supervisor"
	"signboard/internal/schedule"
	"signboard/internal/storage"
	"signboard/internal/transition"
	"signboard/internal/transport/httpapi"
	"signboard/internal/transport/rpc"
	"signboard/internal/viewer"
	logx "signboard/pkg/logx"
	"signboard/pkg/systemd"
)

const (
	jobRecheck = "timeline.recheck"
	jobCompact = "storage.compact"
)

type Option func(*options)

type options struct {
	environ map[string]string
	logOut  io.Writer
}

// WithEnviron replaces the process environment for SIGNBOARD_* overrides.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// WithLogOutput sends console logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *schedule.Store
	persist storage.Store

	muts  *mutation.Service
	hub   *viewer.Hub
	sched *transition.Scheduler
	house *housekeeping.Service
	rpc   *rpc.Server
	http  *httpapi.Server
	sd    *systemd.Notifier

	futureItems atomic.Int64
	startedAt   time.Time
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{logOut: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}
	tl, _ := mapTimelineConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)

	logSvc, log := logx.NewWithOutput(mapLogConfig(cfg), o.logOut)
	log = log.With(logx.String("comp", "app"))

	store, persist, err := OpenTimeline(context.Background(), cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if persist != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver), logx.Int("entries", store.Len()))
	}

	bus := eventbus.New()
	catalog := buildCatalog(cfg)

	mopts := []mutation.Option{mutation.WithLogger(log), mutation.WithBus(bus)}
	if persist != nil {
		mopts = append(mopts, mutation.WithPersister(persist))
	}
	muts := mutation.New(store, catalog, mopts...)

	hub := viewer.NewHub(store, viewer.WithLogger(log))
	sched := transition.New(store, hub,
		transition.WithLogger(log),
		transition.WithBus(bus),
		transition.WithConfig(tl.scheduler),
	)
	store.OnChange(sched.Notify)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		persist: persist,
		muts:    muts,
		hub:     hub,
		sched:   sched,
		house:   housekeeping.New(housekeeping.WithLogger(log), housekeeping.WithBus(bus)),
		sd:      &systemd.Notifier{Log: log.With(logx.String("comp", "systemd"))},
	}
	a.futureItems.Store(int64(tl.futureItems))

	mounts := map[string]http.Handler{}
	a.rpc = rpc.New(rpc.Deps{
		Mutations:   muts,
		Store:       store,
		Hub:         hub,
		Log:         log,
		FutureItems: a.FutureItems,
	}, mapRPCConfig(cfg))
	if cfg.RPC.Enabled {
		mounts[rpcPath(cfg)] = a.rpc
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Mutations:   muts,
		Store:       store,
		Catalog:     catalog,
		Log:         log,
		FutureItems: a.FutureItems,
		Health:      a.healthDoc,
		Recent:      logSvc.Recent(),
		Mounts:      mounts,
		Pprof:       cfg.HTTP.Pprof,
	})
	a.http = httpapi.NewServer(httpCfg, router, log)
	return a, nil
}

// FutureItems is the configured default page of upcoming entries.
func (a *App) FutureItems() int { return int(a.futureItems.Load()) }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

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
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMappings(cfg)
	})

	a.sup.GoRestart("timeline", a.sched.Run,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		supervisor.WithMaxRestarts(10),
		supervisor.WithBeforeRestart(a.repairTimeline),
	)

	cfg := a.cfgm.Get()
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	if err := a.house.Start(a.sup.Context()); err != nil {
		return err
	}

	changes, unsub := a.bus.Subscribe(128, "schedule.")
	a.sup.Go("rpc.forward", func(c context.Context) error {
		defer unsub()
		return a.rpc.Forward(c, changes)
	})

	events, unsubAll := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubAll()
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

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

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
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, a.healthy)
	})
	a.sd.Ready()
	a.sd.Status("serving %d entries on %s", a.store.Len(), a.http.Addr())

	a.log.Info("app started",
		logx.String("addr", a.http.Addr()),
		logx.Int("entries", a.store.Len()),
		logx.Bool("rpc", cfg.RPC.Enabled),
	)
	return nil
}

// repairTimeline runs before the timeline loop restarts. An inconsistent
// index is rebuilt from the id map; other failures restart as is.
func (a *App) repairTimeline(err error) error {
	if !errors.Is(err, schedule.ErrResolutionInconsistency) {
		return nil
	}
	a.log.Warn("rebuilding timeline index", logx.Err(err))
	a.store.Rebuild()
	return a.store.Check()
}

func (a *App) registerJobs(cfg *config.Config) error {
	tl, err := mapTimelineConfig(cfg)
	if err != nil {
		return err
	}
	err = a.house.AddInterval(jobRecheck, tl.safetyNet, 5*time.Second, func(context.Context) error {
		a.sched.Recheck()
		return nil
	})
	if err != nil {
		return err
	}
	if a.persist == nil {
		return nil
	}
	every, err := mapCompactEvery(cfg)
	if err != nil {
		return err
	}
	return a.house.AddInterval(jobCompact, every, time.Minute, a.persist.Compact)
}

// applyConfig hot-applies the sections that support it.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	changed, restart, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if tl, err := mapTimelineConfig(newCfg); err != nil {
		a.log.Warn("invalid timeline config; keeping previous", logx.Err(err))
	} else {
		a.sched.SetConfig(tl.scheduler)
		a.futureItems.Store(int64(tl.futureItems))
	}
	a.rpc.SetConfig(mapRPCConfig(newCfg))
	if err := a.registerJobs(newCfg); err != nil {
		a.log.Warn("housekeeping reschedule failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health is the /healthz document.
type Health struct {
	Status         string                 `json:"status"`
	Uptime         string                 `json:"uptime"`
	Entries        int                    `json:"entries"`
	Revision       uint64                 `json:"revision"`
	Storage        string                 `json:"storage"`
	Viewers        int                    `json:"viewers"`
	RPCSessions    int                    `json:"rpcSessions"`
	LastTransition *transition.Event      `json:"lastTransition,omitempty"`
	EventsDropped  uint64                 `json:"eventsDropped"`
	Timeline       transition.Status      `json:"timeline"`
	Housekeeping   housekeeping.Snapshot  `json:"housekeeping"`
	Tasks          []supervisor.TaskStats `json:"tasks"`
	Error          string                 `json:"error,omitempty"`
}

func (a *App) Health() Health {
	h := Health{
		Status:       "ok",
		Entries:      a.store.Len(),
		Revision:     a.store.Revision(),
		Storage:      "memory",
		Viewers:      a.hub.Count(),
		RPCSessions:  a.rpc.Sessions(),
		Timeline:     a.sched.Status(),
		Housekeeping: a.house.Snapshot(),
	}
	if ev, ok := a.hub.Last(); ok {
		h.LastTransition = &ev
	}
	if d, ok := a.bus.(eventbus.Dropper); ok {
		h.EventsDropped = d.Dropped()
	}
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Storage != nil && a.persist != nil {
		h.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	}
	if a.sup != nil {
		h.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
		snap := a.sup.Snapshot()
		h.Tasks = snap.Tasks
		h.Error = snap.FirstError
	}
	if !a.healthy() {
		h.Status = "degraded"
	}
	return h
}

func (a *App) healthDoc() (any, bool) {
	h := a.Health()
	return h, h.Status == "ok"
}

func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	return a.sched.Status().Running
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what New opened.
		if a.persist != nil {
			_ = a.persist.Close()
		}
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.sup.Cancel()

	// step runs one shutdown step bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	cfg := a.cfgm.Get()
	// Websocket sessions are hijacked, so the HTTP shutdown does not wait for them.
	step("rpc", 2*time.Second, a.rpc.Close)
	step("http", mapShutdownTimeout(cfg), a.http.Stop)
	step("housekeeping", 2*time.Second, a.house.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.persist == nil {
			return nil
		}
		if err := a.house.RunNow(c, jobCompact); err != nil {
			a.log.Warn("final compaction failed", logx.Err(err))
		}
		return a.persist.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
