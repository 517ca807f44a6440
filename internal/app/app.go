// Package app wires the daemon together: config, logging, the per-endpoint
// fleets, and the diagnostics server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"thermobridge/internal/config"
	"thermobridge/internal/device"
	"thermobridge/internal/eventbus"
	"thermobridge/internal/fleet"
	"thermobridge/internal/obs"
	"thermobridge/internal/runtime/supervisor"
	"thermobridge/internal/sched"
	"thermobridge/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	cooldown *sched.CooldownTracker
	fleets   []*fleet.Manager
	obs      *obs.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      eventbus.New(),
		cooldown: sched.NewCooldownTracker(),
	}

	for _, ep := range cfg.Endpoints {
		fm, err := a.buildFleet(ep)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		a.fleets = append(a.fleets, fm)
	}

	obsCfg, err := obsConfig(cfg.Obs)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.obs = obs.New(obsCfg, a.snapshot, log)

	return a, nil
}

func (a *App) buildFleet(ep config.EndpointConfig) (*fleet.Manager, error) {
	timeout, err := config.ParseDurationOrDefault(
		fmt.Sprintf("endpoints[%s].timeout", ep.Name), ep.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := device.NewClient(ep.BaseURL, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("endpoints[%s]: %w", ep.Name, err)
	}

	fm := fleet.New(ep.Name, a.cooldown, a.log, a.bus)
	for _, g := range ep.Groups {
		interval, err := config.ParseDurationField(
			fmt.Sprintf("endpoints[%s].groups[%s].interval", ep.Name, g.Name), g.Interval)
		if err != nil {
			return nil, err
		}
		ops := make(map[sched.Kind]sched.Operation, len(g.Kinds))
		for _, ks := range g.Kinds {
			k, err := sched.ParseKind(ks)
			if err != nil {
				return nil, fmt.Errorf("endpoints[%s].groups[%s]: %w", ep.Name, g.Name, err)
			}
			ops[k] = client.Operation(ep.Paths[ks])
		}
		if _, err := fm.AddCoordinator(g.Name, interval, ops); err != nil {
			return nil, err
		}
	}
	return fm, nil
}

func obsConfig(c config.ObsConfig) (obs.Config, error) {
	rt, err := config.ParseDurationField("obs.read_timeout", c.ReadTimeout)
	if err != nil {
		return obs.Config{}, err
	}
	wt, err := config.ParseDurationField("obs.write_timeout", c.WriteTimeout)
	if err != nil {
		return obs.Config{}, err
	}
	it, err := config.ParseDurationField("obs.idle_timeout", c.IdleTimeout)
	if err != nil {
		return obs.Config{}, err
	}
	return obs.Config{
		Enabled:      c.Enabled,
		Addr:         c.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

// Start launches the fleets, the config watcher, and the diagnostics
// server. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	for _, fm := range a.fleets {
		if err := fm.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.watchReloads)
	a.sup.Go0("events.log", a.logEvents)

	a.obs.Start(a.sup.Context())

	a.log.Info("started", logx.Int("fleets", len(a.fleets)))
	return nil
}

// watchReloads applies hot-reloadable settings (logging) from committed
// config updates. Endpoint topology changes require a restart.
func (a *App) watchReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// logEvents drains the bus so call and cycle lifecycle events show up in
// the debug log.
func (a *App) logEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			log.Debug(ev.Type, logx.Any("data", ev.Data))
		}
	}
}

// Stop shuts everything down in reverse order and waits for termination.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	for _, fm := range a.fleets {
		if err := fm.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.obs != nil {
		a.obs.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return firstErr
}

// ForceRefreshAll invalidates every cache and refreshes all fleets now.
func (a *App) ForceRefreshAll(ctx context.Context) bool {
	refreshed := false
	for _, fm := range a.fleets {
		if fm.ForceRefreshAll(ctx) {
			refreshed = true
		}
	}
	return refreshed
}

type statsPayload struct {
	Fleets   []fleet.FleetSnapshot  `json:"fleets"`
	Cooldown sched.CooldownSnapshot `json:"cooldown"`
}

func (a *App) snapshot() any {
	p := statsPayload{Cooldown: a.cooldown.Snapshot()}
	for _, fm := range a.fleets {
		p.Fleets = append(p.Fleets, fm.Snapshot())
	}
	return p
}
