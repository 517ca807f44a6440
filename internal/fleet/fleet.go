// Package fleet runs the refresh loops for one endpoint: a single call
// scheduler shared by every coordinator registered against it, each
// coordinator ticking on its own fixed interval.
package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"thermobridge/internal/eventbus"
	"thermobridge/internal/runtime/supervisor"
	"thermobridge/internal/sched"
	"thermobridge/pkg/logx"
)

// cycleFailureCooldown is the pause after a fully failed cycle before the
// loop is allowed to run again.
const cycleFailureCooldown = 30 * time.Second

var errAlreadyStarted = errors.New("fleet: already started")

// Manager owns the call scheduler for one endpoint and drives its
// coordinators. Start launches one independent loop per coordinator;
// Stop halts the cadence and waits for in-flight cycles to settle.
type Manager struct {
	endpoint string
	log      logx.Logger
	bus      eventbus.Bus
	sched    *sched.Scheduler

	mu            sync.Mutex
	coords        []*sched.Coordinator
	cooldownUntil map[string]time.Time
	started       bool

	cr  *cron.Cron
	sup *supervisor.Supervisor

	now func() time.Time
}

// New builds a Manager for one endpoint. The cooldown tracker is shared
// across managers when multiple endpoints belong to one account.
func New(endpoint string, cooldown *sched.CooldownTracker, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		endpoint: endpoint,
		log:      log.With(logx.String("endpoint", endpoint)),
		bus:      bus,
		sched: sched.New(endpoint, cooldown, sched.Options{
			Logger: log,
			Bus:    bus,
		}),
		cooldownUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Scheduler exposes the endpoint's call scheduler for direct (command)
// calls outside the coordinator cadence.
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

// AddCoordinator registers a refresh group. Must be called before Start.
func (m *Manager) AddCoordinator(name string, interval time.Duration, ops map[sched.Kind]sched.Operation) (*sched.Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, errAlreadyStarted
	}
	c := sched.NewCoordinator(name, m.sched, interval, ops, m.log, m.bus)
	m.coords = append(m.coords, c)
	return c, nil
}

// Start launches the refresh loops. Every coordinator gets an immediate
// first cycle followed by ticks on its own interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errAlreadyStarted
	}
	m.started = true

	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.cr = cron.New()

	sup := m.sup
	for _, c := range m.coords {
		c := c
		m.cr.Schedule(cron.Every(c.Interval()), cron.FuncJob(func() {
			m.tick(sup.Context(), c)
		}))
		sup.Go0("fleet."+c.Name()+".initial", func(ctx context.Context) {
			m.tick(ctx, c)
		})
	}
	m.cr.Start()

	m.log.Info("fleet started", logx.Int("coordinators", len(m.coords)))
	return nil
}

// tick runs one cycle for c unless the loop is cooling down after a fully
// failed cycle or the manager is stopping.
func (m *Manager) tick(ctx context.Context, c *sched.Coordinator) {
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	until, cooling := m.cooldownUntil[c.Name()]
	now := m.now()
	if cooling && now.Before(until) {
		m.mu.Unlock()
		m.log.Debug("skipping tick during failure cooldown",
			logx.String("coordinator", c.Name()),
			logx.Time("until", until))
		return
	}
	delete(m.cooldownUntil, c.Name())
	m.mu.Unlock()

	if _, err := c.RunCycle(ctx); err != nil {
		m.mu.Lock()
		m.cooldownUntil[c.Name()] = m.now().Add(cycleFailureCooldown)
		m.mu.Unlock()
		m.log.Warn("refresh cycle failed, cooling down",
			logx.String("coordinator", c.Name()),
			logx.Duration("cooldown", cycleFailureCooldown),
			logx.Err(err))
	}
}

// Stop halts the cadence, cancels outstanding cycles, and waits for every
// loop to terminate. No scheduler call is issued after Stop returns.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cr, sup := m.cr, m.sup
	m.started = false
	m.cr, m.sup = nil, nil
	m.mu.Unlock()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			return err
		}
	}
	m.log.Info("fleet stopped")
	return nil
}

// ForceRefreshAll invalidates every cached payload and runs one immediate
// cycle per coordinator, concurrently. Reports whether any coordinator
// produced data.
func (m *Manager) ForceRefreshAll(ctx context.Context) bool {
	m.mu.Lock()
	coords := make([]*sched.Coordinator, len(m.coords))
	copy(coords, m.coords)
	m.mu.Unlock()

	m.sched.InvalidateAll()

	results := make([]bool, len(coords))
	var wg sync.WaitGroup
	for i, c := range coords {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.ForceUpdate(ctx)
		}()
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}

// CoordinatorStatus is one coordinator's health in a fleet snapshot.
type CoordinatorStatus struct {
	Name                string        `json:"name"`
	Interval            time.Duration `json:"interval"`
	Available           bool          `json:"available"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// FleetSnapshot describes a manager and its scheduler at a point in time.
type FleetSnapshot struct {
	Endpoint     string                  `json:"endpoint"`
	Scheduler    sched.SchedulerSnapshot `json:"scheduler"`
	Coordinators []CoordinatorStatus     `json:"coordinators"`
}

func (m *Manager) Snapshot() FleetSnapshot {
	m.mu.Lock()
	coords := make([]*sched.Coordinator, len(m.coords))
	copy(coords, m.coords)
	m.mu.Unlock()

	snap := FleetSnapshot{
		Endpoint:  m.endpoint,
		Scheduler: m.sched.Snapshot(),
	}
	for _, c := range coords {
		snap.Coordinators = append(snap.Coordinators, CoordinatorStatus{
			Name:                c.Name(),
			Interval:            c.Interval(),
			Available:           c.Available(),
			LastSuccess:         c.LastSuccess(),
			ConsecutiveFailures: c.ConsecutiveFailures(),
		})
	}
	return snap
}
