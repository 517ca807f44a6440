package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"thermobridge/internal/eventbus"
	"thermobridge/pkg/logx"
)

// availabilityFailureLimit marks a coordinator unavailable after this many
// consecutive failed cycles even when stale data is still within the
// staleness window.
const availabilityFailureLimit = 5

// CycleResult is the latest outcome for one kind within a coordinator.
type CycleResult struct {
	Payload any
	Err     error
	At      time.Time
}

// CycleReport summarizes one finished (or skipped) refresh cycle.
type CycleReport struct {
	Skipped   bool
	Succeeded []Kind
	Failed    []Kind
}

// Coordinator refreshes a fixed group of kinds against one scheduler on a
// shared cadence. A cycle fans out one call per kind, waits for all of
// them, and is successful when at least one kind succeeded. Overlapping
// cycles are skipped, not queued.
type Coordinator struct {
	name     string
	sched    *Scheduler
	interval time.Duration
	ops      map[Kind]Operation
	log      logx.Logger
	bus      eventbus.Bus

	mu             sync.Mutex
	running        bool
	results        map[Kind]CycleResult
	lastSuccess    time.Time
	consecFailures int

	now func() time.Time
}

// NewCoordinator builds a coordinator over sched for the given kinds. ops
// maps each kind to the transport operation that fetches it.
func NewCoordinator(name string, sched *Scheduler, interval time.Duration, ops map[Kind]Operation, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		name:     name,
		sched:    sched,
		interval: interval,
		ops:      ops,
		log:      log.With(logx.String("coordinator", name)),
		bus:      bus,
		results:  make(map[Kind]CycleResult),
		now:      time.Now,
	}
}

func (c *Coordinator) Name() string            { return c.name }
func (c *Coordinator) Interval() time.Duration { return c.interval }

// Kinds returns the kinds this coordinator refreshes, in declaration order.
func (c *Coordinator) Kinds() []Kind {
	ks := make([]Kind, 0, len(c.ops))
	for k := Kind(0); k < kindCount; k++ {
		if _, ok := c.ops[k]; ok {
			ks = append(ks, k)
		}
	}
	return ks
}

// RunCycle refreshes every configured kind concurrently and records the
// per-kind results. A kind's failure never cancels its siblings; partial
// data beats no data. Returns BatchFailedError only when every kind failed.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.log.Debug("cycle already in progress, skipping")
		c.publish("cycle.skipped", nil)
		return CycleReport{Skipped: true}, nil
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	kinds := c.Kinds()
	payloads := make([]any, len(kinds))
	errs := make([]error, len(kinds))

	var wg sync.WaitGroup
	for i, k := range kinds {
		i, k := i, k
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic in %s operation: %v\n%s", k, r, debug.Stack())
				}
			}()
			payloads[i], errs[i] = c.sched.Execute(ctx, k, c.ops[k], false)
		}()
	}
	wg.Wait()

	now := c.now()
	report := CycleReport{}
	failures := make(map[Kind]error)

	c.mu.Lock()
	for i, k := range kinds {
		c.results[k] = CycleResult{Payload: payloads[i], Err: errs[i], At: now}
		if errs[i] != nil {
			report.Failed = append(report.Failed, k)
			failures[k] = errs[i]
		} else {
			report.Succeeded = append(report.Succeeded, k)
		}
	}
	ok := len(report.Succeeded) > 0
	if ok {
		c.lastSuccess = now
		c.consecFailures = 0
	} else {
		c.consecFailures++
	}
	c.mu.Unlock()

	if !ok {
		err := &BatchFailedError{Coordinator: c.name, Errs: failures}
		c.log.Warn("refresh cycle failed for every kind",
			logx.Int("kinds", len(kinds)),
			logx.Err(err))
		c.publish("cycle.failed", err)
		return report, err
	}
	if len(report.Failed) > 0 {
		c.log.Debug("refresh cycle partially succeeded",
			logx.Int("succeeded", len(report.Succeeded)),
			logx.Int("failed", len(report.Failed)))
	}
	c.publish("cycle.completed", nil)
	return report, nil
}

// Result returns the latest cycle's outcome for one kind.
func (c *Coordinator) Result(kind Kind) (CycleResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[kind]
	return r, ok
}

// Available reports whether the coordinator's data is usable: the last
// successful cycle is within twice the refresh interval and the failure
// run has not hit the availability limit.
func (c *Coordinator) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSuccess.IsZero() {
		return false
	}
	if c.consecFailures >= availabilityFailureLimit {
		return false
	}
	return c.now().Sub(c.lastSuccess) <= 2*c.interval
}

// ConsecutiveFailures returns the current run of fully failed cycles.
func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecFailures
}

// LastSuccess returns when a cycle last produced at least one payload.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// ForceUpdate drops this coordinator's cached kinds and runs a cycle
// immediately, outside the regular cadence. Reports whether the cycle
// produced any data.
func (c *Coordinator) ForceUpdate(ctx context.Context) bool {
	for _, k := range c.Kinds() {
		c.sched.Invalidate(k)
	}
	report, err := c.RunCycle(ctx)
	return err == nil && !report.Skipped
}

func (c *Coordinator) publish(typ string, err error) {
	if c.bus == nil {
		return
	}
	ev := CycleEvent{Coordinator: c.name, Endpoint: c.sched.Endpoint()}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// CycleEvent is the bus payload for cycle lifecycle events.
type CycleEvent struct {
	Coordinator string `json:"coordinator"`
	Endpoint    string `json:"endpoint"`
	Error       string `json:"error,omitempty"`
}
