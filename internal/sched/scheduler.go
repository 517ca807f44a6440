package sched

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"thermobridge/internal/eventbus"
	"thermobridge/pkg/logx"
)

const (
	// callSpacingBase is the minimum gap between non-command calls of the
	// same kind; it widens while a rate-limit streak is active.
	callSpacingBase  = 15 * time.Second
	spacingMaxFactor = 8

	// backoffCap bounds every computed retry delay.
	backoffCap = 600 * time.Second

	// rateLimitDoubleWindow doubles the throttle backoff when the previous
	// 429 was seen this recently.
	rateLimitDoubleWindow = 120 * time.Second
	maxRateLimitShift     = 6

	jitterFraction = 0.10
)

// Operation is one remote call supplied by the transport layer. It must
// honor ctx and return either a payload or an error; timeouts belong to
// the transport.
type Operation func(ctx context.Context) (any, error)

// CallEvent is the bus payload for call lifecycle events.
type CallEvent struct {
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
	Error    string `json:"error,omitempty"`
}

// Scheduler paces every remote call for one endpoint: global cooldown
// clearance, circuit breaking, per-kind caching, inter-call spacing, and
// retry with backoff. All methods are safe for concurrent use; concurrent
// requests for the same kind share one in-flight call instead of hitting
// the network twice.
type Scheduler struct {
	endpoint string
	log      logx.Logger
	bus      eventbus.Bus
	cooldown *CooldownTracker
	classify Classifier

	mu            sync.Mutex
	cache         *Cache
	limiters      [kindCount]*rate.Limiter
	consec429     [kindCount]int
	lastRateLimit time.Time
	inflight      map[Kind]*inflightCall

	breaker *Breaker
	stats   stats

	// Injection points for tests; defaulted in New.
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration
}

type inflightCall struct {
	done    chan struct{}
	payload any
	err     error
}

// Options carries the optional collaborators for a Scheduler.
type Options struct {
	Logger     logx.Logger
	Bus        eventbus.Bus
	Classifier Classifier
}

// New builds a Scheduler for one endpoint. The cooldown tracker is shared
// across schedulers when several endpoints sit behind the same account; a
// nil tracker gets a private one.
func New(endpoint string, cooldown *CooldownTracker, opts Options) *Scheduler {
	if cooldown == nil {
		cooldown = NewCooldownTracker()
	}
	cl := opts.Classifier
	if cl == nil {
		cl = TextClassifier{}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		endpoint: endpoint,
		log:      log.With(logx.String("endpoint", endpoint)),
		bus:      opts.Bus,
		cooldown: cooldown,
		classify: cl,
		cache:    NewCache(),
		inflight: make(map[Kind]*inflightCall),
		breaker:  NewBreaker(),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   defaultJitter,
	}
	for k := Kind(0); k < kindCount; k++ {
		s.limiters[k] = rate.NewLimiter(rate.Every(callSpacingBase), 1)
	}
	return s
}

// Endpoint returns the endpoint name this scheduler paces.
func (s *Scheduler) Endpoint() string { return s.endpoint }

// Execute runs op under the full pacing pipeline and returns its payload.
// Every invocation either returns a value or an error; nothing is dropped.
//
// Order: global cooldown clearance, breaker admission (ErrCircuitOpen on
// refusal), cache lookup unless forceRefresh or a command, join of any
// in-flight call for the same kind, inter-call spacing, then the retry
// engine. Successful payloads are cached for cacheable kinds.
func (s *Scheduler) Execute(ctx context.Context, kind Kind, op Operation, forceRefresh bool) (any, error) {
	if err := s.cooldown.AwaitClearance(ctx); err != nil {
		s.stats.failure(kind)
		return nil, err
	}

	if !s.breaker.Allow(s.now()) {
		s.stats.failure(kind)
		s.log.Debug("call rejected by circuit breaker", logx.String("kind", kind.String()))
		s.publish("call.rejected", kind, ErrCircuitOpen)
		return nil, ErrCircuitOpen
	}

	s.mu.Lock()
	if kind.Cacheable() && !forceRefresh {
		if v, ok := s.cache.Get(kind, s.now()); ok {
			s.mu.Unlock()
			s.stats.cached(kind)
			return v, nil
		}
	}
	if fc := s.inflight[kind]; fc != nil {
		s.mu.Unlock()
		return s.join(ctx, kind, fc)
	}
	fc := &inflightCall{done: make(chan struct{})}
	if kind.Cacheable() {
		s.inflight[kind] = fc
	}
	s.mu.Unlock()

	payload, err := s.lead(ctx, kind, op)

	s.mu.Lock()
	if err == nil && kind.Cacheable() {
		s.cache.Put(kind, payload, s.now())
	}
	if kind.Cacheable() {
		delete(s.inflight, kind)
	}
	s.mu.Unlock()

	fc.payload, fc.err = payload, err
	close(fc.done)

	if err != nil {
		s.stats.failure(kind)
		s.publish("call.failed", kind, err)
		return nil, err
	}
	s.stats.success(kind)
	s.publish("call.success", kind, nil)
	return payload, nil
}

// lead performs the network-facing half of Execute for the goroutine that
// owns the in-flight slot.
func (s *Scheduler) lead(ctx context.Context, kind Kind, op Operation) (any, error) {
	// Commands skip spacing: a human is waiting.
	if kind != KindCommand {
		if err := s.waitSpacing(ctx, kind); err != nil {
			return nil, err
		}
	}
	return s.runWithRetry(ctx, kind, op)
}

// join waits on a call already in flight for the same kind and adopts its
// result. The follower's outcome is counted separately from the leader's.
func (s *Scheduler) join(ctx context.Context, kind Kind, fc *inflightCall) (any, error) {
	select {
	case <-ctx.Done():
		s.stats.failure(kind)
		return nil, ctx.Err()
	case <-fc.done:
	}
	if fc.err != nil {
		s.stats.failure(kind)
		return nil, fc.err
	}
	s.stats.cached(kind)
	return fc.payload, nil
}

func (s *Scheduler) waitSpacing(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	r := s.limiters[kind].ReserveN(s.now(), 1)
	d := r.DelayFrom(s.now())
	s.mu.Unlock()

	if d <= 0 {
		return nil
	}
	if err := s.sleep(ctx, d); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// runWithRetry drives op through its per-kind retry budget. It reports
// every attempt's outcome to the breaker and the cooldown tracker; the
// caller never sees a partial state.
func (s *Scheduler) runWithRetry(ctx context.Context, kind Kind, op Operation) (any, error) {
	pol := PolicyFor(kind)
	attempts := pol.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		payload, err := op(ctx)
		if err == nil {
			s.breaker.OnSuccess()
			s.cooldown.ReportOutcome(OutcomeSuccess)
			s.clearRateLimitStreak(kind)
			return payload, nil
		}
		lastErr = err

		var delay time.Duration
		if cl := s.classify.Classify(err); cl.RateLimited {
			delay = s.noteRateLimited(kind, cl)
			s.stats.rateLimited(kind)
			s.breaker.OnFailure(s.now(), true)
			s.cooldown.ReportOutcome(OutcomeRateLimited)
			s.log.Warn("rate limited by remote",
				logx.String("kind", kind.String()),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err))
		} else {
			s.clearRateLimitStreak(kind)
			s.breaker.OnFailure(s.now(), false)
			s.cooldown.ReportOutcome(OutcomeFailure)
			delay = s.jitter(backoffFor(pol.BaseDelay, attempt))
			s.log.Debug("call attempt failed",
				logx.String("kind", kind.String()),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err))
		}

		if attempt == attempts-1 {
			break
		}
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, &RetryExhaustedError{Kind: kind, Attempts: attempts, Last: lastErr}
}

// noteRateLimited advances the per-kind 429 streak, widens that kind's
// call spacing, and returns the delay before the next attempt. An
// explicit retry-after hint wins over the computed backoff.
func (s *Scheduler) noteRateLimited(kind Kind, cl Classification) time.Duration {
	now := s.now()

	s.mu.Lock()
	recent := !s.lastRateLimit.IsZero() && now.Sub(s.lastRateLimit) <= rateLimitDoubleWindow
	s.lastRateLimit = now
	s.consec429[kind]++
	streak := s.consec429[kind]
	s.limiters[kind].SetLimit(rate.Every(spacingFor(streak)))
	s.mu.Unlock()

	if cl.HasRetryAfter {
		d := cl.RetryAfter
		if d > backoffCap {
			d = backoffCap
		}
		return d
	}

	shift := streak
	if shift > maxRateLimitShift {
		shift = maxRateLimitShift
	}
	d := PolicyFor(kind).BaseDelay << shift
	if recent {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (s *Scheduler) clearRateLimitStreak(kind Kind) {
	s.mu.Lock()
	if s.consec429[kind] != 0 {
		s.consec429[kind] = 0
		s.limiters[kind].SetLimit(rate.Every(callSpacingBase))
	}
	s.mu.Unlock()
}

// Invalidate drops the cached payload for one kind.
func (s *Scheduler) Invalidate(kind Kind) {
	s.mu.Lock()
	s.cache.Invalidate(kind)
	s.mu.Unlock()
}

// InvalidateAll drops every cached payload.
func (s *Scheduler) InvalidateAll() {
	s.mu.Lock()
	s.cache.InvalidateAll()
	s.mu.Unlock()
}

// ResetStats zeroes the per-kind call counters.
func (s *Scheduler) ResetStats() { s.stats.reset() }

// SchedulerSnapshot describes one scheduler at a point in time.
type SchedulerSnapshot struct {
	Endpoint              string               `json:"endpoint"`
	TotalCalls            uint64               `json:"total_calls"`
	BreakerState          string               `json:"breaker_state"`
	BreakerFailures       int                  `json:"breaker_failures"`
	ConsecutiveRateLimits int                  `json:"consecutive_rate_limits"`
	LastRateLimit         time.Time            `json:"last_rate_limit,omitzero"`
	CachedEntries         int                  `json:"cached_entries"`
	Calls                 map[string]KindStats `json:"calls"`
	Cooldown              CooldownSnapshot     `json:"cooldown"`
}

// Snapshot reports the scheduler's current pacing state and counters. The
// streak shown is the widest per-kind 429 run currently active.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	streak := 0
	for _, n := range s.consec429 {
		if n > streak {
			streak = n
		}
	}
	cached := s.cache.Len()
	lastRL := s.lastRateLimit
	s.mu.Unlock()

	var total uint64
	calls := make(map[string]KindStats, kindCount)
	for k, st := range s.stats.snapshot() {
		calls[k.String()] = st
		total += st.Success + st.Failure + st.Cached
	}
	return SchedulerSnapshot{
		Endpoint:              s.endpoint,
		TotalCalls:            total,
		BreakerState:          s.breaker.State().String(),
		BreakerFailures:       s.breaker.Failures(),
		ConsecutiveRateLimits: streak,
		LastRateLimit:         lastRL,
		CachedEntries:         cached,
		Calls:                 calls,
		Cooldown:              s.cooldown.Snapshot(),
	}
}

func (s *Scheduler) publish(typ string, kind Kind, err error) {
	if s.bus == nil {
		return
	}
	ev := CallEvent{Endpoint: s.endpoint, Kind: kind.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// spacingFor returns the inter-call gap during a 429 streak of the given
// length: base doubled per rejection, capped at 8x.
func spacingFor(streak int) time.Duration {
	if streak <= 0 {
		return callSpacingBase
	}
	factor := 1 << streak
	if streak > 3 || factor > spacingMaxFactor {
		factor = spacingMaxFactor
	}
	return callSpacingBase * time.Duration(factor)
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base << attempt
	if d > backoffCap || d < 0 {
		d = backoffCap
	}
	return d
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 1 + jitterFraction*(2*rand.Float64()-1)
	nd := time.Duration(float64(d) * f)
	if nd < 0 {
		nd = 0
	}
	return nd
}
