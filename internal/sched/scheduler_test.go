package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sleepRecorder struct {
	mu    sync.Mutex
	clk   *fakeClock
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	r.clk.advance(d)
	return nil
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock, *sleepRecorder) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &sleepRecorder{clk: clk}
	s := New("boiler-1", NewCooldownTracker(), Options{})
	s.now = clk.now
	s.sleep = rec.sleep
	s.jitter = func(d time.Duration) time.Duration { return d }
	s.cooldown.now = clk.now
	s.cooldown.sleep = rec.sleep
	return s, clk, rec
}

func constOp(v any) Operation {
	return func(context.Context) (any, error) { return v, nil }
}

func TestExecuteSuccessIsCached(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return "payload", nil
	}

	v, err := s.Execute(context.Background(), KindState, op, false)
	if err != nil || v != "payload" {
		t.Fatalf("Execute = %v, %v", v, err)
	}
	if v, err := s.Execute(context.Background(), KindState, op, false); err != nil || v != "payload" {
		t.Fatalf("second Execute = %v, %v", v, err)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1 (second call cached)", calls)
	}

	snap := s.Snapshot()
	st := snap.Calls["state"]
	if st.Success != 1 || st.Cached != 1 || st.Failure != 0 {
		t.Fatalf("stats = %+v, want 1 success / 1 cached", st)
	}
}

func TestExecuteForceRefreshBypassesCache(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}
	v, err := s.Execute(context.Background(), KindState, op, true)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 || v != 2 {
		t.Fatalf("calls = %d, v = %v; want forced second network call", calls, v)
	}
}

func TestExecuteCacheExpiry(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}
	clk.advance(2 * time.Minute)
	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d at t+2m, want 1 (still cached)", calls)
	}
	clk.advance(4 * time.Minute)
	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d at t+6m, want 2 (state TTL is 5m)", calls)
	}
}

func TestExecuteCommandNeverCached(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return "ok", nil
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Execute(context.Background(), KindCommand, op, false); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (commands hit the network every time)", calls)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("slept %v, want no spacing for commands", rec.all())
	}
}

func TestExecuteRetriesOrdinaryFailure(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return "v", nil
	}

	v, err := s.Execute(context.Background(), KindState, op, false)
	if err != nil || v != "v" {
		t.Fatalf("Execute = %v, %v", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// baseDelay(state)=3s: attempt 0 -> 3s, attempt 1 -> 6s.
	want := []time.Duration{3 * time.Second, 6 * time.Second}
	got := rec.all()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("slept %v, want %v", got, want)
	}
	// Success resets the failure run.
	if s.breaker.Failures() != 0 {
		t.Fatalf("breaker failures = %d after success, want 0", s.breaker.Failures())
	}
}

func TestExecuteRetryExhausted(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	boom := errors.New("boom")
	op := func(context.Context) (any, error) { return nil, boom }

	_, err := s.Execute(context.Background(), KindFeatures, op, false)
	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RetryExhaustedError", err)
	}
	// features: 1 retry -> 2 attempts.
	if re.Attempts != 2 || re.Kind != KindFeatures {
		t.Fatalf("RetryExhaustedError = %+v", re)
	}
	if !errors.Is(err, boom) {
		t.Fatal("last error not wrapped")
	}
	if got := s.Snapshot().Calls["features"].Failure; got != 1 {
		t.Fatalf("failure count = %d, want 1", got)
	}
}

func TestExecuteRateLimitedBackoff(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("429 Too Many Requests")
		}
		return "v", nil
	}

	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}

	// First 429: streak=1, no prior rate limit -> 3s<<1 = 6s.
	// Second 429: streak=2, previous one 6s ago (within 120s) -> 3s<<2 * 2 = 24s.
	want := []time.Duration{6 * time.Second, 24 * time.Second}
	got := rec.all()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("slept %v, want %v", got, want)
	}

	// Throttling never advances the breaker.
	if s.breaker.Failures() != 0 || s.breaker.State() != BreakerClosed {
		t.Fatalf("breaker = %v/%d, want closed/0", s.breaker.State(), s.breaker.Failures())
	}

	snap := s.Snapshot()
	st := snap.Calls["state"]
	if st.RateLimited != 2 || st.Success != 1 {
		t.Fatalf("stats = %+v, want 2 rate-limited / 1 success", st)
	}
	// Success cleared the streak.
	if snap.ConsecutiveRateLimits != 0 {
		t.Fatalf("ConsecutiveRateLimits = %d, want 0", snap.ConsecutiveRateLimits)
	}
}

func TestExecuteRetryAfterHintWins(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, RetryAfter(errors.New("throttled"), 42*time.Second)
		}
		return "v", nil
	}

	if _, err := s.Execute(context.Background(), KindState, op, false); err != nil {
		t.Fatal(err)
	}
	got := rec.all()
	if len(got) != 1 || got[0] != 42*time.Second {
		t.Fatalf("slept %v, want [42s]", got)
	}
}

func TestExecuteCircuitOpenFailsFast(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	for i := 0; i < breakerTripThreshold; i++ {
		s.breaker.OnFailure(s.now(), false)
	}

	_, err := s.Execute(context.Background(), KindState, constOp("v"), false)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := s.Snapshot().Calls["state"].Failure; got != 1 {
		t.Fatalf("rejection not counted: failure = %d, want 1", got)
	}
}

func TestExecuteGlobalCooldownBlocks(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)
	s.cooldown.ReportOutcome(OutcomeRateLimited)

	if _, err := s.Execute(context.Background(), KindState, constOp("v"), false); err != nil {
		t.Fatal(err)
	}
	got := rec.all()
	if len(got) == 0 || got[0] != 5*time.Minute {
		t.Fatalf("slept %v, want leading 5m cooldown wait", got)
	}
}

func TestExecuteSpacingBetweenCalls(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	if _, err := s.Execute(context.Background(), KindState, constOp(1), true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background(), KindState, constOp(2), true); err != nil {
		t.Fatal(err)
	}
	got := rec.all()
	if len(got) != 1 || got[0] != callSpacingBase {
		t.Fatalf("slept %v, want [%v] between back-to-back calls", got, callSpacingBase)
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	started := make(chan struct{})
	release := make(chan struct{})
	leaderOp := func(context.Context) (any, error) {
		close(started)
		<-release
		return "shared", nil
	}

	type result struct {
		v   any
		err error
	}
	leaderDone := make(chan result, 1)
	go func() {
		v, err := s.Execute(context.Background(), KindState, leaderOp, false)
		leaderDone <- result{v, err}
	}()
	<-started

	followerDone := make(chan result, 1)
	go func() {
		v, err := s.Execute(context.Background(), KindState, func(context.Context) (any, error) {
			t.Error("follower operation ran; expected join of in-flight call")
			return nil, nil
		}, false)
		followerDone <- result{v, err}
	}()

	// Give the follower a moment to reach the in-flight join.
	time.Sleep(20 * time.Millisecond)
	close(release)

	lr := <-leaderDone
	fr := <-followerDone
	if lr.err != nil || lr.v != "shared" {
		t.Fatalf("leader = %v, %v", lr.v, lr.err)
	}
	if fr.err != nil || fr.v != "shared" {
		t.Fatalf("follower = %v, %v", fr.v, fr.err)
	}
}

func TestResetStats(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	if _, err := s.Execute(context.Background(), KindState, constOp(1), false); err != nil {
		t.Fatal(err)
	}
	s.ResetStats()
	if st := s.Snapshot().Calls["state"]; st != (KindStats{}) {
		t.Fatalf("stats after reset = %+v, want zero", st)
	}
}

func TestSpacingFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		streak int
		want   time.Duration
	}{
		{0, 15 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 120 * time.Second},
		{50, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := spacingFor(tt.streak); got != tt.want {
			t.Fatalf("spacingFor(%d) = %v, want %v", tt.streak, got, tt.want)
		}
	}
}

func TestDefaultJitterBounds(t *testing.T) {
	t.Parallel()
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := defaultJitter(base)
		if d < 9*time.Second || d > 11*time.Second {
			t.Fatalf("jittered delay %v outside +/-10%% of %v", d, base)
		}
	}
	if defaultJitter(0) != 0 {
		t.Fatal("jitter of zero delay must be zero")
	}
}
