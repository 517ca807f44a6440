package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"thermobridge/pkg/logx"
)

func newTestCoordinator(t *testing.T, ops map[Kind]Operation) (*Coordinator, *fakeClock) {
	t.Helper()
	s, clk, _ := newTestScheduler(t)
	c := NewCoordinator("group-main", s, 5*time.Minute, ops, logx.Nop(), nil)
	c.now = clk.now
	return c, clk
}

func TestRunCyclePartialSuccess(t *testing.T) {
	t.Parallel()
	boom := errors.New("metering endpoint down")
	c, _ := newTestCoordinator(t, map[Kind]Operation{
		KindState:    constOp("state"),
		KindErrors:   constOp("errors"),
		KindMetering: func(context.Context) (any, error) { return nil, boom },
	})

	report, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v (partial success must not fail the cycle)", err)
	}
	if len(report.Succeeded) != 2 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v, want 2 succeeded / 1 failed", report)
	}

	if r, ok := c.Result(KindState); !ok || r.Err != nil || r.Payload != "state" {
		t.Fatalf("Result(state) = %+v, %v", r, ok)
	}
	r, ok := c.Result(KindMetering)
	if !ok || r.Err == nil {
		t.Fatalf("Result(metering) = %+v, %v; want recorded failure", r, ok)
	}
	if !errors.Is(r.Err, boom) {
		t.Fatalf("Result(metering).Err = %v, want wrapped %v", r.Err, boom)
	}
	if !c.Available() {
		t.Fatal("coordinator unavailable after a successful cycle")
	}
}

func TestRunCycleAllFail(t *testing.T) {
	t.Parallel()
	fail := func(context.Context) (any, error) { return nil, errors.New("down") }
	c, _ := newTestCoordinator(t, map[Kind]Operation{
		KindState:  fail,
		KindErrors: fail,
	})

	_, err := c.RunCycle(context.Background())
	var bf *BatchFailedError
	if !errors.As(err, &bf) {
		t.Fatalf("err = %v, want BatchFailedError", err)
	}
	if len(bf.Errs) != 2 || bf.Coordinator != "group-main" {
		t.Fatalf("BatchFailedError = %+v", bf)
	}
	if c.ConsecutiveFailures() != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", c.ConsecutiveFailures())
	}
	if c.Available() {
		t.Fatal("coordinator available with no successful cycle")
	}
}

func TestRunCycleOverlapSkipped(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	c, _ := newTestCoordinator(t, map[Kind]Operation{
		KindState: func(context.Context) (any, error) {
			close(started)
			<-release
			return "v", nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		done <- err
	}()
	<-started

	report, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("overlapping RunCycle error: %v", err)
	}
	if !report.Skipped {
		t.Fatal("overlapping cycle was not skipped")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle error: %v", err)
	}
}

func TestAvailabilityStaleness(t *testing.T) {
	t.Parallel()
	c, clk := newTestCoordinator(t, map[Kind]Operation{KindState: constOp("v")})

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Available() {
		t.Fatal("unavailable right after success")
	}
	// Interval is 5m; data goes stale past 2x.
	clk.advance(9 * time.Minute)
	if !c.Available() {
		t.Fatal("unavailable inside the 2x interval window")
	}
	clk.advance(2 * time.Minute)
	if c.Available() {
		t.Fatal("available with stale data")
	}
}

func TestAvailabilityFailureLimit(t *testing.T) {
	t.Parallel()
	healthy := true
	c, _ := newTestCoordinator(t, map[Kind]Operation{
		KindState: func(context.Context) (any, error) {
			if healthy {
				return "v", nil
			}
			return nil, errors.New("down")
		},
	})

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	healthy = false
	for i := 0; i < availabilityFailureLimit; i++ {
		if _, err := c.RunCycle(context.Background()); err == nil {
			t.Fatal("expected failing cycle")
		}
	}
	if c.Available() {
		t.Fatalf("available after %d consecutive failed cycles", availabilityFailureLimit)
	}
}

func TestForceUpdateRefetches(t *testing.T) {
	t.Parallel()
	calls := 0
	c, _ := newTestCoordinator(t, map[Kind]Operation{
		KindState: func(context.Context) (any, error) {
			calls++
			return calls, nil
		},
	})

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.ForceUpdate(context.Background()) {
		t.Fatal("ForceUpdate reported no data")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (force update bypasses cache)", calls)
	}
	if r, _ := c.Result(KindState); r.Payload != 2 {
		t.Fatalf("Result payload = %v, want refreshed value 2", r.Payload)
	}
}
