package sched

import (
	"context"
	"testing"
	"time"
)

func TestCooldownEscalation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, 60 * time.Minute},
		{10, 60 * time.Minute},
		{0, 0},
	}
	for _, tt := range tests {
		if got := cooldownFor(tt.consecutive); got != tt.want {
			t.Fatalf("cooldownFor(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}

func TestCooldownReportAndClear(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewCooldownTracker()
	tr.now = func() time.Time { return now }

	tr.ReportOutcome(OutcomeRateLimited)
	tr.ReportOutcome(OutcomeRateLimited)
	snap := tr.Snapshot()
	if snap.ConsecutiveRateLimits != 2 {
		t.Fatalf("ConsecutiveRateLimits = %d, want 2", snap.ConsecutiveRateLimits)
	}
	if want := now.Add(10 * time.Minute); !snap.PausedUntil.Equal(want) {
		t.Fatalf("PausedUntil = %v, want %v", snap.PausedUntil, want)
	}

	// Plain failure leaves the streak and the pause untouched.
	tr.ReportOutcome(OutcomeFailure)
	if got := tr.Snapshot().ConsecutiveRateLimits; got != 2 {
		t.Fatalf("ConsecutiveRateLimits after failure = %d, want 2", got)
	}

	// First success clears everything.
	tr.ReportOutcome(OutcomeSuccess)
	snap = tr.Snapshot()
	if snap.ConsecutiveRateLimits != 0 || !snap.PausedUntil.IsZero() || snap.Remaining != 0 {
		t.Fatalf("snapshot after success = %+v, want cleared", snap)
	}
}

func TestCooldownAwaitClearance(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewCooldownTracker()
	tr.now = func() time.Time { return now }

	var slept []time.Duration
	tr.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	// No pause: returns immediately.
	if err := tr.AwaitClearance(context.Background()); err != nil {
		t.Fatalf("AwaitClearance error: %v", err)
	}
	if len(slept) != 0 {
		t.Fatalf("slept %v with no pause active", slept)
	}

	tr.ReportOutcome(OutcomeRateLimited)
	if err := tr.AwaitClearance(context.Background()); err != nil {
		t.Fatalf("AwaitClearance error: %v", err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Minute {
		t.Fatalf("slept %v, want one 5m sleep", slept)
	}
}

func TestCooldownAwaitClearanceCancelled(t *testing.T) {
	t.Parallel()
	tr := NewCooldownTracker()
	tr.ReportOutcome(OutcomeRateLimited)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.AwaitClearance(ctx); err != context.Canceled {
		t.Fatalf("AwaitClearance = %v, want context.Canceled", err)
	}
}
