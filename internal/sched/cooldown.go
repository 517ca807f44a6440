package sched

import (
	"context"
	"sync"
	"time"
)

// Outcome classifies a finished remote call for the cooldown tracker.
type Outcome int

const (
	// OutcomeSuccess clears the rate-limit streak and any active pause.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited extends the streak and escalates the pause.
	OutcomeRateLimited
	// OutcomeFailure is a genuine failure; it leaves the streak untouched.
	OutcomeFailure
)

const (
	cooldownBase = 5 * time.Minute
	cooldownMax  = 60 * time.Minute
)

// CooldownTracker imposes a process-wide pause after repeated rate-limit
// rejections. The pause doubles with each consecutive rejection, 5 minutes
// up to a 60 minute ceiling, and clears entirely on the first success.
// One tracker is shared by every scheduler talking to the same account.
type CooldownTracker struct {
	mu          sync.Mutex
	consecutive int
	pausedUntil time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// AwaitClearance blocks until any active pause has elapsed or ctx is done.
// The pause end is re-read after each sleep: a rejection reported by a
// concurrent caller while we waited extends our wait too.
func (t *CooldownTracker) AwaitClearance(ctx context.Context) error {
	for {
		t.mu.Lock()
		wait := t.pausedUntil.Sub(t.now())
		t.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// ReportOutcome records the result of a finished call.
func (t *CooldownTracker) ReportOutcome(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch o {
	case OutcomeSuccess:
		t.consecutive = 0
		t.pausedUntil = time.Time{}
	case OutcomeRateLimited:
		t.consecutive++
		t.pausedUntil = t.now().Add(cooldownFor(t.consecutive))
	case OutcomeFailure:
		// A plain failure neither clears nor extends the pause.
	}
}

// CooldownSnapshot describes the tracker at a point in time.
type CooldownSnapshot struct {
	ConsecutiveRateLimits int           `json:"consecutive_rate_limits"`
	PausedUntil           time.Time     `json:"paused_until,omitzero"`
	Remaining             time.Duration `json:"remaining"`
}

func (t *CooldownTracker) Snapshot() CooldownSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := CooldownSnapshot{
		ConsecutiveRateLimits: t.consecutive,
		PausedUntil:           t.pausedUntil,
	}
	if rem := t.pausedUntil.Sub(t.now()); rem > 0 {
		s.Remaining = rem
	}
	return s
}

// cooldownFor returns the pause for the nth consecutive rejection:
// base * 2^(n-1), capped.
func cooldownFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	shift := n - 1
	if shift > 6 {
		shift = 6
	}
	d := cooldownBase << shift
	if d > cooldownMax {
		d = cooldownMax
	}
	return d
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
