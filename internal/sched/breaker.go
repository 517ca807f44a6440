package sched

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	breakerTripThreshold = 5
	breakerRecovery      = 2 * time.Minute
)

// Breaker trips after a run of consecutive genuine failures and lets a
// single probe through once the recovery window has elapsed. Rate-limit
// rejections refresh the failure timestamp but never move the counter or
// the state: throttling is the remote pacing us, not the remote being down.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	trip     int
	recovery time.Duration
}

func NewBreaker() *Breaker {
	return &Breaker{
		trip:     breakerTripThreshold,
		recovery: breakerRecovery,
	}
}

// Allow reports whether a call may proceed at the given instant. An open
// breaker whose recovery window has elapsed transitions to half-open and
// admits the call as a probe.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if now.Sub(b.lastFailure) >= b.recovery {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess resets the breaker to closed and clears the failure run.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// OnFailure records a failed attempt. rateLimited failures only refresh
// lastFailure; genuine failures advance the counter, re-open a half-open
// breaker immediately, and trip a closed one at the threshold.
func (b *Breaker) OnFailure(now time.Time, rateLimited bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = now
	if rateLimited {
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.trip {
		b.state = BreakerOpen
	}
}

// State returns the current state without affecting it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive genuine-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
