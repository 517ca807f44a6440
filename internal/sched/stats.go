package sched

import "sync"

// KindStats counts call outcomes for one kind.
type KindStats struct {
	Success     uint64 `json:"success"`
	Failure     uint64 `json:"failure"`
	Cached      uint64 `json:"cached"`
	RateLimited uint64 `json:"rate_limited"`
}

// stats accumulates per-kind outcome counters. Every path out of a call
// increments exactly one of success/failure plus, independently, the
// rate-limited counter for each 429 seen along the way.
type stats struct {
	mu      sync.Mutex
	perKind [kindCount]KindStats
}

func (s *stats) success(k Kind)     { s.mu.Lock(); s.perKind[k].Success++; s.mu.Unlock() }
func (s *stats) failure(k Kind)     { s.mu.Lock(); s.perKind[k].Failure++; s.mu.Unlock() }
func (s *stats) cached(k Kind)      { s.mu.Lock(); s.perKind[k].Cached++; s.mu.Unlock() }
func (s *stats) rateLimited(k Kind) { s.mu.Lock(); s.perKind[k].RateLimited++; s.mu.Unlock() }

func (s *stats) reset() {
	s.mu.Lock()
	s.perKind = [kindCount]KindStats{}
	s.mu.Unlock()
}

func (s *stats) snapshot() map[Kind]KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]KindStats, kindCount)
	for i := range s.perKind {
		out[Kind(i)] = s.perKind[i]
	}
	return out
}
