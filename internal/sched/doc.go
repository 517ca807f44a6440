// Package sched paces remote calls against a rate-limited cloud service.
//
// The pipeline for one call: global cooldown clearance, circuit breaker
// admission, per-kind TTL cache, inter-call spacing, then retry with
// exponential backoff. Rate-limit rejections (HTTP 429) are treated as
// supply-side throttling, not failures: they escalate spacing and the
// process-wide cooldown but never trip the breaker.
//
// Coordinators group kinds into fixed-interval refresh cycles with partial
// success: one kind failing never blocks the others.
package sched
