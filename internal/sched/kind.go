package sched

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of remote call. It is the cache key and the key
// into every per-kind policy table (TTL, retry budget, base delay).
type Kind int

const (
	// KindState refreshes the live appliance state.
	KindState Kind = iota
	// KindErrors fetches the appliance error log.
	KindErrors
	// KindMetering fetches energy metering data.
	KindMetering
	// KindFeatures discovers supported appliance features.
	KindFeatures
	// KindCommand executes a user-triggered command. Never cached; a human
	// is waiting on the result.
	KindCommand

	kindCount // sentinel, keep last
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindErrors:
		return "errors"
	case KindMetering:
		return "metering"
	case KindFeatures:
		return "features"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Cacheable reports whether successful results of this kind are cached.
func (k Kind) Cacheable() bool { return k != KindCommand }

// Kinds returns all known kinds in declaration order.
func Kinds() []Kind {
	ks := make([]Kind, 0, int(kindCount))
	for k := Kind(0); k < kindCount; k++ {
		ks = append(ks, k)
	}
	return ks
}

// ParseKind maps a config string (e.g. "state", "metering") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "state":
		return KindState, nil
	case "errors":
		return KindErrors, nil
	case "metering":
		return KindMetering, nil
	case "features":
		return KindFeatures, nil
	case "command":
		return KindCommand, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// Policy holds the per-kind tuning constants.
//
// State changes fast and is cheap to refetch; feature discovery barely ever
// changes; user commands get the most retries and the fastest initial retry.
type Policy struct {
	TTL        time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

var kindPolicies = [kindCount]Policy{
	KindState:    {TTL: 5 * time.Minute, MaxRetries: 3, BaseDelay: 3 * time.Second},
	KindErrors:   {TTL: 30 * time.Minute, MaxRetries: 2, BaseDelay: 5 * time.Second},
	KindMetering: {TTL: time.Hour, MaxRetries: 2, BaseDelay: 5 * time.Second},
	KindFeatures: {TTL: 6 * time.Hour, MaxRetries: 1, BaseDelay: 8 * time.Second},
	KindCommand:  {TTL: 0, MaxRetries: 5, BaseDelay: time.Second},
}

// PolicyFor returns the tuning constants for a kind. Unknown kinds fall back
// to the errors profile (conservative middle ground).
func PolicyFor(k Kind) Policy {
	if k >= 0 && k < kindCount {
		return kindPolicies[k]
	}
	return kindPolicies[KindErrors]
}
