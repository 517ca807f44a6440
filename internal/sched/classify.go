package sched

import (
	"errors"
	"strings"
	"time"
)

// Classification is the retry engine's verdict about one failed attempt.
type Classification struct {
	RateLimited bool

	// RetryAfter is an explicit delay hint (valid only when HasRetryAfter).
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// Classifier decides whether a provider error is upstream throttling.
//
// The default implementation matches on message text because the remote
// service surfaces throttling as free-form error strings. A structured-error
// transport can plug in its own classifier and bypass text matching entirely.
type Classifier interface {
	Classify(err error) Classification
}

// TextClassifier infers a rate-limit condition from an error's message.
//
// Matches: "429", "Too Many Requests", "Requests are blocked", and the
// case-insensitive substring "rate limit". An attached RetryAfterError hint
// always marks the error as throttling, regardless of message content.
type TextClassifier struct{}

func (TextClassifier) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var cl Classification
	var ra RetryAfterError
	if errors.As(err, &ra) {
		cl.RateLimited = true
		cl.RetryAfter = ra.RetryAfter()
		cl.HasRetryAfter = true
		return cl
	}

	msg := err.Error()
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "Too Many Requests") ||
		strings.Contains(msg, "Requests are blocked") ||
		strings.Contains(strings.ToLower(msg), "rate limit") {
		cl.RateLimited = true
	}
	return cl
}
