package controller

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicyKind tags the RetryPolicy sum type.
type RetryPolicyKind int

const (
	RetryExponentialBackoff RetryPolicyKind = iota
	RetryFixedDelay
	RetryNone
)

// RetryPolicy is one of ExponentialBackoff{base,max_attempts,cap},
// FixedDelay{d,max_attempts}, or NoRetry (spec.md §4.5).
type RetryPolicy struct {
	Kind        RetryPolicyKind
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func NewExponentialBackoff(base, cap time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Kind: RetryExponentialBackoff, Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

func NewFixedDelay(d time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Kind: RetryFixedDelay, Base: d, MaxAttempts: maxAttempts}
}

func NoRetry() RetryPolicy { return RetryPolicy{Kind: RetryNone, MaxAttempts: 1} }

// attempts returns the number of dispatch attempts this policy permits
// (always >= 1, since the first try is not a "retry").
func (p RetryPolicy) attempts() int {
	if p.Kind == RetryNone {
		return 1
	}
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// delayFor returns the sleep duration before attempt number `attempt`
// (1-indexed, the delay preceding that attempt): min(cap, base*2^(attempt-1))
// +/- 10% jitter, so the first retry waits base. Attempt 0 has no delay.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	var base time.Duration
	switch p.Kind {
	case RetryExponentialBackoff:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Base
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxInterval = p.Cap
		eb.MaxElapsedTime = 0 // never expire on its own; MaxAttempts governs that
		eb.Reset()
		// Advance the generator `attempt` steps; the first step yields base,
		// so this reaches base*2^(attempt-1) capped.
		for i := 0; i < attempt; i++ {
			base = eb.NextBackOff()
		}
	case RetryFixedDelay:
		base = p.Base
	default:
		return 0
	}
	jitter := (rand.Float64()*0.2 - 0.1) * float64(base)
	d := base + time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}
