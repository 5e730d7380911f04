package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestExponentialBackoffDelayNeverExceedsCapPlusJitter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(10, 500).Draw(t, "base_ms")) * time.Millisecond
		capD := time.Duration(rapid.IntRange(500, 5000).Draw(t, "cap_ms")) * time.Millisecond
		attempt := rapid.IntRange(0, 10).Draw(t, "attempt")

		p := NewExponentialBackoff(base, capD, 5)
		d := p.delayFor(attempt)

		assert.GreaterOrEqual(t, d, time.Duration(0))
		// the backoff library caps the undampened interval at MaxInterval; jitter
		// is +/-10% on top of whatever the capped base turns out to be.
		assert.LessOrEqual(t, d, capD+capD/10+time.Millisecond)
	})
}

func TestFixedDelayStaysNearBase(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(10, 2000).Draw(t, "base_ms")) * time.Millisecond
		attempt := rapid.IntRange(0, 20).Draw(t, "attempt")

		p := NewFixedDelay(base, 5)
		d := p.delayFor(attempt)

		assert.GreaterOrEqual(t, d, base-base/10-time.Millisecond)
		assert.LessOrEqual(t, d, base+base/10+time.Millisecond)
	})
}

func TestNoRetryNeverDelaysAndAllowsOneAttempt(t *testing.T) {
	p := NoRetry()
	assert.Equal(t, 1, p.attempts())
	assert.Equal(t, time.Duration(0), p.delayFor(0))
	assert.Equal(t, time.Duration(0), p.delayFor(3))
}

func TestAttemptsFallsBackToOneWhenUnset(t *testing.T) {
	p := RetryPolicy{Kind: RetryExponentialBackoff}
	assert.Equal(t, 1, p.attempts())
}
