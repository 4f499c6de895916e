package dispatch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed upload is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy retries a bounded number of times with jittered
// exponential backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy. Zero values fall back to 5
// attempts, a 250ms base and a 5s cap.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether another attempt is allowed after attempt
// failed with err. Attempts are counted from 1. Cancellation of the caller's
// context is handled by the dispatcher, not here.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.maxAttempts
}

// Backoff returns the wait duration before the next attempt: half the capped
// exponential delay plus up to the same again in jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomDuration(time.Duration(delay)/2)
}

// unboundedRetryPolicy retries immediately until the context ends.
type unboundedRetryPolicy struct{}

func (unboundedRetryPolicy) ShouldRetry(err error, _ int) bool { return err != nil }

func (unboundedRetryPolicy) Backoff(int) time.Duration { return 0 }

// randomDuration returns a uniformly random duration in [0, limit].
func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit) + 1)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
