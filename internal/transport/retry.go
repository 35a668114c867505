package transport

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before reconnecting to an endpoint.
type Retryer interface {
	// NextDelay returns the delay before the next attempt.
	// attempt is 0-based and counts consecutive failures.
	// Returns the delay duration and whether to continue retrying.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful connection.
	Reset()
}

// ExponentialBackoffRetryer implements exponential backoff with jitter.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoffRetryer creates a retryer bounded by min and max.
// Endpoints are never given up on, so MaxRetries stays 0.
func NewExponentialBackoffRetryer(minDelay, maxDelay time.Duration) *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: minDelay,
		MaxDelay:     maxDelay,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer
func (r *ExponentialBackoffRetryer) Reset() {}
