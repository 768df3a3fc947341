package extraction

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialBackoff produces jittered delays for bounded retry loops, used
// by pool initialization and the event export sinks.
type ExponentialBackoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewExponentialBackoff builds a policy with sane defaults.
func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// ShouldRetry decides whether another attempt is allowed. Cancellation is
// never retried.
func (p ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	return Classify(err) != FailureCancelled
}

// Backoff returns the wait duration before the given attempt.
func (p ExponentialBackoff) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
