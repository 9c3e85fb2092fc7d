package crawler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// attempt is the zero-based index of the attempt that just failed.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy retries transport failures with a base*2^attempt wait.
// It never retries decode errors or cancellation.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxAttempts total attempts.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// MaxAttempts returns the total number of attempts allowed.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt+1 >= p.maxAttempts {
		return false
	}
	if isCancellation(err) || errors.Is(err, catalog.ErrDecode) {
		return false
	}
	return true
}

// Backoff returns baseDelay * 2^attempt with no jitter and no cap.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(p.baseDelay) * math.Pow(2, float64(attempt)))
}

// FixedRetryPolicy retries any failure after a constant delay.
type FixedRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedRetryPolicy builds a policy allowing maxAttempts total attempts.
func NewFixedRetryPolicy(maxAttempts int, delay time.Duration) *FixedRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedRetryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// MaxAttempts returns the total number of attempts allowed.
func (p *FixedRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt is allowed.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt+1 >= p.maxAttempts {
		return false
	}
	return !isCancellation(err)
}

// Backoff returns the fixed delay.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// isCancellation reports whether err comes from the caller giving up. A
// TransportError is only built while the caller's context is live, so a
// request timeout inside one is a transport failure even though it wraps
// context.DeadlineExceeded.
func isCancellation(err error) bool {
	if errors.Is(err, catalog.ErrTransport) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
