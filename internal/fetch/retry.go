package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/nber-i3/pvingest/internal/config"
)

// RetryPolicy implements jittered exponential backoff for remote requests.
//
// The PatentsView host intermittently answers 403 to requests that succeed
// moments later, so 403 is retryable by default; the behavior is a config
// knob because it models observed remote behavior, not protocol semantics.
type RetryPolicy struct {
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	retryForbidden bool
}

// NewRetryPolicy builds a policy from the HTTP config section.
func NewRetryPolicy(cfg config.HTTPConfig) *RetryPolicy {
	base := time.Duration(cfg.BackoffInitialMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	maxDelay := time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &RetryPolicy{
		maxAttempts:    attempts,
		baseDelay:      base,
		maxDelay:       maxDelay,
		retryForbidden: cfg.RetryForbidden,
	}
}

// MaxAttempts returns the total attempt budget, first try included.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error from attempt (zero-based) warrants
// another try.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts-1 {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return p.retryableStatus(statusErr.code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection resets, truncated bodies, and similar transport faults
	// arrive as plain errors; the full request is restarted either way.
	return true
}

func (p *RetryPolicy) retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		return p.retryForbidden
	default:
		return false
	}
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
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

// sleep waits for d or until the context finishes.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
