package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures a RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns the standard retry parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    40 * time.Second,
	}
}

// RetryPolicy is a bounded retry wrapper with exponential backoff and
// jitter. It applies to all errors returned by the wrapped operation; it is
// the caller's responsibility to only wrap idempotent operations.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a RetryPolicy, filling in defaults for any
// zero-valued fields.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &RetryPolicy{cfg: cfg}
}

// backoff computes the delay before attempt n (1-indexed, n < MaxAttempts):
// min(max_delay, base_delay * 2^n + U[0, base_delay]).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	exp := p.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(p.cfg.BaseDelay) + 1))
	d := exp + jitter
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Execute runs op up to MaxAttempts times, sleeping with backoff between
// attempts. It propagates the last observed error unchanged if every
// attempt fails, and returns nil as soon as op succeeds.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		delay := p.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
