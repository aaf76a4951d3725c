package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	errs "tikfetch/pkg/errors"
)

// BackoffStrategy defines the interface for different backoff strategies
type BackoffStrategy interface {
	// NextDelay returns the pause after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ErrorAwareBackoff picks the pause from the failure that caused it
type ErrorAwareBackoff interface {
	BackoffStrategy
	NextDelayFor(attempt int, err error) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultExponentialBackoff returns a backoff with sensible defaults
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.JitterFactor > 0 {
		jitter := delay * eb.JitterFactor
		delay += (rand.Float64() * 2 * jitter) - jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// ErrorTypeBackoff uses a dedicated strategy for selected error types and
// falls back to Default for everything else.
type ErrorTypeBackoff struct {
	Default BackoffStrategy
	ByType  map[errs.ErrorType]BackoffStrategy
}

// NewRateLimitAwareBackoff keeps the fixed pause for ordinary transient
// failures and backs off exponentially when the provider rate limits us.
func NewRateLimitAwareBackoff(fixed time.Duration) *ErrorTypeBackoff {
	return &ErrorTypeBackoff{
		Default: &ConstantBackoff{Delay: fixed},
		ByType: map[errs.ErrorType]BackoffStrategy{
			errs.ErrorTypeRateLimit: &ExponentialBackoff{
				BaseDelay:    2 * time.Second,
				MaxDelay:     time.Minute,
				Multiplier:   2.0,
				JitterFactor: 0.2,
			},
		},
	}
}

// NextDelay uses the default strategy
func (b *ErrorTypeBackoff) NextDelay(attempt int) time.Duration {
	if b.Default == nil {
		return 0
	}
	return b.Default.NextDelay(attempt)
}

// NextDelayFor picks a strategy by the error's type
func (b *ErrorTypeBackoff) NextDelayFor(attempt int, err error) time.Duration {
	if t, ok := errs.TypeOf(err); ok {
		if s, found := b.ByType[t]; found {
			return s.NextDelay(attempt)
		}
	}
	return b.NextDelay(attempt)
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
