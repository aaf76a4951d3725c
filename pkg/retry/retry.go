package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/logger"
)

// Operation performs one attempt. ctx carries the attempt deadline.
type Operation func(ctx context.Context) error

// OperationWithResult performs one attempt that produces a value
type OperationWithResult[T any] func(ctx context.Context) (T, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (must be positive)
	MaxAttempts int
	// AttemptTimeout bounds every attempt individually. Zero disables it.
	AttemptTimeout time.Duration
	// Backoff decides the pause between attempts
	Backoff BackoffStrategy
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// OnAttempt runs before every attempt, the first one included
	OnAttempt func(ctx context.Context, attempt int)
	// OnRetry runs after a retryable failure, before the pause
	OnRetry func(attempt int, err error, delay time.Duration)
	// OnAbandoned receives the outcome of an attempt that finished after
	// its deadline had already been reported as a timeout
	OnAbandoned func(result interface{}, err error)
	// Logger for retry attempts
	Logger logger.Logger
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		AttemptTimeout: 10 * time.Second,
		Backoff:        &ConstantBackoff{Delay: 500 * time.Millisecond},
		RetryIf:        DefaultRetryIf,
		Logger:         logger.GetLogger(),
	}
}

// DefaultRetryIf retries transient classified errors and unclassified
// errors, and stops on permanent classes and caller cancellation.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	if t, ok := errs.TypeOf(err); ok {
		return errs.IsRetryable(t)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It unwraps to the final error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do executes an operation with retry logic
func Do(ctx context.Context, op Operation, cfg *Config) error {
	_, err := DoWithResult(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, cfg)
	return err
}

// DoWithResult executes an operation that returns a result with retry
// logic. A successful result is returned as soon as it is produced;
// permanent errors stop the loop without a pause.
func DoWithResult[T any](ctx context.Context, op OperationWithResult[T], cfg *Config) (T, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(ctx, attempt)
		}

		result, err := runAttempt(ctx, op, cfg)
		if err == nil {
			if attempt > 1 {
				log.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}

		if !retryIf(err) {
			log.DebugWithFields("error is not retryable", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return zero, err
		}

		if attempt == maxAttempts {
			break
		}

		delay := nextDelay(cfg.Backoff, attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		log.WarnWithFields("retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"error":        err.Error(),
			"delay_ms":     delay.Milliseconds(),
		})

		if err := Wait(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
	}

	log.WarnWithFields("max retry attempts exceeded", map[string]interface{}{
		"attempts":   maxAttempts,
		"last_error": lastErr.Error(),
	})

	if errs.Is(lastErr, errs.ErrorTypeTimeout) {
		lastErr = &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("timed out after %d attempts", maxAttempts),
			Err:     lastErr,
		}
	}
	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

type attemptOutcome[T any] struct {
	result T
	err    error
}

// runAttempt runs op under the attempt deadline. If the deadline fires
// first the attempt is reported as a timeout right away and its eventual
// outcome is handed to OnAbandoned.
func runAttempt[T any](ctx context.Context, op OperationWithResult[T], cfg *Config) (T, error) {
	var zero T
	if cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	done := make(chan attemptOutcome[T], 1)
	go func() {
		r, err := op(attemptCtx)
		done <- attemptOutcome[T]{result: r, err: err}
	}()

	select {
	case out := <-done:
		cancel()
		if out.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !isPermanent(out.err) {
			return zero, timeoutError(cfg.AttemptTimeout, out.err)
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		cancel()
		go func() {
			out := <-done
			if cfg.OnAbandoned != nil {
				cfg.OnAbandoned(out.result, out.err)
			}
		}()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timeoutError(cfg.AttemptTimeout, context.DeadlineExceeded)
	}
}

func timeoutError(timeout time.Duration, cause error) error {
	return &errs.Error{
		Type:    errs.ErrorTypeTimeout,
		Message: fmt.Sprintf("attempt exceeded %s", timeout),
		Err:     cause,
	}
}

func isPermanent(err error) bool {
	t, ok := errs.TypeOf(err)
	return ok && errs.IsPermanent(t)
}

func nextDelay(b BackoffStrategy, attempt int, err error) time.Duration {
	if b == nil {
		return 0
	}
	if eb, ok := b.(ErrorAwareBackoff); ok {
		return eb.NextDelayFor(attempt, err)
	}
	return b.NextDelay(attempt)
}
