package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// RetryConfig defines retry behavior for operations
type RetryConfig struct {
	// MaxAttempts counts the first call; values below 1 mean a single attempt.
	MaxAttempts int           `json:"max_attempts"`
	Interval    time.Duration `json:"interval"`
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty"`
	// ShouldRetry overrides the default classification.
	ShouldRetry func(error) bool `json:"-"`
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error) `json:"-"`
}

// FixedRetryConfig returns the per-object download policy: three attempts
// with a 10ms pause between them.
func FixedRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		Interval:    10 * time.Millisecond,
	}
}

// RetryableFunc represents a function that can be retried. The context passed
// in is scoped to a single attempt.
type RetryableFunc func(ctx context.Context) error

// RetryError is returned once every attempt has failed.
type RetryError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryWithContext runs fn until it succeeds, returns a non-retryable error,
// ctx is done or the attempts are exhausted. Cancellation of ctx is returned
// as ctx.Err() so callers can tell it apart from a failed operation.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = FixedRetryConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = runAttempt(ctx, config.AttemptTimeout, fn)
		if lastErr == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !shouldRetry(config, lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Interval):
		}
	}

	return &RetryError{Operation: operation, Attempts: maxAttempts, Err: lastErr}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn RetryableFunc) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func shouldRetry(config *RetryConfig, err error) bool {
	if config.ShouldRetry != nil {
		return config.ShouldRetry(err)
	}
	return IsRetryableError(err)
}

// IsRetryableError is the default classification: TemplateErrors carry their
// own verdict, cancellation is final and anything else is assumed transient.
func IsRetryableError(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var te *TemplateError
	if stderrors.As(err, &te) {
		return te.IsRetryable()
	}
	return true
}
