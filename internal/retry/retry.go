package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catia-session/internal/util"
)

// Policy bounds a retry loop. The backoff grows exponentially from
// InitialBackoff and is capped at MaxBackoff; there is no jitter.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the wait before retrying a failed attempt.
// attempt is 0-indexed: min(InitialBackoff * 2^attempt, MaxBackoff).
func (p Policy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// transientError marks a failure worth retrying: connection errors,
// timeouts, empty bodies, unparseable payloads.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err so the executor will retry the operation.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...interface{}) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ExhaustedError is returned once every attempt failed transiently.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor runs operations under a shared retry policy. One executor per
// caller family; budgets are configuration, not copy-pasted constants.
type Executor struct {
	policy Policy
	logger *zap.Logger
}

func NewExecutor(policy Policy, logger *zap.Logger) *Executor {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Executor{policy: policy, logger: logger}
}

func (e *Executor) Policy() Policy { return e.policy }

// Do executes fn up to MaxRetries times. Errors marked Transient trigger a
// backoff wait and another attempt; any other error returns immediately.
// The wait observes ctx, so a caller deadline aborts the sequence instead
// of sleeping through it.
func (e *Executor) Do(ctx context.Context, operation string, fn func() error) error {
	var last error

	for attempt := 0; attempt < e.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		last = err

		if attempt == e.policy.MaxRetries-1 {
			break
		}

		wait := e.policy.Backoff(attempt)
		e.logger.Warn("Transient failure, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", e.policy.MaxRetries),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	e.logger.Error("Retry budget exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", e.policy.MaxRetries),
		zap.Error(last),
	)
	return &ExhaustedError{Operation: operation, Attempts: e.policy.MaxRetries, Last: errors.Unwrap(last)}
}
