package backoff

import (
	"context"
	"errors"
)

// AttemptEvent is reported to an OnRetry hook before each sleep, and to
// OnExhausted/OnSuccess once the operation resolves.
type AttemptEvent struct {
	Attempt     int
	MaxAttempts int
	DelayMs     int64
	Err         error
}

// Hooks lets a caller observe the retry/backoff emission contract:
// a retry fires OnRetry then sleeps; eventual success fires OnSuccess;
// exhaustion fires OnExhausted. Any hook may be nil.
type Hooks struct {
	OnRetry     func(AttemptEvent)
	OnSuccess   func(attempts int)
	OnExhausted func(AttemptEvent)
}

// ErrSkipped marks an error as classified non-retryable (skip_on) so callers
// can distinguish it from exhaustion after retries.
var ErrSkipped = errors.New("error kind is not retryable")

// DoClassified runs fn under cfg's retry policy, classifying each failure
// with classify and consulting ShouldRetry before sleeping. It implements
// the full C4 decision rule and emission contract in one place so that
// orchestrator call sites do not reimplement backoff bookkeeping.
func DoClassified(
	ctx context.Context,
	cfg RetryConfig,
	classify func(error) ErrorKind,
	hooks Hooks,
	fn func(ctx context.Context, attempt int) error,
) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			if hooks.OnSuccess != nil {
				hooks.OnSuccess(attempt)
			}
			return nil
		}
		lastErr = err

		kind := classify(err)
		if !ShouldRetry(cfg, kind) {
			return err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := EffectiveDelay(cfg, attempt, 0)
		ev := AttemptEvent{Attempt: attempt, MaxAttempts: maxAttempts, DelayMs: delay.Milliseconds(), Err: err}
		if hooks.OnRetry != nil {
			hooks.OnRetry(ev)
		}
		if err := SleepWithContext(ctx, delay); err != nil {
			return err
		}
	}

	ev := AttemptEvent{Attempt: maxAttempts, MaxAttempts: maxAttempts, Err: lastErr}
	if hooks.OnExhausted != nil {
		hooks.OnExhausted(ev)
	}
	return lastErr
}
