package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"cardstream/pkg/logx"
)

// Config controls a retried operation.
//
// All fields have safe defaults: MaxAttempts<=0 means 1 (no retry),
// BaseDelay<=0 means 200ms, MaxDelay<=0 means 10s.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Exhausted reports that an operation failed on every attempt.
// The last underlying error is preserved and unwrappable.
type Exhausted struct {
	Attempts int
	Err      error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}
func (e *Exhausted) Unwrap() error { return e.Err }

// IsExhausted reports whether err is (or wraps) an Exhausted failure.
func IsExhausted(err error) bool {
	var e *Exhausted
	return errors.As(err, &e)
}

// NoRetry marks an error as non-retryable.
//
// The executor itself is transport-agnostic and retries unconditionally;
// callers classify permanent failures by wrapping them with NoRetry so the
// executor stops immediately and returns the wrapped error as-is.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Do runs op up to cfg.MaxAttempts times, waiting an exponentially growing,
// jittered delay between attempts. It returns nil on the first success.
//
// After the final failed attempt it returns *Exhausted wrapping the last
// error. A NoRetry-wrapped failure aborts immediately and is returned
// unwrapped from Exhausted (the caller already classified it).
//
// Backoff waits honor ctx; a canceled ctx returns ctx.Err().
func Do(ctx context.Context, cfg Config, log logx.Logger, op func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) {
			return err
		}
		lastErr = err
		log.Debug("attempt failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}

		delay := backoff(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return &Exhausted{Attempts: maxAttempts, Err: lastErr}
}

// backoff returns the delay before attempt+1.
// Pre-jitter the schedule is base * 2^(attempt-1), capped at MaxDelay, so it
// is monotonically non-decreasing. Jitter is 0.7..1.3.
func backoff(cfg Config, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxD := cfg.MaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
