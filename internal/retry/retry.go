// Package retry provides bounded retry combinators: exponential backoff
// for flaky operations and fixed-delay polling for eventually consistent reads.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ErrExhausted is returned by Poll when the condition never held.
var ErrExhausted = errors.New("retry: attempts exhausted")

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Poll will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}
		delay *= 2
	}

	return err
}

// Poll evaluates check up to maxAttempts times with a fixed delay between
// attempts, until it reports done. Transient errors from check are
// remembered and retried; a *PermanentError stops immediately.
//
// When the budget runs out Poll returns ErrExhausted, wrapping the last
// transient error if there was one.
func Poll(ctx context.Context, maxAttempts int, delay time.Duration, check func(ctx context.Context) (bool, error)) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		done, err := check(ctx)
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			last = err
			continue
		}
		if done {
			return nil
		}
	}

	if last != nil {
		return errors.Join(ErrExhausted, last)
	}
	return ErrExhausted
}

// PollFor is Poll bounded by a total wait instead of an attempt count.
func PollFor(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	attempts := int(timeout/interval) + 1
	return Poll(ctx, attempts, interval, check)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
