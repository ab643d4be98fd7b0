// Package retry runs short retry loops with exponential backoff. Its main
// consumers are the optimistic-concurrency paths: a version-conflicted
// bill or prepayment update re-reads and retries a few times before
// giving up.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry loop returns it immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. Between attempts it sleeps the
// current backoff delay with +-25% jitter, doubling each round. It
// returns early on success, on a PermanentError (unwrapped), or when
// ctx is cancelled.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error

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

		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}

	return err
}

// DoWithUnlock is Do for callers holding a keyed lock: the lock is
// released for the duration of each backoff sleep so other keys on the
// same shard are not starved, and re-acquired before the next attempt.
// fn always runs with the lock held, and the lock is held again when
// DoWithUnlock returns after any retry (including a cancelled wait).
func DoWithUnlock(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error

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

		unlock()
		if serr := sleep(ctx, delay); serr != nil {
			relock()
			return serr
		}
		relock()
		delay *= 2
	}

	return err
}

// sleep waits for delay with +-25% jitter, or until ctx is done.
func sleep(ctx context.Context, delay time.Duration) error {
	jitter := delay / 4
	d := delay - jitter + time.Duration(randBelow(int64(2*jitter+1)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// randBelow returns a random int64 in [0, n) from crypto/rand.
func randBelow(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}
