// Package retry runs operations again after transient failures with jittered
// exponential backoff, and answers schedule questions for callers that do
// their own waiting.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops immediately and IsPermanent is true.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. baseDelay doubles after each failed
// attempt with +-25% jitter. It returns early on success, on a
// *PermanentError (unwrapped), or when ctx is done.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if perm := asPermanent(err); perm != nil {
			return perm
		}
		if attempt == maxAttempts-1 {
			break
		}
		if werr := wait(ctx, jittered(delay)); werr != nil {
			return werr
		}
		delay *= 2
	}
	return err
}

// Next returns the wait before the retry that follows attempt (zero-based)
// under a fixed schedule, and false once the schedule is used up. Delays
// are used as given, without jitter, so callers can publish their retry
// contract.
func Next(delays []time.Duration, attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(delays) {
		return 0, false
	}
	return delays[attempt], true
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func asPermanent(err error) error {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jittered(delay time.Duration) time.Duration {
	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
