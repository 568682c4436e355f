package source

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy configures retries inside an individual adapter. The resolver
// never retries.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Base        time.Duration `yaml:"base" json:"base"`
	Max         time.Duration `yaml:"max" json:"max"`
	MaxJitter   time.Duration `yaml:"max_jitter" json:"max_jitter"`
}

// NoRetry performs exactly one attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (malformed response, 4xx).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the wait before the given attempt (attempt 0 never waits).
// Jitter is derived from key so the schedule is reproducible.
func (p RetryPolicy) Delay(key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}
	delay := p.Base * time.Duration(int64(1)<<exp)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay + p.jitter(key, attempt)
}

func (p RetryPolicy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// policy, or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if wait := p.Delay(key, i); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
