// Package retry runs idempotent calls with bounded exponential backoff.
// Ledger submissions must never go through it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Result labels reported to observers.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultFailed  = "failed"
)

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type options struct {
	clock    clockwork.Clock
	observer func(result string)
}

type Option func(*options)

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithObserver is called once per attempt with ResultSuccess, ResultRetry or ResultFailed.
func WithObserver(fn func(result string)) Option {
	return func(o *options) { o.observer = fn }
}

// Do calls fn until it succeeds, returns a permanent error, attempts run out
// or ctx is done. The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{clock: clockwork.NewRealClock(), observer: func(string) {}}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			o.observer(ResultSuccess)
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			o.observer(ResultFailed)
			return perm.err
		}
		if ctx.Err() != nil {
			o.observer(ResultFailed)
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		if i == attempts {
			o.observer(ResultFailed)
			return err
		}

		o.observer(ResultRetry)
		sleep := backoff
		if p.MaxBackoff > 0 && sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		select {
		case <-o.clock.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}

		if p.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(p.BackoffMultiplier)
		}
	}

	return fmt.Errorf("exhausted retries")
}
