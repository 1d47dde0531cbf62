package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PollFunc reports whether the transaction is sequenced. Errors are treated
// as transient until the wait deadline.
type PollFunc func(ctx context.Context) (Confirmation, bool, error)

// Waiter turns a submitted transaction into a blocking wait using bounded
// exponential backoff between polls.
type Waiter struct {
	Clock           clockwork.Clock
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Logger          *zap.Logger
}

// DefaultWaiter polls every 500ms, backing off to 5s.
func DefaultWaiter() *Waiter {
	return &Waiter{
		Clock:           clockwork.NewRealClock(),
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Logger:          zap.NewNop(),
	}
}

// Wait polls until poll reports done, the timeout elapses or ctx is done.
// A receive on wake triggers an immediate poll; wake may be nil.
// Returning early never affects the submitted transaction.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration, poll PollFunc, wake <-chan struct{}) (Confirmation, error) {
	clock := w.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := w.InitialInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	deadline := clock.Now().Add(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		conf, done, err := poll(ctx)
		if err == nil && done {
			return conf, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			lastErr = err
			logger.Debug("confirmation poll failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			if lastErr != nil {
				return Confirmation{}, fmt.Errorf("%w after %d polls: %v", ErrConfirmationTimeout, attempt, lastErr)
			}
			return Confirmation{}, fmt.Errorf("%w after %d polls", ErrConfirmationTimeout, attempt)
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-clock.After(sleep):
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}

		if w.Multiplier > 1 {
			interval = time.Duration(float64(interval) * w.Multiplier)
		}
		if w.MaxInterval > 0 && interval > w.MaxInterval {
			interval = w.MaxInterval
		}
	}
}
