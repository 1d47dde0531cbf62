// Package transfer moves coins between ledger accounts and verifies the
// resulting balance change.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/retry"
	"github.com/upright-vc/libra2key/internal/units"
)

type Config struct {
	ConfirmationTimeout time.Duration
	// ReadRetry applies to account state reads only.
	ReadRetry retry.Policy
}

// Observer receives read retry results and the confirmation wait duration.
type Observer interface {
	ReadRetry(result string)
	ConfirmationWait(d time.Duration, kind Kind)
}

type nopObserver struct{}

func (nopObserver) ReadRetry(string)                     {}
func (nopObserver) ConfirmationWait(time.Duration, Kind) {}

type Coordinator struct {
	client   ledger.Client
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

func NewCoordinator(client ledger.Client, cfg Config, opts ...Option) *Coordinator {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 30 * time.Second
	}
	c := &Coordinator{
		client:   client,
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("transfer")
	return c
}

// Transfer sends amount display units from source to dest, waits for the
// transaction to be sequenced and checks that the source balance dropped by
// exactly amount.
//
// Invalid input fails before any ledger call. An error returned after the
// submission comes with a zero-Kind Outcome that still carries the handle,
// so the caller can reconcile.
func (c *Coordinator) Transfer(ctx context.Context, source ledger.Account, dest string, amount decimal.Decimal) (Outcome, error) {
	if amount.Sign() <= 0 {
		return Outcome{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount.String())
	}
	base, err := units.ToBaseUnits(amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	to, err := ledger.ParseAddress(dest)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	from := source.Address()
	log := c.logger.With(
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Uint64("amount", base),
	)

	pre, err := c.readState(ctx, from)
	if err != nil {
		return Outcome{}, err
	}
	log.Debug("pre-transfer state", zap.Uint64("balance", pre.Balance), zap.Uint64("version", pre.Version))

	sub, err := c.client.SubmitTransfer(ctx, source, to, base)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: submit: %w", ErrLedgerClient, err)
	}
	log = log.With(zap.String("handle", string(sub.Handle)))

	if sub.Status != ledger.AckAccepted {
		log.Info("transfer rejected by admission control", zap.Stringer("status", sub.Status))
		return Outcome{
			Kind:   RejectedByAdmissionControl,
			Handle: sub.Handle,
			Status: sub.Status,
			Detail: sub.Detail,
		}, nil
	}

	conf, err := c.awaitConfirmation(ctx, sub.Handle)
	if err != nil {
		if errors.Is(err, ledger.ErrConfirmationTimeout) {
			log.Warn("transfer confirmation timed out", zap.Duration("timeout", c.cfg.ConfirmationTimeout))
			return Outcome{Kind: ConfirmationTimeout, Handle: sub.Handle, Status: sub.Status}, nil
		}
		// Caller cancelled: the transaction stays submitted.
		return Outcome{Handle: sub.Handle, Status: sub.Status}, fmt.Errorf("waiting for %s: %w", sub.Handle, err)
	}

	post, err := c.readState(ctx, from)
	if err != nil {
		return Outcome{Handle: sub.Handle, Version: conf.Version, Status: sub.Status},
			fmt.Errorf("transfer %s confirmed at %d: %w", sub.Handle, conf.Version, err)
	}

	if pre.Balance < base || post.Balance != pre.Balance-base {
		var expected uint64
		if pre.Balance >= base {
			expected = pre.Balance - base
		}
		log.Warn("post-transfer balance mismatch",
			zap.Uint64("expected", expected),
			zap.Uint64("actual", post.Balance),
		)
		return Outcome{
			Kind:     BalanceMismatch,
			Handle:   sub.Handle,
			Version:  conf.Version,
			Status:   sub.Status,
			Expected: expected,
			Actual:   post.Balance,
		}, nil
	}

	log.Info("transfer confirmed", zap.Uint64("version", conf.Version), zap.Uint64("balance", post.Balance))
	return Outcome{
		Kind:       Accepted,
		Handle:     sub.Handle,
		Version:    conf.Version,
		NewBalance: post.Balance,
		Status:     sub.Status,
	}, nil
}

// awaitConfirmation bounds the client's wait with a local deadline so a
// client that ignores its timeout still yields ErrConfirmationTimeout.
func (c *Coordinator) awaitConfirmation(ctx context.Context, h ledger.Handle) (ledger.Confirmation, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	conf, err := c.client.AwaitConfirmation(waitCtx, h, c.cfg.ConfirmationTimeout)
	switch {
	case err == nil:
		c.observer.ConfirmationWait(time.Since(start), Accepted)
		return conf, nil
	case ctx.Err() != nil:
		return ledger.Confirmation{}, ctx.Err()
	case errors.Is(err, ledger.ErrConfirmationTimeout), errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		c.observer.ConfirmationWait(time.Since(start), ConfirmationTimeout)
		return ledger.Confirmation{}, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	default:
		// Any other wait failure still leaves the outcome unknown.
		c.observer.ConfirmationWait(time.Since(start), ConfirmationTimeout)
		c.logger.Warn("confirmation wait failed", zap.String("handle", string(h)), zap.Error(err))
		return ledger.Confirmation{}, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	}
}

func (c *Coordinator) readState(ctx context.Context, addr ledger.Address) (ledger.AccountState, error) {
	var state ledger.AccountState
	err := retry.Do(ctx, c.cfg.ReadRetry, func(ctx context.Context) error {
		s, err := c.client.GetAccountState(ctx, addr)
		if errors.Is(err, ledger.ErrInvalidAddress) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		state = s
		return nil
	}, retry.WithObserver(c.observer.ReadRetry))
	if errors.Is(err, ledger.ErrInvalidAddress) {
		return ledger.AccountState{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if err != nil {
		return ledger.AccountState{}, fmt.Errorf("%w: account state of %s: %w", ErrNetwork, addr, err)
	}
	return state, nil
}
