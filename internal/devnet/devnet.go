// Package devnet is an in-memory ledger with a faucet and an explorer. The
// server runs against it when no RPC endpoint is configured, and tests use
// it as a realistic collaborator.
package devnet

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/faucet"
	"github.com/upright-vc/libra2key/internal/ledger"
)

const expirationWindow = 100 * time.Second

type account struct {
	balance  uint64
	sent     uint64
	received uint64
}

type pendingTx struct {
	from, to    ledger.Address
	amount      uint64
	submittedAt time.Time
	expiration  time.Time
}

// Ledger sequences transfers after a configurable delay. Balances change at
// sequencing time, not at submission.
type Ledger struct {
	mu sync.Mutex

	clock        clockwork.Clock
	waiter       *ledger.Waiter
	confirmDelay time.Duration
	fee          uint64
	logger       *zap.Logger

	version   uint64
	accounts  map[ledger.Address]*account
	pending   map[ledger.Handle]pendingTx
	committed map[ledger.Handle]uint64
	blocked   map[ledger.Address]bool
	history   []explorer.Transaction
	faucetSeq uint64
}

var (
	_ ledger.Client        = (*Ledger)(nil)
	_ ledger.HealthChecker = (*Ledger)(nil)
	_ faucet.Service       = (*Ledger)(nil)
	_ explorer.Service     = (*Ledger)(nil)
)

type Option func(*Ledger)

func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithConfirmDelay sets how long a submitted transfer stays pending.
func WithConfirmDelay(d time.Duration) Option {
	return func(l *Ledger) { l.confirmDelay = d }
}

// WithFee charges the sender a flat fee per sequenced transfer.
func WithFee(fee uint64) Option {
	return func(l *Ledger) { l.fee = fee }
}

func WithWaiter(w *ledger.Waiter) Option {
	return func(l *Ledger) { l.waiter = w }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.logger = log }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		accounts:  make(map[ledger.Address]*account),
		pending:   make(map[ledger.Handle]pendingTx),
		committed: make(map[ledger.Handle]uint64),
		blocked:   make(map[ledger.Address]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.waiter == nil {
		l.waiter = &ledger.Waiter{
			Clock:           l.clock,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     250 * time.Millisecond,
			Multiplier:      2,
			Logger:          l.logger,
		}
	}
	l.logger = l.logger.Named("devnet")
	return l
}

// Block makes admission control refuse transfers sent by addr.
func (l *Ledger) Block(addr ledger.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[addr] = true
}

func (l *Ledger) acct(addr ledger.Address) *account {
	a, ok := l.accounts[addr]
	if !ok {
		a = &account{}
		l.accounts[addr] = a
	}
	return a
}

// settle sequences every pending transfer whose delay has elapsed, in
// submission order. Callers hold mu.
func (l *Ledger) settle() {
	now := l.clock.Now()
	for {
		var (
			next   ledger.Handle
			nextTx pendingTx
			found  bool
		)
		for h, tx := range l.pending {
			if now.Sub(tx.submittedAt) < l.confirmDelay {
				continue
			}
			if !found || tx.submittedAt.Before(nextTx.submittedAt) ||
				(tx.submittedAt.Equal(nextTx.submittedAt) && h < next) {
				next, nextTx, found = h, tx, true
			}
		}
		if !found {
			return
		}
		delete(l.pending, next)
		l.commit(next, nextTx)
	}
}

func (l *Ledger) commit(h ledger.Handle, tx pendingTx) {
	l.version++
	l.committed[h] = l.version

	from := l.acct(tx.from)
	from.sent++
	debit := tx.amount + l.fee
	if from.balance < debit {
		// Sequenced but failed to execute: only the fee, if affordable, is charged.
		if from.balance >= l.fee {
			from.balance -= l.fee
		}
		l.logger.Info("transfer failed at execution", zap.String("handle", string(h)), zap.Uint64("version", l.version))
		return
	}
	from.balance -= debit
	to := l.acct(tx.to)
	to.balance += tx.amount
	to.received++
	l.record(tx.from, tx.to, tx.amount, tx.expiration, string(h))
}

func (l *Ledger) record(from, to ledger.Address, amount uint64, expiration time.Time, hash string) {
	l.history = append(l.history, explorer.Transaction{
		Version:        strconv.FormatUint(l.version, 10),
		From:           from.Hex(),
		To:             to.Hex(),
		Value:          strconv.FormatUint(amount, 10),
		ExpirationTime: strconv.FormatInt(expiration.Unix(), 10),
		Hash:           hash,
	})
}

func (l *Ledger) GetAccountState(_ context.Context, addr ledger.Address) (ledger.AccountState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle()

	a := l.accounts[addr]
	if a == nil {
		return ledger.AccountState{Address: addr, Version: l.version}, nil
	}
	return ledger.AccountState{
		Address:            addr,
		Balance:            a.balance,
		SentEventCount:     a.sent,
		ReceivedEventCount: a.received,
		Version:            l.version,
	}, nil
}

func (l *Ledger) SubmitTransfer(_ context.Context, from ledger.Account, to ledger.Address, amount uint64) (ledger.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle()

	sender := from.Address()
	handle := ledger.Handle(uuid.NewString())
	if l.blocked[sender] {
		return ledger.Submission{Status: ledger.AckBlacklisted, Handle: handle, Detail: "sender is blacklisted"}, nil
	}
	if amount == 0 {
		return ledger.Submission{Status: ledger.AckRejected, Handle: handle, Detail: "zero amount"}, nil
	}
	var balance uint64
	if a := l.accounts[sender]; a != nil {
		balance = a.balance
	}
	if balance < amount+l.fee {
		return ledger.Submission{Status: ledger.AckRejected, Handle: handle, Detail: "insufficient balance"}, nil
	}

	now := l.clock.Now()
	l.pending[handle] = pendingTx{
		from:        sender,
		to:          to,
		amount:      amount,
		submittedAt: now,
		expiration:  now.Add(expirationWindow),
	}
	l.logger.Debug("transfer admitted", zap.String("handle", string(handle)))
	return ledger.Submission{Status: ledger.AckAccepted, Handle: handle}, nil
}

// Status reports whether h has been sequenced and at which version.
func (l *Ledger) Status(h ledger.Handle) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle()

	if v, ok := l.committed[h]; ok {
		return v, true, nil
	}
	if _, ok := l.pending[h]; ok {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("unknown transaction %s", h)
}

func (l *Ledger) AwaitConfirmation(ctx context.Context, h ledger.Handle, timeout time.Duration) (ledger.Confirmation, error) {
	return l.waiter.Wait(ctx, timeout, func(context.Context) (ledger.Confirmation, bool, error) {
		v, done, err := l.Status(h)
		return ledger.Confirmation{Version: v}, done, err
	}, nil)
}

// Mint credits addr immediately, as the faucet does.
func (l *Ledger) Mint(_ context.Context, addr ledger.Address, amount uint64) (faucet.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle()

	l.version++
	l.faucetSeq++
	to := l.acct(addr)
	to.balance += amount
	to.received++
	l.record(ledger.ZeroAddress, addr, amount, l.clock.Now().Add(expirationWindow), "")
	return faucet.Result{Sequence: strconv.FormatUint(l.faucetSeq, 10)}, nil
}

func (l *Ledger) ListTransactions(_ context.Context, addr ledger.Address) ([]explorer.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settle()

	hexAddr := addr.Hex()
	var out []explorer.Transaction
	for _, tx := range l.history {
		if tx.From == hexAddr || tx.To == hexAddr {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (l *Ledger) Ping(context.Context) error {
	return nil
}
