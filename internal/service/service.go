// Package service exposes the account operations behind the HTTP API. All
// operations share one ledger client.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/faucet"
	"github.com/upright-vc/libra2key/internal/history"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/retry"
	"github.com/upright-vc/libra2key/internal/transfer"
	"github.com/upright-vc/libra2key/internal/units"
	"github.com/upright-vc/libra2key/internal/wallet"
)

var (
	ErrInvalidAddress  = transfer.ErrInvalidAddress
	ErrInvalidAmount   = transfer.ErrInvalidAmount
	ErrInvalidMnemonic = wallet.ErrInvalidMnemonic
	ErrNetwork         = transfer.ErrNetwork
)

type Deps struct {
	Ledger   ledger.Client
	Wallet   wallet.Provider
	Faucet   faucet.Service
	Explorer explorer.Service

	Coordinator *transfer.Coordinator
	ReadRetry   retry.Policy
	// ExplorerLinkBase prefixes history explorer links.
	ExplorerLinkBase string
	// OnReadRetry receives retry results of state reads.
	OnReadRetry func(result string)
	Logger      *zap.Logger
}

type Service struct {
	Deps
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.OnReadRetry == nil {
		d.OnReadRetry = func(string) {}
	}
	if d.Coordinator == nil {
		d.Coordinator = transfer.NewCoordinator(d.Ledger, transfer.Config{ReadRetry: d.ReadRetry},
			transfer.WithLogger(d.Logger))
	}
	return &Service{Deps: d}
}

type Wallet struct {
	Address  ledger.Address `json:"address"`
	Mnemonic string         `json:"mnemonic"`
}

type EventCounts struct {
	SentEventsCount     uint64 `json:"sentEventsCount"`
	ReceivedEventsCount uint64 `json:"receivedEventsCount"`
}

type TransferResult struct {
	Outcome transfer.Outcome `json:"outcome"`
	Address ledger.Address   `json:"address"`
}

type MintResult struct {
	Result  faucet.Result   `json:"result"`
	Address ledger.Address  `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

func parseAddress(s string) (ledger.Address, error) {
	addr, err := ledger.ParseAddress(s)
	if err != nil {
		return addr, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return addr, nil
}

func (s *Service) state(ctx context.Context, addr ledger.Address) (ledger.AccountState, error) {
	var st ledger.AccountState
	err := retry.Do(ctx, s.ReadRetry, func(ctx context.Context) error {
		var err error
		st, err = s.Ledger.GetAccountState(ctx, addr)
		if errors.Is(err, ledger.ErrInvalidAddress) {
			return retry.Permanent(err)
		}
		return err
	}, retry.WithObserver(s.OnReadRetry))
	if errors.Is(err, ledger.ErrInvalidAddress) {
		return ledger.AccountState{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if err != nil {
		return ledger.AccountState{}, fmt.Errorf("%w: account state of %s: %w", ErrNetwork, addr, err)
	}
	return st, nil
}

// QueryBalance returns the balance of address in display units.
func (s *Service) QueryBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return decimal.Decimal{}, err
	}
	st, err := s.state(ctx, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return units.ToDisplayUnits(st.Balance), nil
}

func (s *Service) AccountState(ctx context.Context, address string) (EventCounts, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return EventCounts{}, err
	}
	st, err := s.state(ctx, addr)
	if err != nil {
		return EventCounts{}, err
	}
	return EventCounts{SentEventsCount: st.SentEventCount, ReceivedEventsCount: st.ReceivedEventCount}, nil
}

func (s *Service) CreateWallet() (Wallet, error) {
	acc, mnemonic, err := s.Wallet.NewAccount()
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	return Wallet{Address: acc.Address(), Mnemonic: mnemonic}, nil
}

// Transfer sends amount from account 0 of mnemonic to the address to.
func (s *Service) Transfer(ctx context.Context, mnemonic, to string, amount decimal.Decimal) (TransferResult, error) {
	acc, err := s.Wallet.DeriveAccount(mnemonic, 0)
	if err != nil {
		return TransferResult{}, err
	}
	out, err := s.Coordinator.Transfer(ctx, acc, to, amount)
	return TransferResult{Outcome: out, Address: acc.Address()}, err
}

func (s *Service) Mint(ctx context.Context, address string, amount decimal.Decimal) (MintResult, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return MintResult{}, err
	}
	if amount.Sign() <= 0 {
		return MintResult{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	base, err := units.ToBaseUnits(amount)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	res, err := s.Faucet.Mint(ctx, addr, base)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: mint: %w", ErrNetwork, err)
	}
	s.Logger.Info("minted", zap.Stringer("address", addr), zap.Uint64("amount", base), zap.String("sequence", res.Sequence))
	return MintResult{Result: res, Address: addr, Amount: amount}, nil
}

func (s *Service) TransactionHistory(ctx context.Context, address string) ([]history.Record, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	raw, err := s.Explorer.ListTransactions(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	recs, err := history.Project(raw, addr, s.ExplorerLinkBase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return recs, nil
}

// IsInputError reports whether err was caused by the caller's input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidMnemonic)
}
