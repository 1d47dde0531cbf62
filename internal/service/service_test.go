package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upright-vc/libra2key/internal/devnet"
	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/history"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/retry"
	"github.com/upright-vc/libra2key/internal/transfer"
	"github.com/upright-vc/libra2key/internal/wallet"
)

func newService(t *testing.T) (*Service, *devnet.Ledger) {
	t.Helper()
	net := devnet.New(devnet.WithLogger(zaptest.NewLogger(t)))
	svc := New(Deps{
		Ledger:      net,
		Wallet:      wallet.HKDF{},
		Faucet:      net,
		Explorer:    net,
		Coordinator: transfer.NewCoordinator(net, transfer.Config{ConfirmationTimeout: time.Second}),
		ReadRetry:   retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		Logger:      zaptest.NewLogger(t),
	})
	return svc, net
}

func TestWalletMintTransferFlow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	sender, err := svc.CreateWallet()
	require.NoError(t, err)
	receiver, err := svc.CreateWallet()
	require.NoError(t, err)

	minted, err := svc.Mint(ctx, sender.Address.Hex(), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, sender.Address, minted.Address)

	bal, err := svc.QueryBalance(ctx, sender.Address.Hex())
	require.NoError(t, err)
	require.Equal(t, "100", bal.String())

	res, err := svc.Transfer(ctx, sender.Mnemonic, receiver.Address.Hex(), decimal.RequireFromString("12.345678"))
	require.NoError(t, err)
	require.Equal(t, transfer.Accepted, res.Outcome.Kind)
	require.Equal(t, sender.Address, res.Address)

	bal, err = svc.QueryBalance(ctx, receiver.Address.Hex())
	require.NoError(t, err)
	require.Equal(t, "12.345678", bal.String())

	counts, err := svc.AccountState(ctx, sender.Address.Hex())
	require.NoError(t, err)
	require.Equal(t, EventCounts{SentEventsCount: 1, ReceivedEventsCount: 1}, counts)

	hist, err := svc.TransactionHistory(ctx, sender.Address.Hex())
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, history.EventSent, hist[0].Event)
	require.Equal(t, history.EventMint, hist[1].Event)
}

func TestInputErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.QueryBalance(ctx, "xyz")
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.True(t, IsInputError(err))

	_, err = svc.Mint(ctx, ledger.Address{1}.Hex(), decimal.RequireFromString("0.0000001"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "bad mnemonic", ledger.Address{1}.Hex(), decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrInvalidMnemonic)
	require.True(t, IsInputError(err))
}

type failingExplorer struct{}

func (failingExplorer) ListTransactions(context.Context, ledger.Address) ([]explorer.Transaction, error) {
	return nil, explorer.ErrNetwork
}

func TestHistoryNetworkError(t *testing.T) {
	svc, _ := newService(t)
	svc.Explorer = failingExplorer{}

	_, err := svc.TransactionHistory(context.Background(), ledger.Address{1}.Hex())
	require.ErrorIs(t, err, ErrNetwork)
	require.False(t, IsInputError(err))
}

type flakyLedger struct {
	*devnet.Ledger
	failures int
}

func (f *flakyLedger) GetAccountState(ctx context.Context, addr ledger.Address) (ledger.AccountState, error) {
	if f.failures > 0 {
		f.failures--
		return ledger.AccountState{}, errors.New("connection reset")
	}
	return f.Ledger.GetAccountState(ctx, addr)
}

func TestBalanceReadIsRetried(t *testing.T) {
	svc, net := newService(t)
	svc.Ledger = &flakyLedger{Ledger: net, failures: 1}

	var results []string
	svc.OnReadRetry = func(r string) { results = append(results, r) }

	bal, err := svc.QueryBalance(context.Background(), ledger.Address{1}.Hex())
	require.NoError(t, err)
	require.True(t, bal.IsZero())
	require.Equal(t, []string{"retry", "success"}, results)

	svc.Ledger = &flakyLedger{Ledger: net, failures: 5}
	_, err = svc.QueryBalance(context.Background(), ledger.Address{1}.Hex())
	require.ErrorIs(t, err, ErrNetwork)
}

type unmappableLedger struct {
	*devnet.Ledger
	calls int
}

func (u *unmappableLedger) GetAccountState(context.Context, ledger.Address) (ledger.AccountState, error) {
	u.calls++
	return ledger.AccountState{}, fmt.Errorf("%w: not an EVM account", ledger.ErrInvalidAddress)
}

func TestUnmappableAddressIsInputError(t *testing.T) {
	svc, net := newService(t)
	l := &unmappableLedger{Ledger: net}
	svc.Ledger = l

	_, err := svc.QueryBalance(context.Background(), ledger.Address{1}.Hex())
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.True(t, IsInputError(err))
	require.NotErrorIs(t, err, ErrNetwork)
	require.Equal(t, 1, l.calls)
}
