package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const transferGasLimit = 21000

// EthClient implements Client against an EVM JSON-RPC node. Ledger addresses
// map to EVM accounts through their low 20 bytes.
type EthClient struct {
	client         *ethclient.Client
	chainID        *big.Int
	weiPerBaseUnit *big.Int
	waiter         *Waiter
	logger         *zap.Logger
}

type EthClientConfig struct {
	RPCURL string
	// WeiPerBaseUnit scales ledger base units to wei. Defaults to 10^12 so
	// that one display unit equals one ether.
	WeiPerBaseUnit *big.Int
	Waiter         *Waiter
	Logger         *zap.Logger
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	scale := cfg.WeiPerBaseUnit
	if scale == nil || scale.Sign() <= 0 {
		scale = big.NewInt(1_000_000_000_000)
	}
	waiter := cfg.Waiter
	if waiter == nil {
		waiter = DefaultWaiter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EthClient{
		client:         cli,
		chainID:        chainID,
		weiPerBaseUnit: scale,
		waiter:         waiter,
		logger:         logger.Named("eth"),
	}, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

// EVMAddress returns the EVM account a ledger address maps to. Only
// addresses whose high 12 bytes are zero have one.
func EVMAddress(a Address) (common.Address, error) {
	for _, b := range a[:AddressLength-common.AddressLength] {
		if b != 0 {
			return common.Address{}, fmt.Errorf("%w: %s is not an EVM account", ErrInvalidAddress, a)
		}
	}
	return common.BytesToAddress(a[:]), nil
}

// FromEVMAddress left-pads an EVM address to a ledger address.
func FromEVMAddress(a common.Address) Address {
	var out Address
	copy(out[:], common.LeftPadBytes(a.Bytes(), AddressLength))
	return out
}

func (c *EthClient) GetAccountState(ctx context.Context, addr Address) (AccountState, error) {
	evm, err := EVMAddress(addr)
	if err != nil {
		return AccountState{}, err
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return AccountState{}, fmt.Errorf("block number: %w", err)
	}
	at := new(big.Int).SetUint64(head)

	wei, err := c.client.BalanceAt(ctx, evm, at)
	if err != nil {
		return AccountState{}, fmt.Errorf("balance of %s: %w", evm.Hex(), err)
	}
	nonce, err := c.client.NonceAt(ctx, evm, at)
	if err != nil {
		return AccountState{}, fmt.Errorf("nonce of %s: %w", evm.Hex(), err)
	}

	base := new(big.Int).Quo(wei, c.weiPerBaseUnit)
	if !base.IsUint64() {
		return AccountState{}, fmt.Errorf("balance of %s overflows base units", evm.Hex())
	}

	// EVM nodes do not index incoming transfers, so ReceivedEventCount stays zero.
	return AccountState{
		Address:        addr,
		Balance:        base.Uint64(),
		SentEventCount: nonce,
		Version:        head,
	}, nil
}

func (c *EthClient) SubmitTransfer(ctx context.Context, from Account, to Address, amount uint64) (Submission, error) {
	signer, ok := from.(Signer)
	if !ok {
		return Submission{}, fmt.Errorf("account %s cannot sign", from.Address())
	}
	sender, err := EVMAddress(from.Address())
	if err != nil {
		return Submission{}, err
	}
	dest, err := EVMAddress(to)
	if err != nil {
		return Submission{Status: AckRejected, Detail: err.Error()}, nil
	}

	nonce, err := c.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return Submission{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("gas price: %w", err)
	}

	value := new(big.Int).Mul(new(big.Int).SetUint64(amount), c.weiPerBaseUnit)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    value,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), signer.PrivateKey())
	if err != nil {
		return Submission{}, fmt.Errorf("sign transfer: %w", err)
	}

	handle := Handle(signed.Hash().Hex())
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if status, rejected := admissionStatus(err); rejected {
			c.logger.Info("transfer not admitted",
				zap.String("tx", string(handle)),
				zap.Stringer("status", status),
				zap.Error(err),
			)
			return Submission{Status: status, Handle: handle, Detail: err.Error()}, nil
		}
		return Submission{}, fmt.Errorf("send transfer: %w", err)
	}

	return Submission{Status: AckAccepted, Handle: handle}, nil
}

// admissionStatus classifies txpool errors, which reach us as plain RPC
// error strings.
func admissionStatus(err error) (AckStatus, bool) {
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"blacklist", "blocked address"} {
		if strings.Contains(msg, frag) {
			return AckBlacklisted, true
		}
	}
	for _, frag := range []string{
		"insufficient funds",
		"nonce too low",
		"nonce too high",
		"underpriced",
		"already known",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"txpool is full",
	} {
		if strings.Contains(msg, frag) {
			return AckRejected, true
		}
	}
	return AckAccepted, false
}

func (c *EthClient) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Confirmation, error) {
	hash := common.HexToHash(string(h))

	// Websocket transports push new heads; HTTP falls back to plain polling.
	var wake chan struct{}
	heads := make(chan *types.Header, 1)
	if sub, err := c.client.SubscribeNewHead(ctx, heads); err == nil {
		defer sub.Unsubscribe()
		wake = make(chan struct{}, 1)
		go func() {
			for {
				select {
				case <-heads:
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-sub.Err():
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return c.waiter.Wait(ctx, timeout, func(ctx context.Context) (Confirmation, bool, error) {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{}, false, nil
		}
		if err != nil {
			return Confirmation{}, false, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			c.logger.Warn("transfer reverted", zap.String("tx", string(h)))
		}
		return Confirmation{Version: receipt.BlockNumber.Uint64()}, true, nil
	}, wake)
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
