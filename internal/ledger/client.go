// Package ledger defines the ledger client contract consumed by the transfer
// coordinator and the adapters that implement it.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"
)

var ErrConfirmationTimeout = errors.New("confirmation timeout")

// Client abstracts the ledger node.
type Client interface {
	GetAccountState(ctx context.Context, addr Address) (AccountState, error)
	// SubmitTransfer sends exactly one transaction. It is never retried by callers.
	SubmitTransfer(ctx context.Context, from Account, to Address, amount uint64) (Submission, error)
	// AwaitConfirmation blocks until the transaction is sequenced, the timeout
	// elapses (ErrConfirmationTimeout) or ctx is done.
	AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Confirmation, error)
}

// HealthChecker is implemented by clients that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Signer is implemented by accounts that hold a secp256k1 key.
type Signer interface {
	Account
	PrivateKey() *ecdsa.PrivateKey
}
