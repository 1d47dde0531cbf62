package transfer

import (
	"errors"
	"fmt"

	"github.com/upright-vc/libra2key/internal/ledger"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNetwork marks failed reads. Reads are safe to retry.
	ErrNetwork = errors.New("network error")
	// ErrLedgerClient marks a failed submission. It is never retried here.
	ErrLedgerClient = errors.New("ledger client error")
)

type Kind int

const (
	Accepted Kind = iota + 1
	RejectedByAdmissionControl
	ConfirmationTimeout
	BalanceMismatch
)

func (k Kind) String() string {
	switch k {
	case 0:
		return "unverified"
	case Accepted:
		return "accepted"
	case RejectedByAdmissionControl:
		return "rejected"
	case ConfirmationTimeout:
		return "confirmation_timeout"
	case BalanceMismatch:
		return "balance_mismatch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of a transfer that reached the ledger.
//
// Which fields are meaningful depends on Kind:
//   - Accepted: Version, NewBalance
//   - RejectedByAdmissionControl: Status, Detail
//   - ConfirmationTimeout: Handle only; the caller must re-query state
//   - BalanceMismatch: Version, Expected, Actual
//
// A zero Kind with a Handle means the transfer was submitted but the
// coordinator returned an error before it could verify it.
type Outcome struct {
	Kind       Kind             `json:"kind"`
	Handle     ledger.Handle    `json:"handle,omitempty"`
	Version    uint64           `json:"version,omitempty"`
	NewBalance uint64           `json:"newBalance,omitempty"`
	Status     ledger.AckStatus `json:"status"`
	Detail     string           `json:"detail,omitempty"`
	Expected   uint64           `json:"expected,omitempty"`
	Actual     uint64           `json:"actual,omitempty"`
}

// NeedsReconciliation reports whether a human has to look at the ledger:
// the transaction was submitted but its effect was not verified.
func (o Outcome) NeedsReconciliation() bool {
	switch o.Kind {
	case ConfirmationTimeout, BalanceMismatch:
		return true
	case Accepted, RejectedByAdmissionControl:
		return false
	default:
		return o.Handle != ""
	}
}
