package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressLength is the byte length of a ledger account address.
const AddressLength = 32

// Address identifies an account on the ledger.
type Address [AddressLength]byte

// ZeroAddress is the sender of minted coins.
var ZeroAddress Address

var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress decodes a 64 character hex address. A 0x prefix is accepted.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 2*AddressLength {
		return a, fmt.Errorf("%w: %q has length %d", ErrInvalidAddress, s, len(raw))
	}
	if _, err := hex.Decode(a[:], []byte(raw)); err != nil {
		return a, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return a, nil
}

// Hex returns the lowercase hex form without prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SameHex compares two hex address strings ignoring case and 0x prefixes.
func SameHex(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	}
	return norm(a) == norm(b)
}

// Account is the sending side of a transfer. Keys stay with the wallet.
type Account interface {
	Address() Address
}

// AccountState is a snapshot of an account at a ledger version.
type AccountState struct {
	Address            Address
	Balance            uint64 // base units
	SentEventCount     uint64
	ReceivedEventCount uint64
	Version            uint64
}

// AckStatus is the admission control verdict on a submitted transaction.
type AckStatus int

const (
	AckAccepted AckStatus = iota
	AckBlacklisted
	AckRejected
)

func (s AckStatus) String() string {
	switch s {
	case AckAccepted:
		return "accepted"
	case AckBlacklisted:
		return "blacklisted"
	case AckRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s AckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handle identifies a submitted transaction.
type Handle string

// Submission is the immediate acknowledgement of SubmitTransfer.
type Submission struct {
	Status AckStatus
	Handle Handle
	// Detail carries the node's reason for a rejection, if any.
	Detail string
}

// Confirmation reports the version at which a transaction was sequenced.
type Confirmation struct {
	Version uint64
}
