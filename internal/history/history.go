// Package history turns raw explorer records into an account's transaction
// history.
package history

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/units"
)

var ErrMalformedRecord = errors.New("malformed explorer record")

type Event string

const (
	EventMint     Event = "mint"
	EventSent     Event = "sent"
	EventReceived Event = "received"
)

const (
	TypeMint        = "mint_transaction"
	TypePeerToPeer  = "peer_to_peer_transaction"
	defaultLinkBase = "https://libexplorer.com"
)

type Record struct {
	Amount        decimal.Decimal `json:"amount"`
	FromAddress   string          `json:"fromAddress"`
	ToAddress     string          `json:"toAddress"`
	Date          time.Time       `json:"date"`
	LedgerVersion uint64          `json:"transactionVersion"`
	ExplorerLink  string          `json:"explorerLink"`
	Event         Event           `json:"event"`
	Type          string          `json:"type"`
}

// Project classifies raw records relative to subject and orders them by
// ledger version, newest first. Records sharing a version keep their input
// order. linkBase defaults to the public explorer.
func Project(raw []explorer.Transaction, subject ledger.Address, linkBase string) ([]Record, error) {
	if linkBase == "" {
		linkBase = defaultLinkBase
	}
	linkBase = strings.TrimRight(linkBase, "/")

	out := make([]Record, 0, len(raw))
	for i, tx := range raw {
		rec, err := project(tx, subject, linkBase)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LedgerVersion > out[j].LedgerVersion
	})
	return out, nil
}

func project(tx explorer.Transaction, subject ledger.Address, linkBase string) (Record, error) {
	version, err := strconv.ParseUint(strings.TrimSpace(tx.Version), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: version %q", ErrMalformedRecord, tx.Version)
	}
	base, err := units.ParseBase(tx.Value)
	if err != nil {
		return Record{}, fmt.Errorf("%w: value %q", ErrMalformedRecord, tx.Value)
	}
	expiry, err := strconv.ParseInt(strings.TrimSpace(tx.ExpirationTime), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: expirationTime %q", ErrMalformedRecord, tx.ExpirationTime)
	}

	rec := Record{
		Amount:        units.ToDisplayUnits(base),
		FromAddress:   tx.From,
		ToAddress:     tx.To,
		Date:          time.Unix(expiry, 0).UTC(),
		LedgerVersion: version,
		ExplorerLink:  fmt.Sprintf("%s/version/%d", linkBase, version),
	}
	rec.Event, rec.Type = Classify(tx.From, subject)
	return rec, nil
}

// Classify decides how a transfer from `from` looks to subject.
func Classify(from string, subject ledger.Address) (Event, string) {
	switch {
	case ledger.SameHex(from, ledger.ZeroAddress.Hex()):
		return EventMint, TypeMint
	case ledger.SameHex(from, subject.Hex()):
		return EventSent, TypePeerToPeer
	default:
		return EventReceived, TypePeerToPeer
	}
}
