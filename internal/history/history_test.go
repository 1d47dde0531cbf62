package history

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/ledger"
)

const (
	subjectHex = "8E2A8B3E9F3C1D4B5A6978FEDCBA0123456789ABCDEF0123456789ABCDEF0123"
	otherHex   = "1111111111111111111111111111111111111111111111111111111111111111"
)

func subject(t *testing.T) ledger.Address {
	addr, err := ledger.ParseAddress(subjectHex)
	require.NoError(t, err)
	return addr
}

func tx(version, from, to, value string) explorer.Transaction {
	return explorer.Transaction{Version: version, From: from, To: to, Value: value, ExpirationTime: "1570000000"}
}

func TestProjectOrdersByVersionDescending(t *testing.T) {
	raw := []explorer.Transaction{
		tx("3", otherHex, subjectHex, "1"),
		tx("1", otherHex, subjectHex, "1"),
		tx("2", otherHex, subjectHex, "1"),
	}
	out, err := Project(raw, subject(t), "")
	require.NoError(t, err)

	var versions []uint64
	for _, rec := range out {
		versions = append(versions, rec.LedgerVersion)
	}
	require.Equal(t, []uint64{3, 2, 1}, versions)
}

func TestProjectStableForEqualVersions(t *testing.T) {
	raw := []explorer.Transaction{
		tx("5", otherHex, subjectHex, "1"),
		tx("5", otherHex, subjectHex, "2"),
		tx("9", otherHex, subjectHex, "3"),
		tx("5", otherHex, subjectHex, "4"),
	}
	out, err := Project(raw, subject(t), "")
	require.NoError(t, err)

	var amounts []string
	for _, rec := range out {
		amounts = append(amounts, rec.Amount.Shift(6).String())
	}
	require.Equal(t, []string{"3", "1", "2", "4"}, amounts)
}

func TestClassify(t *testing.T) {
	zero := strings.Repeat("0", 64)
	sub := subject(t)

	ev, typ := Classify(zero, sub)
	require.Equal(t, EventMint, ev)
	require.Equal(t, TypeMint, typ)

	ev, _ = Classify("0x"+zero, sub)
	require.Equal(t, EventMint, ev)

	ev, typ = Classify(strings.ToLower(subjectHex), sub)
	require.Equal(t, EventSent, ev)
	require.Equal(t, TypePeerToPeer, typ)

	ev, _ = Classify(subjectHex, sub)
	require.Equal(t, EventSent, ev)

	ev, _ = Classify(otherHex, sub)
	require.Equal(t, EventReceived, ev)
}

func TestProjectConvertsFields(t *testing.T) {
	raw := []explorer.Transaction{tx("77", otherHex, subjectHex, "1500000")}
	out, err := Project(raw, subject(t), "https://explorer.test/")
	require.NoError(t, err)
	require.Len(t, out, 1)

	rec := out[0]
	require.Equal(t, "1.5", rec.Amount.String())
	require.Equal(t, time.Unix(1570000000, 0).UTC(), rec.Date)
	require.Equal(t, "https://explorer.test/version/77", rec.ExplorerLink)
	require.Equal(t, EventReceived, rec.Event)
}

func TestProjectRejectsMalformed(t *testing.T) {
	for _, bad := range []explorer.Transaction{
		tx("x", otherHex, subjectHex, "1"),
		tx("1", otherHex, subjectHex, "1.5"),
		{Version: "1", From: otherHex, Value: "1", ExpirationTime: "soon"},
	} {
		_, err := Project([]explorer.Transaction{bad}, subject(t), "")
		require.ErrorIs(t, err, ErrMalformedRecord)
	}
}
