// Package units converts between display units (whole coins) and the ledger's
// integer base units (micro-coins). All arithmetic is exact decimal arithmetic.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of base units in one display unit.
const Scale = 1_000_000

// scaleExp is log10(Scale).
const scaleExp = 6

var ErrInvalidAmount = errors.New("invalid amount")

var maxBase = new(big.Int).SetUint64(^uint64(0))

// ToBaseUnits scales a display amount by 10^6. The result must be an exact
// non-negative integer that fits into uint64.
func ToBaseUnits(display decimal.Decimal) (uint64, error) {
	if display.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, display.String())
	}
	scaled := display.Shift(scaleExp)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, display.String(), scaleExp)
	}
	b := scaled.BigInt()
	if b.Cmp(maxBase) > 0 {
		return 0, fmt.Errorf("%w: %s overflows base units", ErrInvalidAmount, display.String())
	}
	return b.Uint64(), nil
}

// ToDisplayUnits divides base units by 10^6 without rounding.
func ToDisplayUnits(base uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -scaleExp)
}

// Parse reads a display amount from a decimal string such as "12.5".
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// ParseBase reads a base-unit integer from a decimal string.
func ParseBase(s string) (uint64, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || b.Sign() < 0 || b.Cmp(maxBase) > 0 {
		return 0, fmt.Errorf("%w: base amount %q", ErrInvalidAmount, s)
	}
	return b.Uint64(), nil
}
