// Package lamports holds the integer money arithmetic used by the ledger.
//
// Every balance, stake and payout is a count of lamports (1 SOL = 10^9
// lamports). Products are computed on big integers so pot × fraction never
// overflows, and conversion to a human-readable string is an exact base-10
// shift through shopspring/decimal.
package lamports

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the display currency.
const Decimals int32 = 9

// PerSOL is the number of lamports in one display unit.
const PerSOL uint64 = 1_000_000_000

// BasisPoints is the denominator for fractional economics (100% = 10000).
const BasisPoints uint64 = 10_000

var (
	// ErrInvalidAmount is returned when a display string cannot be converted
	// into a whole, non-negative number of lamports.
	ErrInvalidAmount = errors.New("lamports: invalid amount")

	// ErrOverflow is returned when a result does not fit in uint64.
	ErrOverflow = errors.New("lamports: amount overflows uint64")

	maxUint64 = new(big.Int).SetUint64(^uint64(0))
)

// Format renders an amount as a fixed 9-decimal string, e.g. 1500000000 → "1.500000000".
func Format(amount uint64) string {
	return ToDecimal(amount).StringFixed(Decimals)
}

// ToDecimal converts lamports to display units exactly.
func ToDecimal(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -Decimals)
}

// Parse converts a display string ("0.25") into lamports. More than nine
// fractional digits, negatives and values beyond uint64 are rejected rather
// than rounded.
func Parse(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts display units to lamports without rounding.
func FromDecimal(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	bi := scaled.BigInt()
	if bi.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return bi.Uint64(), nil
}

// MulDiv returns floor(a*b/c) computed without intermediate overflow. The
// result saturates at the uint64 maximum; callers keep b <= c so it cannot.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	n.Quo(n, new(big.Int).SetUint64(c))
	if n.Cmp(maxUint64) > 0 {
		return ^uint64(0)
	}
	return n.Uint64()
}

// Bps returns floor(amount * bps / 10000).
func Bps(amount, bps uint64) uint64 {
	return MulDiv(amount, bps, BasisPoints)
}

// ParseUint parses a raw lamport count as written in JSON strings or SQL
// NUMERIC text.
func ParseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// String renders a raw lamport count for NUMERIC parameters.
func String(amount uint64) string {
	return strconv.FormatUint(amount, 10)
}
