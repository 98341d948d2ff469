// Package num implements the fixed-point arithmetic used across the
// poller: conversion between native token decimals and the 18-decimal
// canonical representation, and slippage math in decibasis points
// (1 dbp = 0.001%, 100000 dbp = 100%).
package num

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// DbpsDenominator is the decibasis-point scale: 100000 dbps == 100%.
const DbpsDenominator = 100_000

var (
	// ErrOverflow is returned when a ratio computation exceeds 256 bits.
	ErrOverflow = errors.New("num: value overflows 256 bits")
	// ErrDecimals is returned for token decimals outside [0,18].
	ErrDecimals = errors.New("num: decimals out of range")
	// ErrDbps is returned for a slippage bound outside [0,100000).
	ErrDbps = errors.New("num: dbps out of range")
	// ErrDivisionByZero is returned when a ratio has a zero denominator.
	ErrDivisionByZero = errors.New("num: division by zero")
	// ErrDecimalString is returned for malformed or over-precise decimal
	// strings.
	ErrDecimalString = errors.New("num: bad decimal string")
)

// pow10 caches 10^0..10^18 for decimal scaling.
var pow10 [19]*big.Int

func init() {
	x := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range pow10 {
		pow10[i] = new(big.Int).Set(x)
		x.Mul(x, ten)
	}
}

// Pow10 returns 10^n for n in [0,18]. The result must not be mutated.
func Pow10(n uint8) *big.Int {
	if int(n) >= len(pow10) {
		panic(fmt.Sprintf("num: pow10 exponent %d out of range", n))
	}
	return pow10[n]
}

// ToCanonical converts an amount in native token units with the given
// decimals into the 18-decimal canonical representation. The scaling is
// exact; intermediate values may exceed 256 bits and are carried in
// arbitrary precision.
func ToCanonical(x *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if x == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Mul(x, pow10[18-decimals]), nil
}

// FromCanonical converts a canonical 18-decimal amount into native token
// units, truncating any dust the native precision cannot express.
func FromCanonical(x *big.Int, decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if x == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Quo(x, pow10[18-decimals]), nil
}

// Rescale converts an amount between two native precisions via the
// canonical representation, truncating toward zero.
func Rescale(x *big.Int, from, to uint8) (*big.Int, error) {
	c, err := ToCanonical(x, from)
	if err != nil {
		return nil, err
	}
	return FromCanonical(c, to)
}

// SlippageDbps computes the realized slippage of a transfer in decibasis
// points: (sent − received) × 100000 / sent, with both amounts in
// canonical 18-decimal units. The result is negative when the transfer
// produced more than it consumed. Division truncates toward zero.
func SlippageDbps(sent, received *big.Int) (int64, error) {
	if sent == nil || sent.Sign() <= 0 {
		return 0, fmt.Errorf("%w: sent amount", ErrDivisionByZero)
	}
	if received == nil {
		received = new(big.Int)
	}
	s, overflow := uint256.FromBig(sent)
	if overflow {
		return 0, ErrOverflow
	}
	r, overflow := uint256.FromBig(received)
	if overflow {
		return 0, ErrOverflow
	}
	neg := false
	diff := new(uint256.Int)
	if r.Cmp(s) > 0 {
		diff.Sub(r, s)
		neg = true
	} else {
		diff.Sub(s, r)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(diff, uint256.NewInt(DbpsDenominator))
	if overflow {
		return 0, ErrOverflow
	}
	q := new(uint256.Int).Div(scaled, s)
	if !q.IsUint64() || q.Uint64() > uint64(1)<<62 {
		return 0, ErrOverflow
	}
	dbps := int64(q.Uint64())
	if neg {
		dbps = -dbps
	}
	return dbps, nil
}

// MinReceived returns the smallest acceptable output for the given sent
// amount under a slippage cap: amount × (100000 − dbps) / 100000,
// truncated.
func MinReceived(amount *big.Int, maxDbps int64) (*big.Int, error) {
	if maxDbps < 0 || maxDbps >= DbpsDenominator {
		return nil, fmt.Errorf("%w: %d", ErrDbps, maxDbps)
	}
	if amount == nil {
		amount = new(big.Int)
	}
	a, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	n, overflow := new(uint256.Int).MulOverflow(a, uint256.NewInt(uint64(DbpsDenominator-maxDbps)))
	if overflow {
		return nil, ErrOverflow
	}
	return n.Div(n, uint256.NewInt(DbpsDenominator)).ToBig(), nil
}

// GrossForNet sizes a send amount so that after worst-case slippage the
// delivered amount still covers net: net × 100000 / (100000 − dbps),
// rounded up.
func GrossForNet(net *big.Int, maxDbps int64) (*big.Int, error) {
	if maxDbps < 0 || maxDbps >= DbpsDenominator {
		return nil, fmt.Errorf("%w: %d", ErrDbps, maxDbps)
	}
	if net == nil {
		net = new(big.Int)
	}
	n, overflow := uint256.FromBig(net)
	if overflow {
		return nil, ErrOverflow
	}
	scaled, overflow := new(uint256.Int).MulOverflow(n, uint256.NewInt(DbpsDenominator))
	if overflow {
		return nil, ErrOverflow
	}
	den := uint256.NewInt(uint64(DbpsDenominator - maxDbps))
	rem := new(uint256.Int)
	q, _ := new(uint256.Int).DivMod(scaled, den, rem)
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	return q.ToBig(), nil
}

// WithinSlippage reports whether the realized slippage of a quote stays
// at or under the cap.
func WithinSlippage(sent, received *big.Int, maxDbps int64) (bool, error) {
	dbps, err := SlippageDbps(sent, received)
	if err != nil {
		return false, err
	}
	return dbps <= maxDbps, nil
}

// MulDiv returns x × num / den with truncation. Intermediate values are
// carried in arbitrary precision so proportional rescaling of large
// canonical amounts cannot overflow.
func MulDiv(x, num, den *big.Int) (*big.Int, error) {
	if den == nil || den.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	p := new(big.Int).Mul(x, num)
	return p.Quo(p, den), nil
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// ParseDecimal converts a non-negative plain decimal string ("1.25",
// "12") into native units at the given precision. Excess fractional
// digits are rejected rather than silently truncated, since exchange
// fees and minimums must convert exactly.
func ParseDecimal(s string, decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: %q", ErrDecimalString, s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q needs more than %d decimals", ErrDecimalString, s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDecimalString, s)
	}
	return out, nil
}

// FormatDecimal renders a non-negative native-precision amount as the
// plain decimal string exchanges expect, without trailing zeros.
func FormatDecimal(x *big.Int, decimals uint8) string {
	if x == nil || x.Sign() == 0 {
		return "0"
	}
	q, r := new(big.Int).QuoRem(x, Pow10(decimals), new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := r.String()
	if pad := int(decimals) - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}
	return q.String() + "." + strings.TrimRight(frac, "0")
}
