/**
 * @description
 * This file defines the Money type used for every ledger-critical amount in the
 * service. Amounts are stored as `int64` minor units (cents for fiat, micro-MUSD
 * for the stable asset, satoshi for BTC) together with an asset tag, which avoids
 * floating-point inaccuracies with financial data and makes cross-asset arithmetic
 * a compile-visible, explicit operation.
 *
 * @dependencies
 * - github.com/shopspring/decimal: For parsing decimal strings and for the rate
 *   math at the conversion boundary. Decimals never appear in stored balances.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an amount cannot be represented in the
// asset's minor units: over-precision input, a non-numeric string, or a
// negative value where one is not allowed.
var ErrInvalidAmount = errors.New("invalid amount")

// Asset identifies a currency or token and its minor-unit precision.
type Asset struct {
	Code     string
	Decimals int32
}

var (
	USD  = Asset{Code: "USD", Decimals: 2}
	INR  = Asset{Code: "INR", Decimals: 2}
	EUR  = Asset{Code: "EUR", Decimals: 2}
	GBP  = Asset{Code: "GBP", Decimals: 2}
	MUSD = Asset{Code: "MUSD", Decimals: 6}
	BTC  = Asset{Code: "BTC", Decimals: 8}
)

// FiatAssets holds the supported fiat currencies keyed by code.
var FiatAssets = map[string]Asset{
	"USD": USD,
	"INR": INR,
	"EUR": EUR,
	"GBP": GBP,
}

// AssetByCode resolves any supported asset, fiat or otherwise, by its code.
func AssetByCode(code string) (Asset, bool) {
	if asset, ok := FiatAssets[code]; ok {
		return asset, true
	}
	switch code {
	case MUSD.Code:
		return MUSD, true
	case BTC.Code:
		return BTC, true
	}
	return Asset{}, false
}

// Money is an integer-scaled amount in a single asset.
type Money struct {
	Units int64
	Asset Asset
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON renders the amount as a fixed-precision decimal string with its
// currency code, the wire form used across the API.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:   m.Decimal().StringFixed(m.Asset.Decimals),
		Currency: m.Asset.Code,
	})
}

// UnmarshalJSON parses the wire form back into minor units.
func (m *Money) UnmarshalJSON(data []byte) error {
	var wire moneyJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	asset, ok := AssetByCode(wire.Currency)
	if !ok {
		return fmt.Errorf("%w: unknown currency %q", ErrInvalidAmount, wire.Currency)
	}
	parsed, err := ParseMoney(wire.Amount, asset)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// NewMoney creates a Money from minor units.
func NewMoney(units int64, asset Asset) Money {
	return Money{Units: units, Asset: asset}
}

// ParseMoney constructs a Money from a decimal string such as "33.34".
// Input with more fractional digits than the asset supports is rejected
// rather than silently rounded.
func ParseMoney(s string, asset Asset) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	return MoneyFromDecimal(d, asset)
}

// MoneyFromDecimal converts an exact decimal value into minor units.
// The value must fit the asset's precision exactly.
func MoneyFromDecimal(d decimal.Decimal, asset Asset) (Money, error) {
	scaled := d.Shift(asset.Decimals)
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s exceeds %s precision of %d decimal places",
			ErrInvalidAmount, d.String(), asset.Code, asset.Decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: %s overflows %s minor units", ErrInvalidAmount, d.String(), asset.Code)
	}
	return Money{Units: scaled.IntPart(), Asset: asset}, nil
}

// Decimal returns the amount as an exact decimal in whole asset units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Units, -m.Asset.Decimals)
}

// String renders the amount as "33.34 USD".
func (m Money) String() string {
	return m.Decimal().StringFixed(m.Asset.Decimals) + " " + m.Asset.Code
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Units == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Units < 0 }

// IsPositive reports whether the amount is above zero.
func (m Money) IsPositive() bool { return m.Units > 0 }

// Neg returns the arithmetic negation.
func (m Money) Neg() Money { return Money{Units: -m.Units, Asset: m.Asset} }

// Abs returns the magnitude.
func (m Money) Abs() Money {
	if m.Units < 0 {
		return m.Neg()
	}
	return m
}

func (m Money) sameAsset(other Money) error {
	if m.Asset.Code != other.Asset.Code {
		return fmt.Errorf("%w: cannot combine %s with %s", ErrInvalidAmount, m.Asset.Code, other.Asset.Code)
	}
	return nil
}

// Add returns m + other. Both operands must share an asset.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameAsset(other); err != nil {
		return Money{}, err
	}
	return Money{Units: m.Units + other.Units, Asset: m.Asset}, nil
}

// Sub returns m - other. Both operands must share an asset.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameAsset(other); err != nil {
		return Money{}, err
	}
	return Money{Units: m.Units - other.Units, Asset: m.Asset}, nil
}

// ScaleRound multiplies the amount by an arbitrary decimal factor and rounds
// the result to the asset's minor units using round-half-up. This is the only
// sanctioned way a Money passes through non-integer arithmetic.
func (m Money) ScaleRound(factor decimal.Decimal) Money {
	units := decimal.New(m.Units, 0).Mul(factor).Round(0)
	return Money{Units: units.IntPart(), Asset: m.Asset}
}

// DivideEvenly splits the amount into n shares whose sum equals the original
// exactly. The remainder (Units mod n) is distributed one minor unit at a time
// to the first shares in order, which is the tie-break rule the split
// calculator relies on for determinism.
func (m Money) DivideEvenly(n int) ([]Money, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: cannot divide into %d shares", ErrInvalidAmount, n)
	}
	if m.Units < 0 {
		return nil, fmt.Errorf("%w: cannot divide negative amount %s", ErrInvalidAmount, m)
	}
	base := m.Units / int64(n)
	remainder := m.Units % int64(n)
	shares := make([]Money, n)
	for i := range shares {
		units := base
		if int64(i) < remainder {
			units++
		}
		shares[i] = Money{Units: units, Asset: m.Asset}
	}
	return shares, nil
}
