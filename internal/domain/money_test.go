package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		asset     Asset
		wantUnits int64
		wantErr   bool
	}{
		{name: "whole dollars", input: "100", asset: USD, wantUnits: 10000},
		{name: "cents", input: "33.34", asset: USD, wantUnits: 3334},
		{name: "negative allowed at parse", input: "-5.50", asset: USD, wantUnits: -550},
		{name: "six decimal MUSD", input: "0.000001", asset: MUSD, wantUnits: 1},
		{name: "satoshi precision", input: "0.00092310", asset: BTC, wantUnits: 92310},
		{name: "over-precision fiat", input: "1.005", asset: USD, wantErr: true},
		{name: "over-precision MUSD", input: "1.0000005", asset: MUSD, wantErr: true},
		{name: "not a number", input: "abc", asset: USD, wantErr: true},
		{name: "empty", input: "", asset: USD, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMoney(tt.input, tt.asset)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("expected ErrInvalidAmount, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Units != tt.wantUnits {
				t.Fatalf("expected %d units, got %d", tt.wantUnits, m.Units)
			}
		})
	}
}

func TestMoneyAddSubAssetMismatch(t *testing.T) {
	usd := NewMoney(100, USD)
	eur := NewMoney(100, EUR)

	if _, err := usd.Add(eur); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount adding USD to EUR, got %v", err)
	}
	if _, err := usd.Sub(eur); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount subtracting EUR from USD, got %v", err)
	}

	sum, err := usd.Add(NewMoney(50, USD))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Units != 150 {
		t.Fatalf("expected 150 units, got %d", sum.Units)
	}
}

func TestDivideEvenlyExactSum(t *testing.T) {
	tests := []struct {
		name  string
		units int64
		n     int
	}{
		{name: "evenly divisible", units: 9000, n: 3},
		{name: "remainder one", units: 10000, n: 3},
		{name: "remainder spread", units: 1003, n: 5},
		{name: "single share", units: 777, n: 1},
		{name: "more shares than units", units: 3, n: 7},
		{name: "zero total", units: 0, n: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := NewMoney(tt.units, USD)
			shares, err := total.DivideEvenly(tt.n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(shares) != tt.n {
				t.Fatalf("expected %d shares, got %d", tt.n, len(shares))
			}
			var sum int64
			for i, s := range shares {
				sum += s.Units
				if i > 0 && s.Units > shares[i-1].Units {
					t.Fatalf("share %d larger than share %d: remainder must go to the first shares", i, i-1)
				}
			}
			if sum != tt.units {
				t.Fatalf("shares sum to %d, want %d", sum, tt.units)
			}
		})
	}
}

func TestDivideEvenlySweep(t *testing.T) {
	// Exact-sum invariant across the full range the split calculator sees.
	for n := 1; n <= 50; n++ {
		for _, units := range []int64{1, 99, 100, 101, 9999, 10000, 10001, 123457} {
			total := NewMoney(units, USD)
			shares, err := total.DivideEvenly(n)
			if err != nil {
				t.Fatalf("n=%d units=%d: unexpected error: %v", n, units, err)
			}
			var sum int64
			for _, s := range shares {
				sum += s.Units
			}
			if sum != units {
				t.Fatalf("n=%d units=%d: shares sum to %d", n, units, sum)
			}
		}
	}
}

func TestDivideEvenlyRejectsInvalidInput(t *testing.T) {
	if _, err := NewMoney(100, USD).DivideEvenly(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for n=0, got %v", err)
	}
	if _, err := NewMoney(-100, USD).DivideEvenly(2); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative total, got %v", err)
	}
}

func TestScaleRoundHalfUp(t *testing.T) {
	m := NewMoney(1000, USD) // 10.00

	half := m.ScaleRound(decimal.RequireFromString("0.005"))
	if half.Units != 5 {
		t.Fatalf("expected 5 units, got %d", half.Units)
	}

	// 1000 * 0.0015 = 1.5 -> rounds half-up to 2
	edge := m.ScaleRound(decimal.RequireFromString("0.0015"))
	if edge.Units != 2 {
		t.Fatalf("expected round-half-up to 2 units, got %d", edge.Units)
	}
}
