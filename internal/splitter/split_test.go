package splitter

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/domain"
)

func members(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func sumShares(t *testing.T, shares []Share) int64 {
	t.Helper()
	var sum int64
	for _, s := range shares {
		sum += s.Amount.Units
	}
	return sum
}

func TestEqualExactSum(t *testing.T) {
	totals := []int64{1, 99, 100, 10000, 10001, 33333, 123457}
	for n := 1; n <= 50; n++ {
		ids := members(n)
		for _, units := range totals {
			total := domain.NewMoney(units, domain.USD)
			shares, err := Equal(total, ids)
			if err != nil {
				t.Fatalf("n=%d units=%d: unexpected error: %v", n, units, err)
			}
			if got := sumShares(t, shares); got != units {
				t.Fatalf("n=%d units=%d: shares sum to %d", n, units, got)
			}
			for i, s := range shares {
				if s.MemberID != ids[i] {
					t.Fatalf("share order must follow member order")
				}
			}
		}
	}
}

func TestEqualHundredAmongThree(t *testing.T) {
	ids := members(3)
	total := domain.NewMoney(10000, domain.USD) // 100.00
	shares, err := Equal(total, ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{3334, 3333, 3333}
	for i, w := range want {
		if shares[i].Amount.Units != w {
			t.Fatalf("share %d: expected %d units, got %d", i, w, shares[i].Amount.Units)
		}
	}
}

func TestEqualRejectsEmptyMembers(t *testing.T) {
	if _, err := Equal(domain.NewMoney(100, domain.USD), nil); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestByPercentageExactSum(t *testing.T) {
	ids := members(3)
	tests := []struct {
		name     string
		units    int64
		percents []float64
	}{
		{name: "thirds", units: 10000, percents: []float64{33.33, 33.33, 33.34}},
		{name: "uneven", units: 9999, percents: []float64{50, 30, 20}},
		{name: "drifty", units: 101, percents: []float64{33.4, 33.3, 33.3}},
		{name: "epsilon low", units: 5000, percents: []float64{33.33, 33.33, 33.33}},  // sums to 99.99
		{name: "epsilon high", units: 5000, percents: []float64{33.34, 33.34, 33.33}}, // sums to 100.01
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := domain.NewMoney(tt.units, domain.USD)
			in := make([]PercentShare, len(tt.percents))
			for i, p := range tt.percents {
				in[i] = PercentShare{MemberID: ids[i], Percent: p}
			}
			shares, err := ByPercentage(total, in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := sumShares(t, shares); got != tt.units {
				t.Fatalf("shares sum to %d, want %d", got, tt.units)
			}
		})
	}
}

func TestByPercentageDriftGoesToLargestShare(t *testing.T) {
	ids := members(3)
	total := domain.NewMoney(10000, domain.USD)
	in := []PercentShare{
		{MemberID: ids[0], Percent: 20},
		{MemberID: ids[1], Percent: 60},
		{MemberID: ids[2], Percent: 20},
	}
	shares, err := ByPercentage(total, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No drift case: shares are just the rounded amounts.
	if shares[1].Amount.Units != 6000 {
		t.Fatalf("largest share expected 6000 units, got %d", shares[1].Amount.Units)
	}

	// Force drift: 33.33 + 33.33 + 33.34 over 100.01 leaves one unit to park.
	total = domain.NewMoney(10001, domain.USD)
	in = []PercentShare{
		{MemberID: ids[0], Percent: 33.33},
		{MemberID: ids[1], Percent: 33.33},
		{MemberID: ids[2], Percent: 33.34},
	}
	shares, err = ByPercentage(total, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sumShares(t, shares); got != 10001 {
		t.Fatalf("shares sum to %d, want 10001", got)
	}
	// ids[2] holds the largest percentage, so it absorbs the correction.
	if shares[2].Amount.Units <= shares[0].Amount.Units {
		t.Fatalf("correction must land on the largest percentage share")
	}
}

func TestByPercentageRejectsBadInput(t *testing.T) {
	ids := members(2)
	total := domain.NewMoney(10000, domain.USD)

	tests := []struct {
		name string
		in   []PercentShare
	}{
		{name: "empty", in: nil},
		{name: "sum too low", in: []PercentShare{{ids[0], 50}, {ids[1], 49.9}}},
		{name: "sum too high", in: []PercentShare{{ids[0], 50}, {ids[1], 50.1}}},
		{name: "zero percent", in: []PercentShare{{ids[0], 0}, {ids[1], 100}}},
		{name: "negative percent", in: []PercentShare{{ids[0], -10}, {ids[1], 110}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ByPercentage(total, tt.in); !errors.Is(err, ErrInvalidSplit) {
				t.Fatalf("expected ErrInvalidSplit, got %v", err)
			}
		})
	}
}

func TestByExactReturnsBalancedInputUnchanged(t *testing.T) {
	ids := members(3)
	total := domain.NewMoney(10000, domain.USD)
	in := []ExactShare{
		{MemberID: ids[0], Amount: domain.NewMoney(5000, domain.USD)},
		{MemberID: ids[1], Amount: domain.NewMoney(3000, domain.USD)},
		{MemberID: ids[2], Amount: domain.NewMoney(2000, domain.USD)},
	}
	shares, err := ByExact(total, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range shares {
		if s.Amount.Units != in[i].Amount.Units || s.MemberID != in[i].MemberID {
			t.Fatalf("exact shares must be returned unchanged")
		}
	}
}

func TestByExactRejectsUnbalancedInput(t *testing.T) {
	ids := members(2)
	total := domain.NewMoney(10000, domain.USD)

	// Off by two minor units: beyond the one-cent epsilon for a 2dp currency.
	in := []ExactShare{
		{MemberID: ids[0], Amount: domain.NewMoney(5000, domain.USD)},
		{MemberID: ids[1], Amount: domain.NewMoney(4998, domain.USD)},
	}
	if _, err := ByExact(total, in); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for unbalanced exact shares, got %v", err)
	}

	// Non-positive share.
	in = []ExactShare{
		{MemberID: ids[0], Amount: domain.NewMoney(10000, domain.USD)},
		{MemberID: ids[1], Amount: domain.NewMoney(0, domain.USD)},
	}
	if _, err := ByExact(total, in); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for zero share, got %v", err)
	}

	// Currency mismatch inside the shares.
	in = []ExactShare{
		{MemberID: ids[0], Amount: domain.NewMoney(5000, domain.USD)},
		{MemberID: ids[1], Amount: domain.NewMoney(5000, domain.EUR)},
	}
	if _, err := ByExact(total, in); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit for mixed currencies, got %v", err)
	}
}
