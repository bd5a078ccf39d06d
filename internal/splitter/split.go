/**
 * @description
 * This package is the pure split calculator: given an expense total and a
 * list of participant shares it computes each participant's owed amount. Every
 * strategy guarantees that the computed shares sum exactly to the total in
 * minor units; rounding drift is corrected deterministically, never leaked.
 * Persistence of the resulting splits is the caller's responsibility.
 */

package splitter

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tripsplit/settlement-service/internal/domain"
)

// ErrInvalidSplit is returned when caller-supplied split data does not
// balance: percentages off 100, exact amounts off the total, or empty or
// non-positive shares.
var ErrInvalidSplit = errors.New("invalid split")

// percentEpsilon is the tolerance on the percentage sum, matching the 0.01
// slack the API has always accepted.
var percentEpsilon = decimal.RequireFromString("0.01")

// Share is one participant's computed owed amount.
type Share struct {
	MemberID uuid.UUID
	Amount   domain.Money
}

// PercentShare is one participant's requested percentage of the total.
type PercentShare struct {
	MemberID uuid.UUID
	Percent  float64
}

// ExactShare is one participant's caller-supplied exact amount.
type ExactShare struct {
	MemberID uuid.UUID
	Amount   domain.Money
}

// Equal divides the total evenly among the members, in the given order.
// Any indivisible remainder lands one minor unit at a time on the earliest
// members, so the result is deterministic and sums exactly to the total.
func Equal(total domain.Money, memberIDs []uuid.UUID) ([]Share, error) {
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidSplit)
	}
	amounts, err := total.DivideEvenly(len(memberIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	shares := make([]Share, len(memberIDs))
	for i, id := range memberIDs {
		shares[i] = Share{MemberID: id, Amount: amounts[i]}
	}
	return shares, nil
}

// ByPercentage computes each member's share from a percentage, then corrects
// the rounding drift by applying the leftover minor units to the share with
// the largest percentage. Ties break to the lowest member id so that
// recomputation always yields identical rows.
func ByPercentage(total domain.Money, shares []PercentShare) ([]Share, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidSplit)
	}

	sum := decimal.Zero
	for _, s := range shares {
		p := decimal.NewFromFloat(s.Percent)
		if !p.IsPositive() {
			return nil, fmt.Errorf("%w: percentage for member %s must be positive", ErrInvalidSplit, s.MemberID)
		}
		sum = sum.Add(p)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(percentEpsilon) {
		return nil, fmt.Errorf("%w: percentages sum to %s, want 100", ErrInvalidSplit, sum.String())
	}

	out := make([]Share, len(shares))
	var allocated int64
	correction := 0
	for i, s := range shares {
		pct := decimal.NewFromFloat(s.Percent).Div(decimal.NewFromInt(100))
		amt := total.ScaleRound(pct)
		out[i] = Share{MemberID: s.MemberID, Amount: amt}
		allocated += amt.Units

		cur := shares[correction]
		if s.Percent > cur.Percent ||
			(s.Percent == cur.Percent && s.MemberID.String() < cur.MemberID.String()) {
			correction = i
		}
	}

	// Drift is at most a few minor units; park it on the largest share.
	drift := total.Units - allocated
	if drift != 0 {
		out[correction].Amount.Units += drift
	}
	return out, nil
}

// ByExact validates that the caller-supplied amounts already balance and
// returns them unchanged. The tolerance is one cent-equivalent scaled to the
// currency's precision; anything beyond that is an error, never silently
// corrected, because the caller claimed these figures were exact.
func ByExact(total domain.Money, shares []ExactShare) ([]Share, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidSplit)
	}

	sum := domain.NewMoney(0, total.Asset)
	for _, s := range shares {
		if !s.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: amount for member %s must be positive", ErrInvalidSplit, s.MemberID)
		}
		var err error
		sum, err = sum.Add(s.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
		}
	}

	diff, err := sum.Sub(total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	if diff.Abs().Units > exactEpsilonUnits(total.Asset) {
		return nil, fmt.Errorf("%w: amounts sum to %s, want %s", ErrInvalidSplit, sum, total)
	}

	out := make([]Share, len(shares))
	for i, s := range shares {
		out[i] = Share{MemberID: s.MemberID, Amount: s.Amount}
	}
	return out, nil
}

// exactEpsilonUnits is 0.01 whole units expressed in the asset's minor units,
// floored at one minor unit for low-precision assets.
func exactEpsilonUnits(asset domain.Asset) int64 {
	units := int64(1)
	for i := int32(2); i < asset.Decimals; i++ {
		units *= 10
	}
	return units
}
