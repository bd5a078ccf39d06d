/**
 * @description
 * This file implements the debt-netting settlement planner: it converts a
 * zero-summing balance map into a short list of point-to-point transfers that
 * clears every balance. The algorithm greedily pairs the largest debtor with
 * the largest creditor; it is bounded (at most members-1 transfers) and fully
 * deterministic, but makes no claim of a globally minimal transfer count.
 */

package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/domain"
)

type party struct {
	memberID uuid.UUID
	units    int64 // always positive: magnitude of the balance
}

// byMagnitude orders parties by remaining balance descending, breaking ties
// on member id ascending so plans are reproducible run to run.
func byMagnitude(parties []party) func(i, j int) bool {
	return func(i, j int) bool {
		if parties[i].units != parties[j].units {
			return parties[i].units > parties[j].units
		}
		return parties[i].memberID.String() < parties[j].memberID.String()
	}
}

// PlanSettlements produces transfers that zero out the given balances.
//
// The input must sum to zero (the ledger invariant); anything else is
// rejected rather than turned into a plan that cannot fully clear. The sum
// of emitted transfer amounts equals the total positive balance.
func PlanSettlements(balances map[uuid.UUID]domain.Money) ([]domain.Transfer, error) {
	var creditors, debtors []party
	var sum int64
	asset := domain.Asset{}
	for id, b := range balances {
		sum += b.Units
		asset = b.Asset
		switch {
		case b.Units > 0:
			creditors = append(creditors, party{memberID: id, units: b.Units})
		case b.Units < 0:
			debtors = append(debtors, party{memberID: id, units: -b.Units})
		}
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: balances sum to %d units, cannot plan settlements", ErrLedgerInconsistency, sum)
	}

	var transfers []domain.Transfer
	for len(debtors) > 0 && len(creditors) > 0 {
		// Re-sort each round: reducing a party's balance can demote it below
		// others, and the next pairing must again take the two largest.
		sort.Slice(debtors, byMagnitude(debtors))
		sort.Slice(creditors, byMagnitude(creditors))

		d, c := &debtors[0], &creditors[0]
		amount := d.units
		if c.units < amount {
			amount = c.units
		}
		transfers = append(transfers, domain.Transfer{
			FromMemberID: d.memberID,
			ToMemberID:   c.memberID,
			Amount:       domain.NewMoney(amount, asset),
		})
		d.units -= amount
		c.units -= amount
		if d.units == 0 {
			debtors = debtors[1:]
		}
		if c.units == 0 {
			creditors = creditors[1:]
		}
	}
	return transfers, nil
}
