/**
 * @description
 * This package computes group balances and settlement plans from a consistent
 * snapshot of a group's expenses, splits, and direct settlements. It performs
 * no locking and no I/O: callers must serialize writes to a group's expense
 * state (or load inputs inside one repeatable-read transaction) before
 * invoking it, and re-derive balances from the full input set rather than
 * patching incrementally.
 *
 * Sign convention: a positive balance means the group owes the member money,
 * a negative balance means the member owes the group.
 */

package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/domain"
)

// ErrLedgerInconsistency means the inputs violate an internal invariant:
// splits that do not sum to their expense, mixed currencies, balances that do
// not cancel. It indicates a data-integrity bug upstream and is never
// retried or silently corrected.
var ErrLedgerInconsistency = errors.New("ledger inconsistency")

// BalanceInputs is the snapshot of a group's state the ledger consumes.
type BalanceInputs struct {
	Expenses    []domain.Expense
	Splits      []domain.Split
	Settlements []domain.DirectSettlement
}

// ComputeBalances derives the net balance per member.
//
// For every unpaid split, the owing member is debited and the expense's payer
// credited by the owed amount; settled splits contribute no net movement
// because that debt has already cleared. For every direct settlement, the
// sender is credited (their payment reduces what they owe) and the receiver
// debited. The construction is pairwise, so balances always cancel; the
// zero-sum check at the end guards against asset mixups and bad inputs.
func ComputeBalances(asset domain.Asset, in BalanceInputs) (map[uuid.UUID]domain.Money, error) {
	balances := make(map[uuid.UUID]domain.Money)
	get := func(id uuid.UUID) domain.Money {
		if b, ok := balances[id]; ok {
			return b
		}
		return domain.NewMoney(0, asset)
	}

	payerByExpense := make(map[uuid.UUID]uuid.UUID, len(in.Expenses))
	splitSums := make(map[uuid.UUID]int64, len(in.Expenses))
	for _, e := range in.Expenses {
		if e.Total.Asset.Code != asset.Code {
			return nil, fmt.Errorf("%w: expense %s is in %s, ledger is in %s",
				ErrLedgerInconsistency, e.ID, e.Total.Asset.Code, asset.Code)
		}
		payerByExpense[e.ID] = e.PayerID
		// Touch the payer so members with no debts still appear in the output.
		balances[e.PayerID] = get(e.PayerID)
	}

	for _, s := range in.Splits {
		payer, ok := payerByExpense[s.ExpenseID]
		if !ok {
			return nil, fmt.Errorf("%w: split %s references unknown expense %s",
				ErrLedgerInconsistency, s.ID, s.ExpenseID)
		}
		if s.Owed.Asset.Code != asset.Code {
			return nil, fmt.Errorf("%w: split %s is in %s, ledger is in %s",
				ErrLedgerInconsistency, s.ID, s.Owed.Asset.Code, asset.Code)
		}
		splitSums[s.ExpenseID] += s.Owed.Units
		balances[s.MemberID] = get(s.MemberID)

		if s.Settled {
			continue
		}
		debit, err := get(s.MemberID).Sub(s.Owed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
		}
		balances[s.MemberID] = debit
		credit, err := get(payer).Add(s.Owed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
		}
		balances[payer] = credit
	}

	// Every expense's stored splits must reproduce its total exactly; a
	// mismatch means split regeneration leaked rounding upstream.
	for _, e := range in.Expenses {
		if sum, ok := splitSums[e.ID]; ok && sum != e.Total.Units {
			return nil, fmt.Errorf("%w: splits for expense %s sum to %d units, expense total is %d",
				ErrLedgerInconsistency, e.ID, sum, e.Total.Units)
		}
	}

	for _, st := range in.Settlements {
		if st.Amount.Asset.Code != asset.Code {
			return nil, fmt.Errorf("%w: settlement %s is in %s, ledger is in %s",
				ErrLedgerInconsistency, st.ID, st.Amount.Asset.Code, asset.Code)
		}
		credit, err := get(st.FromMemberID).Add(st.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
		}
		balances[st.FromMemberID] = credit
		debit, err := get(st.ToMemberID).Sub(st.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
		}
		balances[st.ToMemberID] = debit
	}

	var sum int64
	for _, b := range balances {
		sum += b.Units
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: balances sum to %d units, want 0", ErrLedgerInconsistency, sum)
	}
	return balances, nil
}
