package ledger

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/domain"
)

func applyTransfers(balances map[uuid.UUID]domain.Money, transfers []domain.Transfer) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(balances))
	for id, b := range balances {
		out[id] = b.Units
	}
	for _, tr := range transfers {
		out[tr.FromMemberID] += tr.Amount.Units
		out[tr.ToMemberID] -= tr.Amount.Units
	}
	return out
}

func TestPlanSettlementsClearsAllBalances(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	balances := map[uuid.UUID]domain.Money{
		a: usd(6666),
		b: usd(-3333),
		c: usd(-3333),
	}

	transfers, err := PlanSettlements(balances)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	for _, tr := range transfers {
		if tr.ToMemberID != a || tr.Amount.Units != 3333 {
			t.Fatalf("expected both debtors to pay 3333 units to the creditor, got %+v", tr)
		}
	}
	for id, remaining := range applyTransfers(balances, transfers) {
		if remaining != 0 {
			t.Fatalf("member %s left with %d units after applying plan", id, remaining)
		}
	}
}

func TestPlanSettlementsTransferSumEqualsPositiveBalance(t *testing.T) {
	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = uuid.New()
	}
	balances := map[uuid.UUID]domain.Money{
		ids[0]: usd(9000),
		ids[1]: usd(1500),
		ids[2]: usd(-4000),
		ids[3]: usd(-2500),
		ids[4]: usd(-2000),
		ids[5]: usd(-2000),
	}

	transfers, err := PlanSettlements(balances)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum int64
	for _, tr := range transfers {
		if !tr.Amount.IsPositive() {
			t.Fatalf("transfer amounts must be positive, got %d", tr.Amount.Units)
		}
		sum += tr.Amount.Units
	}
	if sum != 10500 {
		t.Fatalf("transfer sum %d, want total creditor balance 10500", sum)
	}
	if len(transfers) > len(ids)-1 {
		t.Fatalf("emitted %d transfers for %d members, want at most %d", len(transfers), len(ids), len(ids)-1)
	}
}

func TestPlanSettlementsRandomizedZeroSumBalances(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(12)
		balances := make(map[uuid.UUID]domain.Money, n)
		var running int64
		ids := make([]uuid.UUID, n)
		for i := 0; i < n-1; i++ {
			ids[i] = uuid.New()
			units := rng.Int63n(20001) - 10000
			balances[ids[i]] = usd(units)
			running += units
		}
		ids[n-1] = uuid.New()
		balances[ids[n-1]] = usd(-running)

		transfers, err := PlanSettlements(balances)
		if err != nil {
			t.Fatalf("trial %d: unexpected error: %v", trial, err)
		}
		if len(transfers) > n-1 {
			t.Fatalf("trial %d: %d transfers for %d members", trial, len(transfers), n)
		}
		for id, remaining := range applyTransfers(balances, transfers) {
			if remaining != 0 {
				t.Fatalf("trial %d: member %s left with %d units", trial, id, remaining)
			}
		}
	}
}

func TestPlanSettlementsDeterministic(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	balances := map[uuid.UUID]domain.Money{
		a: usd(5000),
		b: usd(5000),
		c: usd(-5000),
		d: usd(-5000),
	}

	first, err := PlanSettlements(balances)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := PlanSettlements(balances)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("plan length changed between runs")
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("plan differs between runs at transfer %d", j)
			}
		}
	}
}

func TestPlanSettlementsRejectsNonZeroSum(t *testing.T) {
	balances := map[uuid.UUID]domain.Money{
		uuid.New(): usd(100),
		uuid.New(): usd(-50),
	}
	if _, err := PlanSettlements(balances); !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected ErrLedgerInconsistency, got %v", err)
	}
}

func TestPlanSettlementsEmptyAndAllZero(t *testing.T) {
	if transfers, err := PlanSettlements(nil); err != nil || len(transfers) != 0 {
		t.Fatalf("expected empty plan for empty balances, got %v, %v", transfers, err)
	}
	balances := map[uuid.UUID]domain.Money{
		uuid.New(): usd(0),
		uuid.New(): usd(0),
	}
	if transfers, err := PlanSettlements(balances); err != nil || len(transfers) != 0 {
		t.Fatalf("expected empty plan for all-zero balances, got %v, %v", transfers, err)
	}
}
