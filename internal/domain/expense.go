/**
 * @description
 * This file defines the expense-splitting domain models: expenses, the split
 * rows derived from them, and direct settlements between group members. These
 * structs map to their database tables and are the inputs of the ledger.
 *
 * @notes
 * - Expenses are never hard-deleted. A split recalculation regenerates the
 *   expense's split rows atomically (delete-and-reinsert) so that the
 *   sum-of-splits-equals-total invariant always holds for the stored rows.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SplitKind selects how an expense total is divided among participants.
type SplitKind string

const (
	SplitEqual      SplitKind = "EQUAL"
	SplitPercentage SplitKind = "PERCENTAGE"
	SplitExact      SplitKind = "EXACT"
)

// Valid reports whether the kind is one of the supported split strategies.
func (k SplitKind) Valid() bool {
	switch k {
	case SplitEqual, SplitPercentage, SplitExact:
		return true
	}
	return false
}

// Expense is a shared cost paid by one group member on behalf of the group.
type Expense struct {
	ID          uuid.UUID `json:"id"`
	GroupID     uuid.UUID `json:"group_id"`
	PayerID     uuid.UUID `json:"payer_id"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Total       Money     `json:"total"`
	SplitKind   SplitKind `json:"split_kind"`
	ReceiptURL  *string   `json:"receipt_url,omitempty"`
	Date        time.Time `json:"date"`
	CreatedAt   time.Time `json:"created_at"`
}

// Split is one member's owed share of an expense. The Percentage field is only
// populated for PERCENTAGE expenses and is retained so that recomputation can
// replay the original request.
type Split struct {
	ID         uuid.UUID  `json:"id"`
	ExpenseID  uuid.UUID  `json:"expense_id"`
	MemberID   uuid.UUID  `json:"member_id"`
	Owed       Money      `json:"owed"`
	Percentage *float64   `json:"percentage,omitempty"`
	Settled    bool       `json:"settled"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// DirectSettlement records a member paying another member outside the expense
// flow, typically to clear a planned transfer.
type DirectSettlement struct {
	ID           uuid.UUID  `json:"id"`
	GroupID      uuid.UUID  `json:"group_id"`
	FromMemberID uuid.UUID  `json:"from_member_id"`
	ToMemberID   uuid.UUID  `json:"to_member_id"`
	Amount       Money      `json:"amount"`
	Settled      bool       `json:"settled"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Transfer is one point-to-point payment emitted by the settlement planner.
// It is an output-only value; executed transfers may be persisted as
// DirectSettlement rows.
type Transfer struct {
	FromMemberID uuid.UUID `json:"from_member_id"`
	ToMemberID   uuid.UUID `json:"to_member_id"`
	Amount       Money     `json:"amount"`
}

// CreateExpenseRequest is the DTO for incoming expense creation API requests.
type CreateExpenseRequest struct {
	GroupID     uuid.UUID          `json:"group_id"`
	PayerID     uuid.UUID          `json:"payer_id"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	Amount      string             `json:"amount"` // decimal string, e.g. "100.00"
	Currency    string             `json:"currency"`
	Date        time.Time          `json:"date"`
	SplitKind   SplitKind          `json:"split_kind"`
	Splits      []SplitShareInput  `json:"splits"`
	ReceiptURL  *string            `json:"receipt_url,omitempty"`
}

// SplitShareInput is one participant's entry in an expense creation request.
// Percentage is required for PERCENTAGE expenses and Amount for EXACT ones.
type SplitShareInput struct {
	MemberID   uuid.UUID `json:"member_id"`
	Percentage *float64  `json:"percentage,omitempty"`
	Amount     *string   `json:"amount,omitempty"` // decimal string
}

// RecordSettlementRequest is the DTO for persisting a direct settlement.
type RecordSettlementRequest struct {
	GroupID      uuid.UUID `json:"group_id"`
	FromMemberID uuid.UUID `json:"from_member_id"`
	ToMemberID   uuid.UUID `json:"to_member_id"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Settled      bool      `json:"settled"`
}
