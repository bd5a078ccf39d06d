/**
 * @description
 * This file defines the payment domain models: the ledger record for a MUSD
 * transfer between members, the request DTO for the pay endpoint, and the
 * result returned to callers. A payment request carries either a fiat amount
 * (converted at the current rate) or a direct MUSD amount, never both.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is the ledger record for a MUSD transfer executed on the settlement
// network.
type Payment struct {
	ID           uuid.UUID     `json:"id"`
	FromUserID   uuid.UUID     `json:"from_user_id"`
	ToUserID     uuid.UUID     `json:"to_user_id"`
	AmountMUSD   Money         `json:"amount_musd"`
	AmountFiat   *Money        `json:"amount_fiat,omitempty"`
	RateSource   *RateSource   `json:"rate_source,omitempty"`
	TxHash       string        `json:"tx_hash"`
	Memo         string        `json:"memo,omitempty"`
	ExpenseID    *uuid.UUID    `json:"expense_id,omitempty"`
	AutoBorrowed bool          `json:"auto_borrowed"`
	LoanID       *uuid.UUID    `json:"loan_id,omitempty"`
	Status       PaymentStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PaymentRequest is the DTO for incoming payment API requests.
type PaymentRequest struct {
	FromUserID   uuid.UUID  `json:"from_user_id"`
	ToUserID     uuid.UUID  `json:"to_user_id"`
	AmountFiat   *string    `json:"amount_fiat,omitempty"` // decimal string
	FiatCurrency string     `json:"fiat_currency,omitempty"`
	AmountMUSD   *string    `json:"amount_musd,omitempty"` // decimal string
	Memo         string     `json:"memo,omitempty"`
	ExpenseID    *uuid.UUID `json:"expense_id,omitempty"`
}

// PaymentResult summarizes a completed payment, including whether an
// auto-borrow was required to cover a shortfall.
type PaymentResult struct {
	Payment      *Payment `json:"payment"`
	AutoBorrowed bool     `json:"auto_borrowed"`
	BorrowedMUSD *Money   `json:"borrowed_musd,omitempty"`
	Confirmed    bool     `json:"confirmed"`
}
