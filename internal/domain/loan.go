/**
 * @description
 * This file defines the collateralized-loan domain models. A loan is created by
 * a successful borrow against BTC collateral on the settlement network; it is
 * mutated only by repayment. Interest is always derived at read time from the
 * principal, rate, and elapsed days; it is never stored incrementally.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanActive    LoanStatus = "active"
	LoanRepaid    LoanStatus = "repaid"
	LoanDefaulted LoanStatus = "defaulted"
)

// Loan is a stablecoin debt backed by BTC collateral.
type Loan struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	NetworkLoanID      string          `json:"network_loan_id"`
	Principal          Money           `json:"principal"`  // MUSD
	Collateral         Money           `json:"collateral"` // BTC
	InterestRateAnnual decimal.Decimal `json:"interest_rate_annual"`
	DurationDays       int             `json:"duration_days"`
	Status             LoanStatus      `json:"status"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	CreatedAt          time.Time       `json:"created_at"`
}

// BorrowRequest is the DTO for incoming borrow API requests. CollateralBTC is
// optional; when absent the service sizes collateral at the conservative
// default ratio.
type BorrowRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	AmountMUSD    string    `json:"amount_musd"` // decimal string
	CollateralBTC *string   `json:"collateral_btc,omitempty"`
	DurationDays  int       `json:"duration_days"`
	Purpose       string    `json:"purpose,omitempty"`
}

// RepayRequest is the DTO for loan repayment requests. Amount is optional;
// when absent the full outstanding amount (principal plus accrued interest)
// is repaid.
type RepayRequest struct {
	AmountMUSD *string `json:"amount_musd,omitempty"`
}

// LoanView is the API representation of a loan with its derived outstanding
// amount as of the time of the request.
type LoanView struct {
	Loan
	AccruedInterest Money `json:"accrued_interest"`
	Outstanding     Money `json:"outstanding"`
}
