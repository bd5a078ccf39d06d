/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the settlement-service. By
 * defining an interface, we decouple the application's business logic from
 * the specific database implementation (PostgreSQL), making the code more
 * modular and easier to test.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and group methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindGroupMembers(ctx context.Context, groupID uuid.UUID) ([]domain.GroupMember, error)
	IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)

	// Expense and split methods
	CreateExpenseWithSplits(ctx context.Context, expense *domain.Expense, splits []domain.Split) error
	FindExpenseByID(ctx context.Context, expenseID uuid.UUID) (*domain.Expense, error)
	FindExpensesByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.Expense, error)
	FindSplitsByExpenseID(ctx context.Context, expenseID uuid.UUID) ([]domain.Split, error)
	FindSplitsByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.Split, error)
	// ReplaceSplits atomically swaps an expense's split rows for the given
	// set. Used by split recomputation; settled rows are never replaced.
	ReplaceSplits(ctx context.Context, expenseID uuid.UUID, splits []domain.Split) error
	MarkSplitSettled(ctx context.Context, splitID uuid.UUID) error

	// Settlement methods
	CreateSettlement(ctx context.Context, settlement *domain.DirectSettlement) error
	FindSettlementsByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.DirectSettlement, error)

	// Loan methods
	CreateLoan(ctx context.Context, loan *domain.Loan) error
	FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	FindLoansByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error)
	CountActiveLoansByUserID(ctx context.Context, userID uuid.UUID) (int, error)
	// ApplyLoanRepayment persists the post-repayment principal and status in
	// one statement so a partial and a full repayment follow the same path.
	ApplyLoanRepayment(ctx context.Context, loanID uuid.UUID, remainingPrincipalUnits int64, status domain.LoanStatus) error

	// Payment methods
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByTxHash(ctx context.Context, txHash string) (*domain.Payment, error)
	FindPaymentsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error)
}
