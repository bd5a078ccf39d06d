/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the necessary SQL queries to interact with the
 * database tables for users, groups, expenses, splits, settlements, loans,
 * and payments.
 *
 * Monetary columns are stored as bigint minor units next to a currency code
 * column; amounts are reassembled into domain.Money at scan time so no float
 * ever touches a balance.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Interest rate column parsing.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tripsplit/settlement-service/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrExpenseNotFound    = errors.New("expense not found")
	ErrSplitNotFound      = errors.New("split not found")
	ErrLoanNotFound       = errors.New("loan not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrUnknownCurrency    = errors.New("unknown currency code in database row")
	ErrSplitAlreadySettled = errors.New("split already settled")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// assetByCode resolves a stored currency code back into an Asset.
func assetByCode(code string) (domain.Asset, error) {
	asset, ok := domain.AssetByCode(code)
	if !ok {
		return domain.Asset{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return asset, nil
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, name, email, address, created_at FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Name, &user.Email, &user.Address, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindGroupMembers retrieves all members of a group.
func (r *PostgresRepository) FindGroupMembers(ctx context.Context, groupID uuid.UUID) ([]domain.GroupMember, error) {
	query := `SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id = $1 ORDER BY joined_at`
	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsGroupMember reports whether the user belongs to the group.
func (r *PostgresRepository) IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`
	if err := r.db.QueryRow(ctx, query, groupID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateExpenseWithSplits inserts an expense and its split rows in one
// transaction so readers never observe an expense whose splits do not sum to
// its total.
func (r *PostgresRepository) CreateExpenseWithSplits(ctx context.Context, expense *domain.Expense, splits []domain.Split) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO expenses (id, group_id, payer_id, description, category, total_units, currency, split_kind, receipt_url, expense_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query,
		expense.ID, expense.GroupID, expense.PayerID, expense.Description, expense.Category,
		expense.Total.Units, expense.Total.Asset.Code, expense.SplitKind, expense.ReceiptURL, expense.Date,
	).Scan(&expense.CreatedAt)
	if err != nil {
		return err
	}

	if err := insertSplits(ctx, tx, splits); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertSplits(ctx context.Context, tx pgx.Tx, splits []domain.Split) error {
	query := `
		INSERT INTO expense_splits (id, expense_id, member_id, owed_units, currency, percentage, settled, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, s := range splits {
		_, err := tx.Exec(ctx, query,
			s.ID, s.ExpenseID, s.MemberID, s.Owed.Units, s.Owed.Asset.Code, s.Percentage, s.Settled, s.SettledAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// FindExpenseByID retrieves a single expense.
func (r *PostgresRepository) FindExpenseByID(ctx context.Context, expenseID uuid.UUID) (*domain.Expense, error) {
	query := `
		SELECT id, group_id, payer_id, description, category, total_units, currency, split_kind, receipt_url, expense_date, created_at
		FROM expenses
		WHERE id = $1
	`
	e, err := scanExpense(r.db.QueryRow(ctx, query, expenseID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrExpenseNotFound
		}
		return nil, err
	}
	return e, nil
}

// FindExpensesByGroupID retrieves all expenses for a group, newest first.
func (r *PostgresRepository) FindExpensesByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.Expense, error) {
	query := `
		SELECT id, group_id, payer_id, description, category, total_units, currency, split_kind, receipt_url, expense_date, created_at
		FROM expenses
		WHERE group_id = $1
		ORDER BY expense_date DESC, created_at DESC
	`
	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, *e)
	}
	return expenses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (*domain.Expense, error) {
	var (
		e        domain.Expense
		units    int64
		currency string
	)
	err := row.Scan(&e.ID, &e.GroupID, &e.PayerID, &e.Description, &e.Category,
		&units, &currency, &e.SplitKind, &e.ReceiptURL, &e.Date, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	asset, err := assetByCode(currency)
	if err != nil {
		return nil, err
	}
	e.Total = domain.NewMoney(units, asset)
	return &e, nil
}

// FindSplitsByExpenseID retrieves the split rows of one expense.
func (r *PostgresRepository) FindSplitsByExpenseID(ctx context.Context, expenseID uuid.UUID) ([]domain.Split, error) {
	query := `
		SELECT id, expense_id, member_id, owed_units, currency, percentage, settled, settled_at
		FROM expense_splits
		WHERE expense_id = $1
		ORDER BY member_id
	`
	return r.querySplits(ctx, query, expenseID)
}

// FindSplitsByGroupID retrieves every split row in a group, joined through
// the expenses table. The ledger consumes this as one consistent snapshot.
func (r *PostgresRepository) FindSplitsByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.Split, error) {
	query := `
		SELECT s.id, s.expense_id, s.member_id, s.owed_units, s.currency, s.percentage, s.settled, s.settled_at
		FROM expense_splits s
		JOIN expenses e ON e.id = s.expense_id
		WHERE e.group_id = $1
		ORDER BY s.expense_id, s.member_id
	`
	return r.querySplits(ctx, query, groupID)
}

func (r *PostgresRepository) querySplits(ctx context.Context, query string, arg any) ([]domain.Split, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []domain.Split
	for rows.Next() {
		var (
			s        domain.Split
			units    int64
			currency string
		)
		if err := rows.Scan(&s.ID, &s.ExpenseID, &s.MemberID, &units, &currency, &s.Percentage, &s.Settled, &s.SettledAt); err != nil {
			return nil, err
		}
		asset, err := assetByCode(currency)
		if err != nil {
			return nil, err
		}
		s.Owed = domain.NewMoney(units, asset)
		splits = append(splits, s)
	}
	return splits, rows.Err()
}

// ReplaceSplits atomically regenerates an expense's unsettled split rows.
// Settled rows are preserved: that debt has already cleared and must not be
// rewritten by a recomputation.
func (r *PostgresRepository) ReplaceSplits(ctx context.Context, expenseID uuid.UUID, splits []domain.Split) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM expenses WHERE id = $1)`, expenseID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrExpenseNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM expense_splits WHERE expense_id = $1 AND settled = FALSE`, expenseID); err != nil {
		return err
	}
	if err := insertSplits(ctx, tx, splits); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkSplitSettled flags one split as paid. Settling twice is rejected so a
// retried request cannot double-clear debt elsewhere.
func (r *PostgresRepository) MarkSplitSettled(ctx context.Context, splitID uuid.UUID) error {
	query := `UPDATE expense_splits SET settled = TRUE, settled_at = NOW() WHERE id = $1 AND settled = FALSE`
	result, err := r.db.Exec(ctx, query, splitID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM expense_splits WHERE id = $1)`, splitID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrSplitAlreadySettled
		}
		return ErrSplitNotFound
	}
	return nil
}

// CreateSettlement inserts a direct settlement record.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, settlement *domain.DirectSettlement) error {
	query := `
		INSERT INTO settlements (id, group_id, from_member_id, to_member_id, amount_units, currency, settled, settled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		settlement.ID, settlement.GroupID, settlement.FromMemberID, settlement.ToMemberID,
		settlement.Amount.Units, settlement.Amount.Asset.Code, settlement.Settled, settlement.SettledAt,
	).Scan(&settlement.CreatedAt)
}

// FindSettlementsByGroupID retrieves all direct settlements for a group.
func (r *PostgresRepository) FindSettlementsByGroupID(ctx context.Context, groupID uuid.UUID) ([]domain.DirectSettlement, error) {
	query := `
		SELECT id, group_id, from_member_id, to_member_id, amount_units, currency, settled, settled_at, created_at
		FROM settlements
		WHERE group_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []domain.DirectSettlement
	for rows.Next() {
		var (
			s        domain.DirectSettlement
			units    int64
			currency string
		)
		if err := rows.Scan(&s.ID, &s.GroupID, &s.FromMemberID, &s.ToMemberID, &units, &currency, &s.Settled, &s.SettledAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		asset, err := assetByCode(currency)
		if err != nil {
			return nil, err
		}
		s.Amount = domain.NewMoney(units, asset)
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// CreateLoan inserts a loan record after a successful network borrow.
func (r *PostgresRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	query := `
		INSERT INTO loans (id, user_id, network_loan_id, principal_units, collateral_units, interest_rate_annual, duration_days, status, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		loan.ID, loan.UserID, loan.NetworkLoanID, loan.Principal.Units, loan.Collateral.Units,
		loan.InterestRateAnnual.String(), loan.DurationDays, loan.Status, loan.StartDate, loan.EndDate,
	).Scan(&loan.CreatedAt)
}

// FindLoanByID retrieves a single loan.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	query := loanSelect + ` WHERE id = $1`
	loan, err := scanLoan(r.db.QueryRow(ctx, query, loanID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return loan, nil
}

// FindLoansByUserID retrieves all loans for a user, newest first.
func (r *PostgresRepository) FindLoansByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error) {
	query := loanSelect + ` WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *loan)
	}
	return loans, rows.Err()
}

const loanSelect = `
	SELECT id, user_id, network_loan_id, principal_units, collateral_units, interest_rate_annual::text, duration_days, status, start_date, end_date, created_at
	FROM loans`

func scanLoan(row rowScanner) (*domain.Loan, error) {
	var (
		loan            domain.Loan
		principalUnits  int64
		collateralUnits int64
		rate            string
	)
	err := row.Scan(&loan.ID, &loan.UserID, &loan.NetworkLoanID, &principalUnits, &collateralUnits,
		&rate, &loan.DurationDays, &loan.Status, &loan.StartDate, &loan.EndDate, &loan.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("malformed interest rate %q for loan %s: %w", rate, loan.ID, err)
	}
	loan.Principal = domain.NewMoney(principalUnits, domain.MUSD)
	loan.Collateral = domain.NewMoney(collateralUnits, domain.BTC)
	loan.InterestRateAnnual = parsed
	return &loan, nil
}

// CountActiveLoansByUserID returns the number of open loans a user holds.
func (r *PostgresRepository) CountActiveLoansByUserID(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status = 'active'`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ApplyLoanRepayment persists the remaining principal and status after a
// repayment settles on the network.
func (r *PostgresRepository) ApplyLoanRepayment(ctx context.Context, loanID uuid.UUID, remainingPrincipalUnits int64, status domain.LoanStatus) error {
	query := `UPDATE loans SET principal_units = $2, status = $3 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, loanID, remainingPrincipalUnits, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// CreatePayment inserts a payment record.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	var (
		fiatUnits    *int64
		fiatCurrency *string
	)
	if payment.AmountFiat != nil {
		fiatUnits = &payment.AmountFiat.Units
		fiatCurrency = &payment.AmountFiat.Asset.Code
	}
	query := `
		INSERT INTO payments (id, from_user_id, to_user_id, amount_musd_units, amount_fiat_units, fiat_currency, rate_source, tx_hash, memo, expense_id, auto_borrowed, loan_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		payment.ID, payment.FromUserID, payment.ToUserID, payment.AmountMUSD.Units,
		fiatUnits, fiatCurrency, payment.RateSource, payment.TxHash, payment.Memo,
		payment.ExpenseID, payment.AutoBorrowed, payment.LoanID, payment.Status,
	).Scan(&payment.CreatedAt)
}

// UpdatePaymentStatus transitions a payment's lifecycle status.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) error {
	query := `UPDATE payments SET status = $2 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, paymentID, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// FindPaymentByID retrieves a single payment.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := paymentSelect + ` WHERE id = $1`
	payment, err := scanPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// FindPaymentByTxHash retrieves the payment for a network transaction hash.
// Used by the event consumer to resolve status updates.
func (r *PostgresRepository) FindPaymentByTxHash(ctx context.Context, txHash string) (*domain.Payment, error) {
	query := paymentSelect + ` WHERE tx_hash = $1`
	payment, err := scanPayment(r.db.QueryRow(ctx, query, txHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// FindPaymentsByUserID retrieves payments sent or received by a user, newest
// first.
func (r *PostgresRepository) FindPaymentsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := paymentSelect + `
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

const paymentSelect = `
	SELECT id, from_user_id, to_user_id, amount_musd_units, amount_fiat_units, fiat_currency, rate_source, tx_hash, memo, expense_id, auto_borrowed, loan_id, status, created_at
	FROM payments`

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p            domain.Payment
		musdUnits    int64
		fiatUnits    *int64
		fiatCurrency *string
	)
	err := row.Scan(&p.ID, &p.FromUserID, &p.ToUserID, &musdUnits, &fiatUnits, &fiatCurrency,
		&p.RateSource, &p.TxHash, &p.Memo, &p.ExpenseID, &p.AutoBorrowed, &p.LoanID, &p.Status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.AmountMUSD = domain.NewMoney(musdUnits, domain.MUSD)
	if fiatUnits != nil && fiatCurrency != nil {
		asset, err := assetByCode(*fiatCurrency)
		if err != nil {
			return nil, err
		}
		fiat := domain.NewMoney(*fiatUnits, asset)
		p.AmountFiat = &fiat
	}
	return &p, nil
}
