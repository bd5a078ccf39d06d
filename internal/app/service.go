/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates every operation: expense creation and split
 * computation, group balance derivation, settlement planning, MUSD payments
 * with automatic borrowing, and the loan lifecycle. It coordinates between
 * the database repository, the Mezo network client, the rate converter, and
 * the message broker.
 *
 * The payment flow is strict about failure semantics. A borrow that fails
 * aborts the payment before any transfer is attempted (ErrBorrowFailed). A
 * transfer that fails after a successful borrow leaves the loan standing and
 * is reported as the distinct ErrPaymentFailedAfterBorrow so callers know
 * debt was created without the payment landing.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - github.com/shopspring/decimal: Ratio and rate arithmetic.
 * - internal/domain, internal/store, internal/splitter, internal/ledger,
 *   internal/pricing: Domain models and core calculators.
 * - pkg/mezoclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tripsplit/settlement-service/internal/domain"
	"github.com/tripsplit/settlement-service/internal/ledger"
	"github.com/tripsplit/settlement-service/internal/metrics"
	"github.com/tripsplit/settlement-service/internal/pricing"
	"github.com/tripsplit/settlement-service/internal/splitter"
	"github.com/tripsplit/settlement-service/internal/store"
	"github.com/tripsplit/settlement-service/pkg/mezoclient"
	"github.com/tripsplit/settlement-service/pkg/rabbitmq"
)

var (
	// ErrNotGroupMember is returned when a referenced user does not belong to
	// the group an operation targets.
	ErrNotGroupMember = errors.New("user is not a member of the group")

	// ErrAmountRequired is returned when a payment request carries neither a
	// fiat nor an MUSD amount, or both.
	ErrAmountRequired = errors.New("exactly one of fiat amount or MUSD amount is required")

	// ErrNoSettlementAddress is returned when a user has no network address
	// to move funds through.
	ErrNoSettlementAddress = errors.New("user has no settlement network address")

	// ErrMaxActiveLoans is returned when a borrow would exceed the per-user
	// active loan cap.
	ErrMaxActiveLoans = errors.New("maximum active loans reached")

	// ErrLoanNotActive is returned for repayments against a closed loan.
	ErrLoanNotActive = errors.New("loan is not active")

	// ErrBorrowFailed aborts a payment whose automatic borrow did not
	// complete. No transfer is attempted and no loan record exists.
	ErrBorrowFailed = errors.New("automatic borrow failed")

	// ErrPaymentFailedAfterBorrow is returned when the transfer fails after
	// an automatic borrow already settled. The loan stands and must be
	// surfaced to the user.
	ErrPaymentFailedAfterBorrow = errors.New("payment failed after borrow completed")
)

// NetworkClient is the subset of the Mezo client the service depends on,
// abstracted so tests can substitute a fake network.
type NetworkClient interface {
	GetMUSDBalance(ctx context.Context, address string) (domain.Money, error)
	GetBTCPrice(ctx context.Context) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount domain.Money, reference string) (*mezoclient.TransferResponse, error)
	Borrow(ctx context.Context, address string, principal, collateral domain.Money, durationDays int) (*mezoclient.BorrowResponse, error)
	Repay(ctx context.Context, networkLoanID string, amount domain.Money) (*mezoclient.TransferResponse, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error
}

// RateConverter is the conversion surface the service needs from pricing.
type RateConverter interface {
	ConvertFiatToStable(ctx context.Context, amount domain.Money) (domain.Money, domain.RateSource, error)
	ConvertStableToFiat(ctx context.Context, amount domain.Money, currency string) (domain.Money, domain.RateSource, error)
}

// Config carries the service's lending and confirmation tunables.
type Config struct {
	DefaultCollateralRatio  decimal.Decimal
	MinCollateralRatio      decimal.Decimal
	MaxActiveLoans          int
	DefaultLoanDurationDays int
	ConfirmationTimeout     time.Duration
}

// Service provides the core business logic for settlements.
type Service struct {
	repo          store.Repository
	network       NetworkClient
	converter     RateConverter
	eventProducer rabbitmq.Publisher
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, network NetworkClient, converter RateConverter, producer rabbitmq.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		network:       network,
		converter:     converter,
		eventProducer: producer,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateExpense validates an expense request, computes its splits, and
// persists both atomically. The payer's own share is created settled: the
// payer cannot owe themselves.
func (s *Service) CreateExpense(ctx context.Context, req domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error) {
	if !req.SplitKind.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown split kind %q", splitter.ErrInvalidSplit, req.SplitKind)
	}
	asset, ok := domain.FiatAssets[req.Currency]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", pricing.ErrUnsupportedCurrency, req.Currency)
	}
	total, err := domain.ParseMoney(req.Amount, asset)
	if err != nil {
		return nil, nil, err
	}
	if !total.IsPositive() {
		return nil, nil, fmt.Errorf("%w: expense total must be positive", domain.ErrInvalidAmount)
	}
	if len(req.Splits) == 0 {
		return nil, nil, fmt.Errorf("%w: no participants", splitter.ErrInvalidSplit)
	}

	participants := make([]uuid.UUID, 0, len(req.Splits)+1)
	participants = append(participants, req.PayerID)
	for _, in := range req.Splits {
		if in.MemberID != req.PayerID {
			participants = append(participants, in.MemberID)
		}
	}
	for _, id := range participants {
		member, err := s.repo.IsGroupMember(ctx, req.GroupID, id)
		if err != nil {
			return nil, nil, err
		}
		if !member {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotGroupMember, id)
		}
	}

	shares, err := s.computeShares(total, req)
	if err != nil {
		return nil, nil, err
	}

	date := req.Date
	if date.IsZero() {
		date = s.now()
	}
	expense := &domain.Expense{
		ID:          uuid.New(),
		GroupID:     req.GroupID,
		PayerID:     req.PayerID,
		Description: req.Description,
		Category:    req.Category,
		Total:       total,
		SplitKind:   req.SplitKind,
		ReceiptURL:  req.ReceiptURL,
		Date:        date,
	}
	splits := s.buildSplits(expense, req, shares)

	if err := s.repo.CreateExpenseWithSplits(ctx, expense, splits); err != nil {
		return nil, nil, err
	}
	metrics.ExpensesCreatedTotal.WithLabelValues(string(req.SplitKind)).Inc()
	s.logger.Info("expense created",
		"expense_id", expense.ID, "group_id", expense.GroupID, "total", total.String(), "split_kind", req.SplitKind)
	return expense, splits, nil
}

func (s *Service) computeShares(total domain.Money, req domain.CreateExpenseRequest) ([]splitter.Share, error) {
	switch req.SplitKind {
	case domain.SplitEqual:
		ids := make([]uuid.UUID, len(req.Splits))
		for i, in := range req.Splits {
			ids[i] = in.MemberID
		}
		// Equal places the indivisible remainder by position, and stored
		// splits come back ordered by member id rather than request order.
		// Canonicalize so creation and recomputation always agree.
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		return splitter.Equal(total, ids)

	case domain.SplitPercentage:
		percents := make([]splitter.PercentShare, len(req.Splits))
		for i, in := range req.Splits {
			if in.Percentage == nil {
				return nil, fmt.Errorf("%w: percentage missing for member %s", splitter.ErrInvalidSplit, in.MemberID)
			}
			percents[i] = splitter.PercentShare{MemberID: in.MemberID, Percent: *in.Percentage}
		}
		return splitter.ByPercentage(total, percents)

	case domain.SplitExact:
		exacts := make([]splitter.ExactShare, len(req.Splits))
		for i, in := range req.Splits {
			if in.Amount == nil {
				return nil, fmt.Errorf("%w: amount missing for member %s", splitter.ErrInvalidSplit, in.MemberID)
			}
			amt, err := domain.ParseMoney(*in.Amount, total.Asset)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", splitter.ErrInvalidSplit, err)
			}
			exacts[i] = splitter.ExactShare{MemberID: in.MemberID, Amount: amt}
		}
		shares, err := splitter.ByExact(total, exacts)
		if err != nil {
			return nil, err
		}
		reconcileExactShares(total, shares)
		return shares, nil
	}
	return nil, fmt.Errorf("%w: unknown split kind %q", splitter.ErrInvalidSplit, req.SplitKind)
}

// reconcileExactShares absorbs the accepted sub-epsilon difference between
// caller-supplied exact amounts and the expense total into the largest share,
// so stored rows always sum exactly to the total. Ties break to the lowest
// member id.
func reconcileExactShares(total domain.Money, shares []splitter.Share) {
	var sum int64
	largest := 0
	for i, sh := range shares {
		sum += sh.Amount.Units
		cur := shares[largest]
		if sh.Amount.Units > cur.Amount.Units ||
			(sh.Amount.Units == cur.Amount.Units && sh.MemberID.String() < cur.MemberID.String()) {
			largest = i
		}
	}
	if diff := total.Units - sum; diff != 0 {
		shares[largest].Amount.Units += diff
	}
}

func (s *Service) buildSplits(expense *domain.Expense, req domain.CreateExpenseRequest, shares []splitter.Share) []domain.Split {
	percentByMember := make(map[uuid.UUID]*float64, len(req.Splits))
	for _, in := range req.Splits {
		percentByMember[in.MemberID] = in.Percentage
	}
	now := s.now()
	splits := make([]domain.Split, len(shares))
	for i, share := range shares {
		split := domain.Split{
			ID:         uuid.New(),
			ExpenseID:  expense.ID,
			MemberID:   share.MemberID,
			Owed:       share.Amount,
			Percentage: percentByMember[share.MemberID],
		}
		if share.MemberID == expense.PayerID {
			split.Settled = true
			settledAt := now
			split.SettledAt = &settledAt
		}
		splits[i] = split
	}
	return splits
}

// RecomputeSplits replays the stored split inputs of an expense and
// atomically regenerates its unsettled rows. Because every strategy is
// deterministic, running this twice produces identical rows, and rows that
// were already settled keep their original amounts.
func (s *Service) RecomputeSplits(ctx context.Context, expenseID uuid.UUID) ([]domain.Split, error) {
	expense, err := s.repo.FindExpenseByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.FindSplitsByExpenseID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: expense %s has no splits", ledger.ErrLedgerInconsistency, expenseID)
	}

	req := domain.CreateExpenseRequest{
		GroupID:   expense.GroupID,
		PayerID:   expense.PayerID,
		SplitKind: expense.SplitKind,
	}
	for _, sp := range existing {
		in := domain.SplitShareInput{MemberID: sp.MemberID, Percentage: sp.Percentage}
		if expense.SplitKind == domain.SplitExact {
			amt := sp.Owed.Decimal().String()
			in.Amount = &amt
		}
		req.Splits = append(req.Splits, in)
	}
	shares, err := s.computeShares(expense.Total, req)
	if err != nil {
		return nil, err
	}

	settled := make(map[uuid.UUID]domain.Split, len(existing))
	for _, sp := range existing {
		if sp.Settled {
			settled[sp.MemberID] = sp
		}
	}

	now := s.now()
	var fresh []domain.Split
	result := make([]domain.Split, 0, len(shares))
	for _, share := range shares {
		if kept, ok := settled[share.MemberID]; ok {
			if kept.Owed.Units != share.Amount.Units {
				return nil, fmt.Errorf("%w: recomputation changed settled share for member %s",
					ledger.ErrLedgerInconsistency, share.MemberID)
			}
			result = append(result, kept)
			continue
		}
		split := domain.Split{
			ID:        uuid.New(),
			ExpenseID: expense.ID,
			MemberID:  share.MemberID,
			Owed:      share.Amount,
		}
		if expense.SplitKind == domain.SplitPercentage {
			for _, sp := range existing {
				if sp.MemberID == share.MemberID {
					split.Percentage = sp.Percentage
					break
				}
			}
		}
		if share.MemberID == expense.PayerID {
			split.Settled = true
			settledAt := now
			split.SettledAt = &settledAt
		}
		fresh = append(fresh, split)
		result = append(result, split)
	}

	if err := s.repo.ReplaceSplits(ctx, expenseID, fresh); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSplitPaid flags one member's share as settled.
func (s *Service) MarkSplitPaid(ctx context.Context, splitID uuid.UUID) error {
	return s.repo.MarkSplitSettled(ctx, splitID)
}

// settleReferencedSplit marks the sender's unsettled share of the expense a
// confirmed payment references. Failures are logged, not returned: the
// payment already landed and a missed split settles via the manual endpoint.
func settleReferencedSplit(ctx context.Context, repo store.Repository, logger *slog.Logger, payment *domain.Payment) {
	if payment.ExpenseID == nil {
		return
	}
	splits, err := repo.FindSplitsByExpenseID(ctx, *payment.ExpenseID)
	if err != nil {
		logger.Warn("failed to load splits for paid expense",
			"payment_id", payment.ID, "expense_id", *payment.ExpenseID, "error", err)
		return
	}
	for _, sp := range splits {
		if sp.MemberID != payment.FromUserID || sp.Settled {
			continue
		}
		if err := repo.MarkSplitSettled(ctx, sp.ID); err != nil {
			if !errors.Is(err, store.ErrSplitAlreadySettled) {
				logger.Warn("failed to settle split for paid expense",
					"payment_id", payment.ID, "split_id", sp.ID, "error", err)
			}
			continue
		}
		logger.Info("split settled by payment", "payment_id", payment.ID, "split_id", sp.ID)
	}
}

// GroupBalances derives the net balance of every member from the group's
// full expense, split, and settlement history.
func (s *Service) GroupBalances(ctx context.Context, groupID uuid.UUID, currency string) (map[uuid.UUID]domain.Money, error) {
	asset, ok := domain.FiatAssets[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pricing.ErrUnsupportedCurrency, currency)
	}
	expenses, err := s.repo.FindExpensesByGroupID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	splits, err := s.repo.FindSplitsByGroupID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	settlements, err := s.repo.FindSettlementsByGroupID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return ledger.ComputeBalances(asset, ledger.BalanceInputs{
		Expenses:    expenses,
		Splits:      splits,
		Settlements: settlements,
	})
}

// SettlementPlan produces the transfer list that clears the group's balances.
func (s *Service) SettlementPlan(ctx context.Context, groupID uuid.UUID, currency string) ([]domain.Transfer, error) {
	balances, err := s.GroupBalances(ctx, groupID, currency)
	if err != nil {
		return nil, err
	}
	return ledger.PlanSettlements(balances)
}

// RecordSettlement persists a direct member-to-member settlement and
// publishes the corresponding event.
func (s *Service) RecordSettlement(ctx context.Context, req domain.RecordSettlementRequest) (*domain.DirectSettlement, error) {
	if req.FromMemberID == req.ToMemberID {
		return nil, fmt.Errorf("%w: settlement sender and receiver are the same member", domain.ErrInvalidAmount)
	}
	asset, ok := domain.FiatAssets[req.Currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pricing.ErrUnsupportedCurrency, req.Currency)
	}
	amount, err := domain.ParseMoney(req.Amount, asset)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: settlement amount must be positive", domain.ErrInvalidAmount)
	}
	for _, id := range []uuid.UUID{req.FromMemberID, req.ToMemberID} {
		member, err := s.repo.IsGroupMember(ctx, req.GroupID, id)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, fmt.Errorf("%w: %s", ErrNotGroupMember, id)
		}
	}

	now := s.now()
	settlement := &domain.DirectSettlement{
		ID:           uuid.New(),
		GroupID:      req.GroupID,
		FromMemberID: req.FromMemberID,
		ToMemberID:   req.ToMemberID,
		Amount:       amount,
		Settled:      true,
		SettledAt:    &now,
	}
	if err := s.repo.CreateSettlement(ctx, settlement); err != nil {
		return nil, err
	}

	if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingSettlementRecorded, rabbitmq.SettlementEvent{
		SettlementID: settlement.ID,
		GroupID:      settlement.GroupID,
		FromMemberID: settlement.FromMemberID,
		ToMemberID:   settlement.ToMemberID,
		Amount:       amount.Decimal().StringFixed(asset.Decimals),
		Currency:     asset.Code,
		Timestamp:    now,
	}); err != nil {
		s.logger.Warn("failed to publish settlement event", "settlement_id", settlement.ID, "error", err)
	}
	return settlement, nil
}

// Pay executes an MUSD payment between two users, converting from fiat when
// requested and automatically borrowing against BTC collateral when the
// sender's balance cannot cover the amount.
func (s *Service) Pay(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	if (req.AmountFiat == nil) == (req.AmountMUSD == nil) {
		return nil, ErrAmountRequired
	}
	if req.FromUserID == req.ToUserID {
		return nil, fmt.Errorf("%w: sender and recipient are the same user", domain.ErrInvalidAmount)
	}

	from, err := s.repo.FindUserByID(ctx, req.FromUserID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.FindUserByID(ctx, req.ToUserID)
	if err != nil {
		return nil, err
	}
	if from.Address == "" {
		return nil, fmt.Errorf("%w: sender %s", ErrNoSettlementAddress, from.ID)
	}
	if to.Address == "" {
		return nil, fmt.Errorf("%w: recipient %s", ErrNoSettlementAddress, to.ID)
	}

	var (
		amountMUSD domain.Money
		amountFiat *domain.Money
		rateSource *domain.RateSource
	)
	if req.AmountFiat != nil {
		asset, ok := domain.FiatAssets[req.FiatCurrency]
		if !ok {
			return nil, fmt.Errorf("%w: %s", pricing.ErrUnsupportedCurrency, req.FiatCurrency)
		}
		fiat, err := domain.ParseMoney(*req.AmountFiat, asset)
		if err != nil {
			return nil, err
		}
		if !fiat.IsPositive() {
			return nil, fmt.Errorf("%w: payment amount must be positive", domain.ErrInvalidAmount)
		}
		converted, source, err := s.converter.ConvertFiatToStable(ctx, fiat)
		if err != nil {
			return nil, err
		}
		metrics.RateLookupsTotal.WithLabelValues(string(source)).Inc()
		amountMUSD = converted
		amountFiat = &fiat
		rateSource = &source
	} else {
		amountMUSD, err = domain.ParseMoney(*req.AmountMUSD, domain.MUSD)
		if err != nil {
			return nil, err
		}
		if !amountMUSD.IsPositive() {
			return nil, fmt.Errorf("%w: payment amount must be positive", domain.ErrInvalidAmount)
		}
	}

	balance, err := s.network.GetMUSDBalance(ctx, from.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to read sender balance: %w", err)
	}

	var (
		loan         *domain.Loan
		borrowedMUSD *domain.Money
	)
	if balance.Units < amountMUSD.Units {
		shortfall := domain.NewMoney(amountMUSD.Units-balance.Units, domain.MUSD)
		loan, err = s.autoBorrow(ctx, from, shortfall)
		if err != nil {
			return nil, err
		}
		borrowedMUSD = &loan.Principal
		metrics.AutoBorrowsTotal.Inc()
	}

	payment := &domain.Payment{
		ID:           uuid.New(),
		FromUserID:   from.ID,
		ToUserID:     to.ID,
		AmountMUSD:   amountMUSD,
		AmountFiat:   amountFiat,
		RateSource:   rateSource,
		Memo:         req.Memo,
		ExpenseID:    req.ExpenseID,
		AutoBorrowed: loan != nil,
		Status:       domain.PaymentPending,
	}
	if loan != nil {
		payment.LoanID = &loan.ID
	}

	transfer, err := s.network.Transfer(ctx, from.Address, to.Address, amountMUSD, req.Memo)
	if err != nil {
		payment.Status = domain.PaymentFailed
		if storeErr := s.repo.CreatePayment(ctx, payment); storeErr != nil {
			s.logger.Error("failed to record failed payment", "payment_id", payment.ID, "error", storeErr)
		}
		metrics.PaymentsTotal.WithLabelValues(string(domain.PaymentFailed)).Inc()
		if loan != nil {
			s.logger.Error("transfer failed after auto-borrow, loan stands",
				"payment_id", payment.ID, "loan_id", loan.ID, "error", err)
			return nil, fmt.Errorf("%w: loan %s remains active: %v", ErrPaymentFailedAfterBorrow, loan.ID, err)
		}
		return nil, fmt.Errorf("transfer failed: %w", err)
	}
	payment.TxHash = transfer.TxHash
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	confirmed := false
	if err := s.network.WaitForConfirmation(ctx, transfer.TxHash, s.cfg.ConfirmationTimeout); err != nil {
		if errors.Is(err, mezoclient.ErrConfirmationTimeout) {
			// Outcome unknown: leave the payment pending for the status
			// consumer to resolve.
			s.logger.Warn("payment confirmation timed out", "payment_id", payment.ID, "tx_hash", transfer.TxHash)
		} else {
			payment.Status = domain.PaymentFailed
			if storeErr := s.repo.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentFailed); storeErr != nil {
				s.logger.Error("failed to mark payment failed", "payment_id", payment.ID, "error", storeErr)
			}
			metrics.PaymentsTotal.WithLabelValues(string(domain.PaymentFailed)).Inc()
			s.publishPaymentEvent(ctx, payment)
			if loan != nil {
				return nil, fmt.Errorf("%w: loan %s remains active: %v", ErrPaymentFailedAfterBorrow, loan.ID, err)
			}
			return nil, err
		}
	} else {
		confirmed = true
		payment.Status = domain.PaymentConfirmed
		if err := s.repo.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentConfirmed); err != nil {
			s.logger.Error("failed to mark payment confirmed", "payment_id", payment.ID, "error", err)
		}
		metrics.PaymentsTotal.WithLabelValues(string(domain.PaymentConfirmed)).Inc()
		settleReferencedSplit(ctx, s.repo, s.logger, payment)
		s.publishPaymentEvent(ctx, payment)
	}

	s.logger.Info("payment processed",
		"payment_id", payment.ID, "amount_musd", amountMUSD.String(),
		"auto_borrowed", payment.AutoBorrowed, "confirmed", confirmed)
	return &domain.PaymentResult{
		Payment:      payment,
		AutoBorrowed: payment.AutoBorrowed,
		BorrowedMUSD: borrowedMUSD,
		Confirmed:    confirmed,
	}, nil
}

// autoBorrow opens a loan for the shortfall at the default collateral ratio.
// Every failure is wrapped in ErrBorrowFailed so Pay aborts before any funds
// move.
func (s *Service) autoBorrow(ctx context.Context, user *domain.User, shortfall domain.Money) (*domain.Loan, error) {
	active, err := s.repo.CountActiveLoansByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	if active >= s.cfg.MaxActiveLoans {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, ErrMaxActiveLoans)
	}

	btcPrice, err := s.network.GetBTCPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	collateral, err := pricing.RequiredCollateralBTC(shortfall, s.cfg.DefaultCollateralRatio, btcPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}

	loan, err := s.openLoan(ctx, user, shortfall, collateral, s.cfg.DefaultLoanDurationDays)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	return loan, nil
}

// Borrow opens an explicitly requested loan. When the request names its own
// collateral the amount is validated against the minimum ratio; otherwise
// collateral is sized at the conservative default ratio.
func (s *Service) Borrow(ctx context.Context, req domain.BorrowRequest) (*domain.Loan, error) {
	principal, err := domain.ParseMoney(req.AmountMUSD, domain.MUSD)
	if err != nil {
		return nil, err
	}
	if !principal.IsPositive() {
		return nil, fmt.Errorf("%w: principal must be positive", domain.ErrInvalidAmount)
	}
	user, err := s.repo.FindUserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.Address == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSettlementAddress, user.ID)
	}
	active, err := s.repo.CountActiveLoansByUserID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActiveLoans {
		return nil, ErrMaxActiveLoans
	}

	btcPrice, err := s.network.GetBTCPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch BTC price: %w", err)
	}

	var collateral domain.Money
	if req.CollateralBTC != nil {
		collateral, err = domain.ParseMoney(*req.CollateralBTC, domain.BTC)
		if err != nil {
			return nil, err
		}
		if err := pricing.ValidateCollateral(collateral, principal, s.cfg.MinCollateralRatio, btcPrice); err != nil {
			return nil, err
		}
	} else {
		collateral, err = pricing.RequiredCollateralBTC(principal, s.cfg.DefaultCollateralRatio, btcPrice)
		if err != nil {
			return nil, err
		}
	}

	duration := req.DurationDays
	if duration <= 0 {
		duration = s.cfg.DefaultLoanDurationDays
	}
	return s.openLoan(ctx, user, principal, collateral, duration)
}

func (s *Service) openLoan(ctx context.Context, user *domain.User, principal, collateral domain.Money, durationDays int) (*domain.Loan, error) {
	resp, err := s.network.Borrow(ctx, user.Address, principal, collateral, durationDays)
	if err != nil {
		return nil, err
	}
	if err := s.network.WaitForConfirmation(ctx, resp.TxHash, s.cfg.ConfirmationTimeout); err != nil {
		return nil, fmt.Errorf("borrow transaction did not confirm: %w", err)
	}

	rate, err := decimal.NewFromString(resp.InterestRateAnnual)
	if err != nil {
		return nil, fmt.Errorf("network returned malformed interest rate %q: %w", resp.InterestRateAnnual, err)
	}
	now := s.now()
	loan := &domain.Loan{
		ID:                 uuid.New(),
		UserID:             user.ID,
		NetworkLoanID:      resp.LoanID,
		Principal:          principal,
		Collateral:         collateral,
		InterestRateAnnual: rate,
		DurationDays:       durationDays,
		Status:             domain.LoanActive,
		StartDate:          now,
		EndDate:            now.Add(time.Duration(durationDays) * 24 * time.Hour),
	}
	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		// The network loan exists; surface the orphaned state loudly.
		s.logger.Error("loan confirmed on network but could not be persisted",
			"network_loan_id", resp.LoanID, "user_id", user.ID, "error", err)
		return nil, err
	}
	metrics.LoansOpenedTotal.Inc()

	if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingLoanOpened, rabbitmq.LoanEvent{
		LoanID:        loan.ID,
		UserID:        loan.UserID,
		PrincipalMUSD: principal.Decimal().StringFixed(domain.MUSD.Decimals),
		CollateralBTC: collateral.Decimal().StringFixed(domain.BTC.Decimals),
		Status:        string(loan.Status),
		Timestamp:     now,
	}); err != nil {
		s.logger.Warn("failed to publish loan event", "loan_id", loan.ID, "error", err)
	}
	s.logger.Info("loan opened",
		"loan_id", loan.ID, "principal", principal.String(), "collateral", collateral.String())
	return loan, nil
}

// Repay settles part or all of a loan. Interest is paid before principal;
// an omitted amount repays the full outstanding balance.
func (s *Service) Repay(ctx context.Context, loanID uuid.UUID, req domain.RepayRequest) (*domain.Loan, error) {
	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanActive {
		return nil, fmt.Errorf("%w: loan %s is %s", ErrLoanNotActive, loan.ID, loan.Status)
	}

	now := s.now()
	interest, err := pricing.AccruedInterest(*loan, now)
	if err != nil {
		return nil, err
	}
	outstanding, err := loan.Principal.Add(interest)
	if err != nil {
		return nil, err
	}

	amount := outstanding
	if req.AmountMUSD != nil {
		amount, err = domain.ParseMoney(*req.AmountMUSD, domain.MUSD)
		if err != nil {
			return nil, err
		}
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: repayment amount must be positive", domain.ErrInvalidAmount)
	}
	if amount.Units > outstanding.Units {
		return nil, fmt.Errorf("%w: repayment %s exceeds outstanding %s", domain.ErrInvalidAmount, amount, outstanding)
	}

	resp, err := s.network.Repay(ctx, loan.NetworkLoanID, amount)
	if err != nil {
		return nil, fmt.Errorf("network repayment failed: %w", err)
	}
	if err := s.network.WaitForConfirmation(ctx, resp.TxHash, s.cfg.ConfirmationTimeout); err != nil {
		return nil, fmt.Errorf("repayment transaction did not confirm: %w", err)
	}

	// Interest first, principal after.
	principalPaid := amount.Units - interest.Units
	if principalPaid < 0 {
		principalPaid = 0
	}
	remaining := loan.Principal.Units - principalPaid
	status := domain.LoanActive
	if amount.Units == outstanding.Units {
		remaining = 0
		status = domain.LoanRepaid
	}
	if err := s.repo.ApplyLoanRepayment(ctx, loan.ID, remaining, status); err != nil {
		return nil, err
	}
	loan.Principal = domain.NewMoney(remaining, domain.MUSD)
	loan.Status = status

	if status == domain.LoanRepaid {
		if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingLoanRepaid, rabbitmq.LoanEvent{
			LoanID:        loan.ID,
			UserID:        loan.UserID,
			PrincipalMUSD: "0",
			CollateralBTC: loan.Collateral.Decimal().StringFixed(domain.BTC.Decimals),
			Status:        string(status),
			Timestamp:     now,
		}); err != nil {
			s.logger.Warn("failed to publish loan event", "loan_id", loan.ID, "error", err)
		}
	}
	s.logger.Info("loan repayment applied",
		"loan_id", loan.ID, "amount", amount.String(), "status", status)
	return loan, nil
}

// ListLoans returns a user's loans with their derived outstanding amounts as
// of now.
func (s *Service) ListLoans(ctx context.Context, userID uuid.UUID) ([]domain.LoanView, error) {
	loans, err := s.repo.FindLoansByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]domain.LoanView, len(loans))
	for i, loan := range loans {
		view := domain.LoanView{Loan: loan}
		if loan.Status == domain.LoanActive {
			interest, err := pricing.AccruedInterest(loan, now)
			if err != nil {
				return nil, err
			}
			outstanding, err := loan.Principal.Add(interest)
			if err != nil {
				return nil, err
			}
			view.AccruedInterest = interest
			view.Outstanding = outstanding
		} else {
			view.AccruedInterest = domain.NewMoney(0, domain.MUSD)
			view.Outstanding = domain.NewMoney(0, domain.MUSD)
		}
		views[i] = view
	}
	return views, nil
}

// GetPayment returns one payment by id.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.repo.FindPaymentByID(ctx, paymentID)
}

// ListPayments returns a user's payment history, newest first.
func (s *Service) ListPayments(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	return s.repo.FindPaymentsByUserID(ctx, userID, limit, offset)
}

func (s *Service) publishPaymentEvent(ctx context.Context, payment *domain.Payment) {
	routingKey := rabbitmq.RoutingPaymentConfirmed
	if payment.Status == domain.PaymentFailed {
		routingKey = rabbitmq.RoutingPaymentFailed
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, routingKey, rabbitmq.PaymentEvent{
		PaymentID:    payment.ID,
		FromUserID:   payment.FromUserID,
		ToUserID:     payment.ToUserID,
		AmountMUSD:   payment.AmountMUSD.Decimal().StringFixed(domain.MUSD.Decimals),
		TxHash:       payment.TxHash,
		AutoBorrowed: payment.AutoBorrowed,
		Status:       string(payment.Status),
		Timestamp:    s.now(),
	}); err != nil {
		s.logger.Warn("failed to publish payment event", "payment_id", payment.ID, "error", err)
	}
}
