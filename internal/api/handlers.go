/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods
 * on the application service, and translate service errors to HTTP status
 * codes. They act as the bridge between the web layer and the business logic
 * layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/app"
	"github.com/tripsplit/settlement-service/internal/domain"
	"github.com/tripsplit/settlement-service/internal/ledger"
	"github.com/tripsplit/settlement-service/internal/pricing"
	"github.com/tripsplit/settlement-service/internal/splitter"
	"github.com/tripsplit/settlement-service/internal/store"
)

// SettlementService is the application surface the handlers depend on.
type SettlementService interface {
	CreateExpense(ctx context.Context, req domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error)
	RecomputeSplits(ctx context.Context, expenseID uuid.UUID) ([]domain.Split, error)
	MarkSplitPaid(ctx context.Context, splitID uuid.UUID) error
	GroupBalances(ctx context.Context, groupID uuid.UUID, currency string) (map[uuid.UUID]domain.Money, error)
	SettlementPlan(ctx context.Context, groupID uuid.UUID, currency string) ([]domain.Transfer, error)
	RecordSettlement(ctx context.Context, req domain.RecordSettlementRequest) (*domain.DirectSettlement, error)
	Pay(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error)
	Borrow(ctx context.Context, req domain.BorrowRequest) (*domain.Loan, error)
	Repay(ctx context.Context, loanID uuid.UUID, req domain.RepayRequest) (*domain.Loan, error)
	ListLoans(ctx context.Context, userID uuid.UUID) ([]domain.LoanView, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error)
}

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service SettlementService
	logger  *slog.Logger
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service SettlementService, logger *slog.Logger) *SettlementHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementHandlers{service: service, logger: logger}
}

type balanceEntry struct {
	MemberID uuid.UUID    `json:"member_id"`
	Balance  domain.Money `json:"balance"`
}

type expenseResponse struct {
	Expense *domain.Expense `json:"expense"`
	Splits  []domain.Split  `json:"splits"`
}

// CreateExpenseHandler handles requests to record a shared expense.
func (h *SettlementHandlers) CreateExpenseHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	expense, splits, err := h.service.CreateExpense(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "create_expense", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, expenseResponse{Expense: expense, Splits: splits})
}

// RecomputeSplitsHandler regenerates an expense's unsettled split rows.
func (h *SettlementHandlers) RecomputeSplitsHandler(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	splits, err := h.service.RecomputeSplits(r.Context(), expenseID)
	if err != nil {
		h.writeServiceError(w, r, "recompute_splits", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"splits": splits})
}

// SettleSplitHandler marks one member's share of an expense as paid.
func (h *SettlementHandlers) SettleSplitHandler(w http.ResponseWriter, r *http.Request) {
	splitID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.MarkSplitPaid(r.Context(), splitID); err != nil {
		h.writeServiceError(w, r, "settle_split", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Split settled"})
}

// GroupBalancesHandler returns each member's net position in the group.
func (h *SettlementHandlers) GroupBalancesHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	currency := h.currencyParam(r)

	balances, err := h.service.GroupBalances(r.Context(), groupID, currency)
	if err != nil {
		h.writeServiceError(w, r, "group_balances", err)
		return
	}

	entries := make([]balanceEntry, 0, len(balances))
	for memberID, balance := range balances {
		entries = append(entries, balanceEntry{MemberID: memberID, Balance: balance})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"balances": entries})
}

// SettlementPlanHandler returns the minimal transfer list that clears the
// group's balances.
func (h *SettlementHandlers) SettlementPlanHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	currency := h.currencyParam(r)

	plan, err := h.service.SettlementPlan(r.Context(), groupID, currency)
	if err != nil {
		h.writeServiceError(w, r, "settlement_plan", err)
		return
	}
	if plan == nil {
		plan = []domain.Transfer{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": plan})
}

// RecordSettlementHandler persists a direct member-to-member settlement.
func (h *SettlementHandlers) RecordSettlementHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settlement, err := h.service.RecordSettlement(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "record_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, settlement)
}

// PayHandler executes an MUSD payment, borrowing automatically when the
// sender's balance falls short.
func (h *SettlementHandlers) PayHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Pay(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "pay", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// GetPaymentHandler fetches one payment by id.
func (h *SettlementHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, r, "get_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// ListPaymentsHandler returns a user's payment history.
func (h *SettlementHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	payments, err := h.service.ListPayments(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list_payments", err)
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// BorrowHandler opens a collateralized loan.
func (h *SettlementHandlers) BorrowHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loan, err := h.service.Borrow(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "borrow", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, loan)
}

// RepayHandler applies a repayment to a loan.
func (h *SettlementHandlers) RepayHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loan, err := h.service.Repay(r.Context(), loanID, req)
	if err != nil {
		h.writeServiceError(w, r, "repay", err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

// ListLoansHandler returns a user's loans with derived outstanding amounts.
func (h *SettlementHandlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.service.ListLoans(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "list_loans", err)
		return
	}
	if loans == nil {
		loans = []domain.LoanView{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"loans": loans})
}

func (h *SettlementHandlers) parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name+" format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *SettlementHandlers) currencyParam(r *http.Request) string {
	currency := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
	if currency == "" {
		currency = "USD"
	}
	return currency
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

// writeServiceError maps service errors to HTTP status codes.
func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, splitter.ErrInvalidSplit),
		errors.Is(err, pricing.ErrUnsupportedCurrency),
		errors.Is(err, app.ErrAmountRequired),
		errors.Is(err, app.ErrNoSettlementAddress):
		h.writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, app.ErrNotGroupMember):
		h.writeError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrExpenseNotFound),
		errors.Is(err, store.ErrSplitNotFound),
		errors.Is(err, store.ErrLoanNotFound),
		errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, store.ErrSplitAlreadySettled),
		errors.Is(err, app.ErrMaxActiveLoans),
		errors.Is(err, app.ErrLoanNotActive),
		errors.Is(err, pricing.ErrInsufficientCollateral):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, app.ErrBorrowFailed),
		errors.Is(err, app.ErrPaymentFailedAfterBorrow):
		h.logger.Warn("upstream settlement failure", "endpoint", endpoint, "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())

	case errors.Is(err, ledger.ErrLedgerInconsistency):
		h.logger.Error("ledger inconsistency", "endpoint", endpoint, "error", err)
		h.writeError(w, http.StatusConflict, err.Error())

	default:
		h.logger.Error("internal error", "endpoint", endpoint, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
