package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tripsplit/settlement-service/internal/app"
	"github.com/tripsplit/settlement-service/internal/domain"
	"github.com/tripsplit/settlement-service/internal/store"
)

// fakeService stubs the application surface with per-method overrides.
type fakeService struct {
	createExpense    func(ctx context.Context, req domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error)
	pay              func(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error)
	borrow           func(ctx context.Context, req domain.BorrowRequest) (*domain.Loan, error)
	repay            func(ctx context.Context, loanID uuid.UUID, req domain.RepayRequest) (*domain.Loan, error)
	groupBalances    func(ctx context.Context, groupID uuid.UUID, currency string) (map[uuid.UUID]domain.Money, error)
	settlementPlan   func(ctx context.Context, groupID uuid.UUID, currency string) ([]domain.Transfer, error)
	recordSettlement func(ctx context.Context, req domain.RecordSettlementRequest) (*domain.DirectSettlement, error)
	markSplitPaid    func(ctx context.Context, splitID uuid.UUID) error
}

func (f *fakeService) CreateExpense(ctx context.Context, req domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error) {
	return f.createExpense(ctx, req)
}

func (f *fakeService) RecomputeSplits(_ context.Context, _ uuid.UUID) ([]domain.Split, error) {
	return nil, nil
}

func (f *fakeService) MarkSplitPaid(ctx context.Context, splitID uuid.UUID) error {
	if f.markSplitPaid != nil {
		return f.markSplitPaid(ctx, splitID)
	}
	return nil
}

func (f *fakeService) GroupBalances(ctx context.Context, groupID uuid.UUID, currency string) (map[uuid.UUID]domain.Money, error) {
	return f.groupBalances(ctx, groupID, currency)
}

func (f *fakeService) SettlementPlan(ctx context.Context, groupID uuid.UUID, currency string) ([]domain.Transfer, error) {
	return f.settlementPlan(ctx, groupID, currency)
}

func (f *fakeService) RecordSettlement(ctx context.Context, req domain.RecordSettlementRequest) (*domain.DirectSettlement, error) {
	return f.recordSettlement(ctx, req)
}

func (f *fakeService) Pay(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	return f.pay(ctx, req)
}

func (f *fakeService) Borrow(ctx context.Context, req domain.BorrowRequest) (*domain.Loan, error) {
	return f.borrow(ctx, req)
}

func (f *fakeService) Repay(ctx context.Context, loanID uuid.UUID, req domain.RepayRequest) (*domain.Loan, error) {
	return f.repay(ctx, loanID, req)
}

func (f *fakeService) ListLoans(_ context.Context, _ uuid.UUID) ([]domain.LoanView, error) {
	return nil, nil
}

func (f *fakeService) GetPayment(_ context.Context, _ uuid.UUID) (*domain.Payment, error) {
	return nil, store.ErrPaymentNotFound
}

func (f *fakeService) ListPayments(_ context.Context, _ uuid.UUID, _, _ int) ([]domain.Payment, error) {
	return nil, nil
}

func serveRequest(t *testing.T, svc SettlementService, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	handlers := NewSettlementHandlers(svc, nil)
	router := SettlementRoutes(handlers, "", nil)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateExpenseHandlerReturnsCreated(t *testing.T) {
	groupID := uuid.New()
	svc := &fakeService{
		createExpense: func(_ context.Context, req domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error) {
			if req.GroupID != groupID {
				t.Fatalf("group id not passed through: %s", req.GroupID)
			}
			return &domain.Expense{ID: uuid.New(), GroupID: groupID, Total: domain.NewMoney(10000, domain.USD)}, nil, nil
		},
	}

	body := `{"group_id":"` + groupID.String() + `","amount":"100.00","currency":"USD","split_kind":"EQUAL"}`
	rec := serveRequest(t, svc, http.MethodPost, "/expenses", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateExpenseHandlerMapsValidationErrors(t *testing.T) {
	svc := &fakeService{
		createExpense: func(_ context.Context, _ domain.CreateExpenseRequest) (*domain.Expense, []domain.Split, error) {
			return nil, nil, app.ErrNotGroupMember
		},
	}
	rec := serveRequest(t, svc, http.MethodPost, "/expenses", `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestPayHandlerMapsBorrowFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"borrow failed", app.ErrBorrowFailed, http.StatusBadGateway},
		{"failed after borrow", app.ErrPaymentFailedAfterBorrow, http.StatusBadGateway},
		{"ambiguous amount", app.ErrAmountRequired, http.StatusBadRequest},
		{"unknown sender", store.ErrUserNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				pay: func(_ context.Context, _ domain.PaymentRequest) (*domain.PaymentResult, error) {
					return nil, tc.err
				},
			}
			rec := serveRequest(t, svc, http.MethodPost, "/payments", `{}`)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestGroupBalancesHandlerDefaultsCurrency(t *testing.T) {
	memberID := uuid.New()
	svc := &fakeService{
		groupBalances: func(_ context.Context, _ uuid.UUID, currency string) (map[uuid.UUID]domain.Money, error) {
			if currency != "USD" {
				t.Fatalf("currency = %q, want default USD", currency)
			}
			return map[uuid.UUID]domain.Money{memberID: domain.NewMoney(4000, domain.USD)}, nil
		},
	}
	rec := serveRequest(t, svc, http.MethodGet, "/groups/"+uuid.NewString()+"/balances", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Balances []struct {
			MemberID uuid.UUID `json:"member_id"`
			Balance  struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"balance"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(resp.Balances) != 1 || resp.Balances[0].Balance.Amount != "40.00" {
		t.Fatalf("unexpected balances payload: %s", rec.Body.String())
	}
}

func TestSettlementPlanHandlerReturnsEmptyList(t *testing.T) {
	svc := &fakeService{
		settlementPlan: func(_ context.Context, _ uuid.UUID, _ string) ([]domain.Transfer, error) {
			return nil, nil
		},
	}
	rec := serveRequest(t, svc, http.MethodGet, "/groups/"+uuid.NewString()+"/settlement-plan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"transfers":[]`) {
		t.Fatalf("settled group should return an empty list, got %s", rec.Body.String())
	}
}

func TestBorrowHandlerMapsCapAndCollateralErrors(t *testing.T) {
	svc := &fakeService{
		borrow: func(_ context.Context, _ domain.BorrowRequest) (*domain.Loan, error) {
			return nil, app.ErrMaxActiveLoans
		},
	}
	rec := serveRequest(t, svc, http.MethodPost, "/loans", `{"amount_musd":"10.00"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRepayHandlerRejectsMalformedLoanID(t *testing.T) {
	svc := &fakeService{
		repay: func(_ context.Context, _ uuid.UUID, _ domain.RepayRequest) (*domain.Loan, error) {
			t.Fatal("service should not be called with a malformed id")
			return nil, nil
		},
	}
	rec := serveRequest(t, svc, http.MethodPost, "/loans/not-a-uuid/repay", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSettleSplitHandlerMapsAlreadySettled(t *testing.T) {
	svc := &fakeService{
		markSplitPaid: func(_ context.Context, _ uuid.UUID) error {
			return store.ErrSplitAlreadySettled
		},
	}
	rec := serveRequest(t, svc, http.MethodPost, "/splits/"+uuid.NewString()+"/settle", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := serveRequest(t, &fakeService{}, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
