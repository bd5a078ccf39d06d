package mezoclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripsplit/settlement-service/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key", nil)
	c.PollInterval = 5 * time.Millisecond
	return c, srv
}

func TestGetMUSDBalance(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/balances/mezo1abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		json.NewEncoder(w).Encode(BalanceResponse{Address: "mezo1abc", Balance: "125.500000"})
	}))

	balance, err := client.GetMUSDBalance(context.Background(), "mezo1abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Units != 125_500000 || balance.Asset.Code != domain.MUSD.Code {
		t.Fatalf("expected 125.500000 MUSD, got %s", balance)
	}
}

func TestGetMUSDBalanceRejectsMalformedAmount(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(BalanceResponse{Balance: "not-a-number"})
	}))
	if _, err := client.GetMUSDBalance(context.Background(), "mezo1abc"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestTransferSendsFixedPrecisionAmount(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Amount != "40.000000" {
			t.Errorf("expected amount 40.000000, got %q", req.Amount)
		}
		json.NewEncoder(w).Encode(TransferResponse{TxHash: "0xdeadbeef", Status: "pending"})
	}))

	amount := domain.NewMoney(40_000000, domain.MUSD)
	resp, err := client.Transfer(context.Background(), "mezo1from", "mezo1to", amount, "expense settlement")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TxHash != "0xdeadbeef" {
		t.Fatalf("expected tx hash from response, got %q", resp.TxHash)
	}
}

func TestTransferRejectsNonMUSD(t *testing.T) {
	client := NewClient("http://unused", "key", nil)
	if _, err := client.Transfer(context.Background(), "a", "b", domain.NewMoney(100, domain.USD), ""); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := client.Transfer(context.Background(), "a", "b", domain.NewMoney(0, domain.MUSD), ""); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
}

func TestBorrowReturnsLoanAndRate(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req BorrowNetworkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.CollateralBTC != "0.00092308" {
			t.Errorf("expected satoshi-precision collateral, got %q", req.CollateralBTC)
		}
		json.NewEncoder(w).Encode(BorrowResponse{
			LoanID:             "loan-77",
			TxHash:             "0xborrow",
			InterestRateAnnual: "0.05",
		})
	}))

	principal := domain.NewMoney(40_000000, domain.MUSD)
	collateral := domain.NewMoney(92308, domain.BTC)
	resp, err := client.Borrow(context.Background(), "mezo1from", principal, collateral, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.LoanID != "loan-77" || resp.InterestRateAnnual != "0.05" {
		t.Fatalf("unexpected borrow response: %+v", resp)
	}
}

func TestAPIErrorSurfacesCodeAndStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "insufficient_collateral",
			"message": "collateral below minimum ratio",
		})
	}))

	_, err := client.Borrow(context.Background(), "mezo1from",
		domain.NewMoney(40_000000, domain.MUSD), domain.NewMoney(1, domain.BTC), 30)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "insufficient_collateral" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitForConfirmation(t *testing.T) {
	t.Run("confirms after pending polls", func(t *testing.T) {
		var polls atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			status := "pending"
			if polls.Add(1) >= 3 {
				status = "confirmed"
			}
			json.NewEncoder(w).Encode(TransactionStatusResponse{TxHash: "0x1", Status: status})
		}))

		if err := client.WaitForConfirmation(context.Background(), "0x1", time.Second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if polls.Load() < 3 {
			t.Fatalf("expected at least 3 polls, got %d", polls.Load())
		}
	})

	t.Run("failed status is a hard error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(TransactionStatusResponse{TxHash: "0x2", Status: "failed"})
		}))
		err := client.WaitForConfirmation(context.Background(), "0x2", time.Second)
		if err == nil || errors.Is(err, ErrConfirmationTimeout) {
			t.Fatalf("expected a hard failure error, got %v", err)
		}
	})

	t.Run("timeout while pending", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(TransactionStatusResponse{TxHash: "0x3", Status: "pending"})
		}))
		err := client.WaitForConfirmation(context.Background(), "0x3", 30*time.Millisecond)
		if !errors.Is(err, ErrConfirmationTimeout) {
			t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
		}
	})

	t.Run("context cancellation wins", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(TransactionStatusResponse{TxHash: "0x4", Status: "pending"})
		}))
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(15 * time.Millisecond)
			cancel()
		}()
		if err := client.WaitForConfirmation(ctx, "0x4", time.Minute); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
