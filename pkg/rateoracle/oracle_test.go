package rateoracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFiatPerUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "INR" {
			t.Errorf("expected symbols=INR, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"base":  "USD",
			"rates": map[string]string{"INR": "83.50"},
		})
	}))
	defer srv.Close()

	rate, err := NewClient(srv.URL, "key").FiatPerUSD(context.Background(), "INR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate.String() != "83.5" {
		t.Fatalf("expected 83.5, got %s", rate)
	}
}

func TestFiatPerUSDErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		if _, err := NewClient(srv.URL, "").FiatPerUSD(context.Background(), "INR"); err == nil {
			t.Fatal("expected error for 502 response")
		}
	})

	t.Run("missing quote", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"base": "USD", "rates": map[string]string{}})
		}))
		defer srv.Close()
		if _, err := NewClient(srv.URL, "").FiatPerUSD(context.Background(), "INR"); err == nil {
			t.Fatal("expected error for missing quote")
		}
	})

	t.Run("malformed quote", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"base": "USD", "rates": map[string]string{"INR": "eighty"}})
		}))
		defer srv.Close()
		if _, err := NewClient(srv.URL, "").FiatPerUSD(context.Background(), "INR"); err == nil {
			t.Fatal("expected error for malformed quote")
		}
	})

	t.Run("non-positive quote", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"base": "USD", "rates": map[string]string{"INR": "0"}})
		}))
		defer srv.Close()
		if _, err := NewClient(srv.URL, "").FiatPerUSD(context.Background(), "INR"); err == nil {
			t.Fatal("expected error for zero quote")
		}
	})
}
