/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, panic recovery, metrics, and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SettlementRoutes creates and returns a new router for the settlement
// service. When jwksURL is empty the API group runs unauthenticated, which is
// only intended for local development. moneyMovementLimiter, when non-nil, is
// applied to the payment and loan endpoints.
func SettlementRoutes(h *SettlementHandlers, jwksURL string, moneyMovementLimiter func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		if jwksURL != "" {
			r.Use(AuthMiddleware(jwksURL))
		}

		// Expenses and splits
		r.Post("/expenses", h.CreateExpenseHandler)
		r.Post("/expenses/{id}/recompute", h.RecomputeSplitsHandler)
		r.Post("/splits/{id}/settle", h.SettleSplitHandler)

		// Group ledger
		r.Get("/groups/{id}/balances", h.GroupBalancesHandler)
		r.Get("/groups/{id}/settlement-plan", h.SettlementPlanHandler)
		r.Post("/settlements", h.RecordSettlementHandler)

		// Money-moving endpoints, optionally throttled.
		r.Group(func(r chi.Router) {
			if moneyMovementLimiter != nil {
				r.Use(moneyMovementLimiter)
			}
			r.Post("/payments", h.PayHandler)
			r.Post("/loans", h.BorrowHandler)
			r.Post("/loans/{id}/repay", h.RepayHandler)
		})

		r.Get("/payments/{id}", h.GetPaymentHandler)
		r.Get("/users/{id}/payments", h.ListPaymentsHandler)
		r.Get("/users/{id}/loans", h.ListLoansHandler)
	})

	return r
}
