/**
 * @description
 * This package defines the Prometheus metrics the service exports. Metrics
 * are registered on the default registry and served from /metrics by the
 * router.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsTotal counts payments by terminal status.
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "payments_total",
		Help:      "Payments processed, labeled by terminal status.",
	}, []string{"status"})

	// AutoBorrowsTotal counts payments that required an automatic borrow.
	AutoBorrowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "auto_borrows_total",
		Help:      "Payments that triggered an automatic collateralized borrow.",
	})

	// LoansOpenedTotal counts loans opened on the settlement network.
	LoansOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "loans_opened_total",
		Help:      "Collateralized loans opened.",
	})

	// RateLookupsTotal counts rate resolutions by source.
	RateLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "rate_lookups_total",
		Help:      "Exchange rate lookups, labeled by source (oracle or fallback).",
	}, []string{"source"})

	// ExpensesCreatedTotal counts expenses created, labeled by split kind.
	ExpensesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "expenses_created_total",
		Help:      "Expenses created, labeled by split kind.",
	}, []string{"split_kind"})

	// HTTPRequestDuration observes request latency per route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route, method, and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)
