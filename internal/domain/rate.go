package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateSource records where an exchange rate came from. Callers use the tag to
// decide whether a fallback-priced conversion is acceptable for their flow.
type RateSource string

const (
	RateSourceOracle   RateSource = "oracle"
	RateSourceFallback RateSource = "fallback"
)

// ExchangeRate is one cached fiat/MUSD conversion rate. A rate older than the
// cache TTL must not be reused without a refresh attempt.
type ExchangeRate struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Source       RateSource      `json:"source"`
}
