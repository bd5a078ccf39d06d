/**
 * @description
 * This file implements the fiat/MUSD conversion engine and the collateral and
 * interest math for BTC-backed loans. Rates are expressed as units of fiat
 * per 1 USD (MUSD is pegged 1:1 to USD), so converting fiat to MUSD divides
 * by the rate and converting back multiplies.
 *
 * Rate resolution is a three-tier lookup. A fresh cached rate is served
 * directly. On a miss or a stale entry the configured oracle is queried and
 * the result cached. When the oracle fails, the last known good rate (the
 * stale cache entry) is reused, and only when nothing was ever cached does
 * the hardcoded fallback table apply. Every non-oracle rate is tagged
 * RateSourceFallback so callers can surface degraded pricing.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Rate and ratio arithmetic.
 */

package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tripsplit/settlement-service/internal/domain"
)

var (
	// ErrUnsupportedCurrency is returned for a fiat currency the service has
	// neither an oracle feed nor a fallback rate for.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrInsufficientCollateral is returned when requested collateral values
	// below the minimum ratio at the current BTC price.
	ErrInsufficientCollateral = errors.New("insufficient collateral")
)

// Oracle is the upstream price feed. FiatPerUSD returns how many units of the
// given fiat currency equal one USD.
type Oracle interface {
	FiatPerUSD(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Config carries the converter's tunables, loaded from the service config.
type Config struct {
	CacheTTL       time.Duration
	SlippageBuffer decimal.Decimal            // e.g. 0.005 for 0.5%
	FallbackRates  map[string]decimal.Decimal // fiat per USD
}

// Converter resolves exchange rates and performs all cross-asset math.
type Converter struct {
	oracle Oracle
	cache  RateCache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewConverter(oracle Oracle, cache RateCache, cfg Config, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{oracle: oracle, cache: cache, cfg: cfg, logger: logger, now: time.Now}
}

// Rate resolves the fiat-per-USD rate for the given currency, refreshing the
// cache when the entry has aged past the TTL.
func (c *Converter) Rate(ctx context.Context, currency string) (domain.ExchangeRate, error) {
	if _, ok := domain.FiatAssets[currency]; !ok {
		return domain.ExchangeRate{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	key := currency + ":MUSD"

	cached, fresh, cacheErr := c.cache.Get(ctx, key)
	if cacheErr == nil && fresh {
		return cached, nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, ErrRateNotCached) {
		c.logger.Warn("rate cache read failed", "currency", currency, "error", cacheErr)
	}

	rate, oracleErr := c.oracle.FiatPerUSD(ctx, currency)
	if oracleErr == nil {
		fetched := domain.ExchangeRate{
			FromCurrency: currency,
			ToCurrency:   "MUSD",
			Rate:         rate,
			FetchedAt:    c.now(),
			Source:       domain.RateSourceOracle,
		}
		if err := c.cache.Set(ctx, key, fetched, c.cfg.CacheTTL); err != nil {
			c.logger.Warn("rate cache write failed", "currency", currency, "error", err)
		}
		return fetched, nil
	}
	c.logger.Warn("oracle fetch failed, using fallback pricing", "currency", currency, "error", oracleErr)

	// Last known good beats the static table: it at least reflects a real
	// market observation.
	if cacheErr == nil {
		cached.Source = domain.RateSourceFallback
		return cached, nil
	}

	fallback, ok := c.cfg.FallbackRates[currency]
	if !ok {
		return domain.ExchangeRate{}, fmt.Errorf("%w: no fallback rate for %s", ErrUnsupportedCurrency, currency)
	}
	return domain.ExchangeRate{
		FromCurrency: currency,
		ToCurrency:   "MUSD",
		Rate:         fallback,
		FetchedAt:    c.now(),
		Source:       domain.RateSourceFallback,
	}, nil
}

// ConvertFiatToStable converts a fiat amount into MUSD, padded by the
// configured slippage buffer so a payment sized from this quote still covers
// the target after small rate movement. Rounds half-up to micro-MUSD.
func (c *Converter) ConvertFiatToStable(ctx context.Context, amount domain.Money) (domain.Money, domain.RateSource, error) {
	if _, ok := domain.FiatAssets[amount.Asset.Code]; !ok {
		return domain.Money{}, "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, amount.Asset.Code)
	}
	rate, err := c.Rate(ctx, amount.Asset.Code)
	if err != nil {
		return domain.Money{}, "", err
	}
	buffer := decimal.NewFromInt(1).Add(c.cfg.SlippageBuffer)
	musd := amount.Decimal().
		DivRound(rate.Rate, domain.MUSD.Decimals+4).
		Mul(buffer).
		Round(domain.MUSD.Decimals)
	out, err := domain.MoneyFromDecimal(musd, domain.MUSD)
	if err != nil {
		return domain.Money{}, "", err
	}
	return out, rate.Source, nil
}

// ConvertStableToFiat converts an MUSD amount into the given fiat currency at
// the current rate, with no slippage padding. Rounds half-up to the fiat's
// minor unit.
func (c *Converter) ConvertStableToFiat(ctx context.Context, amount domain.Money, currency string) (domain.Money, domain.RateSource, error) {
	if amount.Asset.Code != domain.MUSD.Code {
		return domain.Money{}, "", fmt.Errorf("%w: expected MUSD amount, got %s", domain.ErrInvalidAmount, amount.Asset.Code)
	}
	asset, ok := domain.FiatAssets[currency]
	if !ok {
		return domain.Money{}, "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	rate, err := c.Rate(ctx, currency)
	if err != nil {
		return domain.Money{}, "", err
	}
	fiat := amount.Decimal().Mul(rate.Rate).Round(asset.Decimals)
	out, err := domain.MoneyFromDecimal(fiat, asset)
	if err != nil {
		return domain.Money{}, "", err
	}
	return out, rate.Source, nil
}

// RequiredCollateralBTC sizes the BTC collateral for an MUSD principal at the
// given ratio and BTC price (in USD). The result is rounded up at satoshi
// precision so the sized collateral never dips below the requested ratio.
func RequiredCollateralBTC(principal domain.Money, ratio, btcPriceUSD decimal.Decimal) (domain.Money, error) {
	if principal.Asset.Code != domain.MUSD.Code || !principal.IsPositive() {
		return domain.Money{}, fmt.Errorf("%w: principal must be a positive MUSD amount", domain.ErrInvalidAmount)
	}
	if !btcPriceUSD.IsPositive() {
		return domain.Money{}, fmt.Errorf("%w: BTC price must be positive", domain.ErrInvalidAmount)
	}
	btc := principal.Decimal().
		Mul(ratio).
		DivRound(btcPriceUSD, domain.BTC.Decimals+4).
		Shift(domain.BTC.Decimals).Ceil().Shift(-domain.BTC.Decimals)
	return domain.MoneyFromDecimal(btc, domain.BTC)
}

// CollateralRatio returns collateral value over principal at the given BTC
// price. A 1.5 result means 150% collateralization.
func CollateralRatio(collateral, principal domain.Money, btcPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if collateral.Asset.Code != domain.BTC.Code {
		return decimal.Decimal{}, fmt.Errorf("%w: collateral must be BTC", domain.ErrInvalidAmount)
	}
	if principal.Asset.Code != domain.MUSD.Code || !principal.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: principal must be a positive MUSD amount", domain.ErrInvalidAmount)
	}
	value := collateral.Decimal().Mul(btcPriceUSD)
	return value.DivRound(principal.Decimal(), 6), nil
}

// ValidateCollateral rejects collateral whose value falls below the minimum
// ratio at the current BTC price.
func ValidateCollateral(collateral, principal domain.Money, minRatio, btcPriceUSD decimal.Decimal) error {
	ratio, err := CollateralRatio(collateral, principal, btcPriceUSD)
	if err != nil {
		return err
	}
	if ratio.LessThan(minRatio) {
		return fmt.Errorf("%w: ratio %s is below the minimum %s",
			ErrInsufficientCollateral, ratio.StringFixed(4), minRatio.StringFixed(4))
	}
	return nil
}

// AccruedInterest computes simple interest on the loan principal for the
// whole days elapsed since the loan started. Partial days accrue nothing.
func AccruedInterest(loan domain.Loan, at time.Time) (domain.Money, error) {
	elapsed := at.Sub(loan.StartDate)
	if elapsed < 0 {
		elapsed = 0
	}
	days := int64(elapsed / (24 * time.Hour))
	interest := loan.Principal.Decimal().
		Mul(loan.InterestRateAnnual).
		Mul(decimal.NewFromInt(days)).
		DivRound(decimal.NewFromInt(365), domain.MUSD.Decimals)
	m, err := domain.MoneyFromDecimal(interest.Round(domain.MUSD.Decimals), domain.MUSD)
	if err != nil {
		return domain.Money{}, fmt.Errorf("interest on loan %s: %w", loan.ID, err)
	}
	return m, nil
}

// Outstanding returns principal plus accrued interest as of the given time.
func Outstanding(loan domain.Loan, at time.Time) (domain.Money, error) {
	interest, err := AccruedInterest(loan, at)
	if err != nil {
		return domain.Money{}, err
	}
	return loan.Principal.Add(interest)
}
