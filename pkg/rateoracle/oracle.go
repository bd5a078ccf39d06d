/**
 * @description
 * This package provides the HTTP client for the external exchange-rate
 * oracle. It exposes one operation, the fiat-per-USD rate for a currency,
 * which is the shape the conversion engine consumes. Parsing happens here so
 * a malformed feed is rejected at the boundary instead of propagating a bad
 * rate into pricing.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Rate parsing.
 */
package rateoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client fetches exchange rates from the configured oracle endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rate oracle client. A short timeout keeps a slow
// oracle from stalling payment flows; the converter falls back on failure.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type rateResponse struct {
	Base  string            `json:"base"`
	Rates map[string]string `json:"rates"` // decimal strings
}

// FiatPerUSD returns how many units of the given fiat currency equal one USD.
func (c *Client) FiatPerUSD(ctx context.Context, currency string) (decimal.Decimal, error) {
	endpoint := c.BaseURL + "/v1/rates?base=USD&symbols=" + url.QueryEscape(currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to create rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to execute rate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to read rate response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, fmt.Errorf("rate oracle returned status %d", resp.StatusCode)
	}

	var parsed rateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to decode rate response: %w", err)
	}
	raw, ok := parsed.Rates[currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("rate oracle has no quote for %s", currency)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("rate oracle returned malformed quote %q for %s", raw, currency)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("rate oracle returned non-positive quote %s for %s", rate, currency)
	}
	return rate, nil
}
