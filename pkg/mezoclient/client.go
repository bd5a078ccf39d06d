/**
 * @description
 * This package provides a client for the Mezo settlement network HTTP API.
 * It encapsulates authenticated request construction, response parsing, and
 * transaction confirmation polling for the MUSD operations the service
 * performs: balance reads, peer transfers, collateralized borrows, and loan
 * repayments.
 *
 * Amounts cross the wire as decimal strings in whole asset units; they are
 * parsed into integer minor units at this boundary and never travel further
 * as floats.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Wire amount parsing.
 */
package mezoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tripsplit/settlement-service/internal/domain"
)

// ErrConfirmationTimeout is returned when a submitted transaction does not
// confirm within the polling window. The transaction may still confirm later;
// callers must treat this as unknown-outcome, not failure.
var ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

// defaultPollInterval is how often WaitForConfirmation re-checks a pending
// transaction.
const defaultPollInterval = 2 * time.Second

// Client is a client for the Mezo network API.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a new Mezo network client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		PollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// APIError is a structured error returned by the Mezo API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mezo api error: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
}

// BalanceResponse is the wire shape of a balance read.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"` // MUSD, decimal string
}

// TransferRequest is the payload for an MUSD peer transfer.
type TransferRequest struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"` // MUSD, decimal string
	Reference   string `json:"reference,omitempty"`
}

// TransferResponse is the wire shape of a submitted transfer.
type TransferResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// BorrowNetworkRequest is the payload for opening a collateralized loan.
type BorrowNetworkRequest struct {
	Address       string `json:"address"`
	AmountMUSD    string `json:"amount_musd"`
	CollateralBTC string `json:"collateral_btc"`
	DurationDays  int    `json:"duration_days"`
}

// BorrowResponse is the wire shape of an opened loan.
type BorrowResponse struct {
	LoanID             string `json:"loan_id"`
	TxHash             string `json:"tx_hash"`
	InterestRateAnnual string `json:"interest_rate_annual"` // decimal string
}

// RepayNetworkRequest is the payload for a loan repayment.
type RepayNetworkRequest struct {
	LoanID     string `json:"loan_id"`
	AmountMUSD string `json:"amount_musd"`
}

// TransactionStatusResponse is the wire shape of a transaction status poll.
type TransactionStatusResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"` // "pending", "confirmed", or "failed"
}

// BTCPriceResponse is the wire shape of the BTC price read.
type BTCPriceResponse struct {
	PriceUSD string `json:"price_usd"` // decimal string
}

// GetMUSDBalance fetches the spendable MUSD balance for an address.
func (c *Client) GetMUSDBalance(ctx context.Context, address string) (domain.Money, error) {
	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/balances/"+address, nil, &resp); err != nil {
		return domain.Money{}, err
	}
	balance, err := domain.ParseMoney(resp.Balance, domain.MUSD)
	if err != nil {
		return domain.Money{}, fmt.Errorf("failed to parse balance %q: %w", resp.Balance, err)
	}
	return balance, nil
}

// GetBTCPrice fetches the current BTC price in USD.
func (c *Client) GetBTCPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp BTCPriceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/prices/btc", nil, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(resp.PriceUSD)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse BTC price %q: %w", resp.PriceUSD, err)
	}
	return price, nil
}

// Transfer submits an MUSD transfer between two addresses.
func (c *Client) Transfer(ctx context.Context, from, to string, amount domain.Money, reference string) (*TransferResponse, error) {
	if amount.Asset.Code != domain.MUSD.Code || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: transfer amount must be positive MUSD", domain.ErrInvalidAmount)
	}
	payload := TransferRequest{
		FromAddress: from,
		ToAddress:   to,
		Amount:      amount.Decimal().StringFixed(domain.MUSD.Decimals),
		Reference:   reference,
	}
	var resp TransferResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Borrow opens a collateralized MUSD loan on the network.
func (c *Client) Borrow(ctx context.Context, address string, principal, collateral domain.Money, durationDays int) (*BorrowResponse, error) {
	if principal.Asset.Code != domain.MUSD.Code || !principal.IsPositive() {
		return nil, fmt.Errorf("%w: principal must be positive MUSD", domain.ErrInvalidAmount)
	}
	if collateral.Asset.Code != domain.BTC.Code || !collateral.IsPositive() {
		return nil, fmt.Errorf("%w: collateral must be positive BTC", domain.ErrInvalidAmount)
	}
	payload := BorrowNetworkRequest{
		Address:       address,
		AmountMUSD:    principal.Decimal().StringFixed(domain.MUSD.Decimals),
		CollateralBTC: collateral.Decimal().StringFixed(domain.BTC.Decimals),
		DurationDays:  durationDays,
	}
	var resp BorrowResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/loans", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Repay submits a repayment against an open loan.
func (c *Client) Repay(ctx context.Context, networkLoanID string, amount domain.Money) (*TransferResponse, error) {
	if amount.Asset.Code != domain.MUSD.Code || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: repayment amount must be positive MUSD", domain.ErrInvalidAmount)
	}
	payload := RepayNetworkRequest{
		LoanID:     networkLoanID,
		AmountMUSD: amount.Decimal().StringFixed(domain.MUSD.Decimals),
	}
	var resp TransferResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/loans/"+networkLoanID+"/repay", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransactionStatus polls the status of a submitted transaction.
func (c *Client) GetTransactionStatus(ctx context.Context, txHash string) (*TransactionStatusResponse, error) {
	var resp TransactionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+txHash, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForConfirmation blocks until the transaction confirms, fails, or the
// timeout elapses. A "failed" status is a hard error; a timeout is returned
// as ErrConfirmationTimeout because the outcome is still unknown.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.GetTransactionStatus(ctx, txHash)
		if err != nil {
			c.logger.Warn("transaction status poll failed", "tx_hash", txHash, "error", err)
		} else {
			switch status.Status {
			case "confirmed":
				return nil
			case "failed":
				return fmt.Errorf("transaction %s failed on the network", txHash)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txHash, timeout)
		case <-ticker.C:
		}
	}
}

// do executes one API request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Message == "" {
			c.logger.Warn("non-2xx response with unparsable error body",
				"method", method, "path", path, "status", resp.StatusCode)
			return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: "unparsable error response"}
		}
		c.logger.Warn("mezo api request rejected",
			"method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
