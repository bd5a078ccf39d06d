/**
 * @description
 * This file contains the consumer that resolves pending payments from
 * network transaction-status events. Payments whose confirmation poll timed
 * out stay pending in the database; the settlement network later publishes
 * the final status of every transaction, and this consumer applies it.
 *
 * @dependencies
 * - internal/store: Payment lookups and status updates.
 * - pkg/rabbitmq: Event publishing for resolved payments.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripsplit/settlement-service/internal/domain"
	"github.com/tripsplit/settlement-service/internal/metrics"
	"github.com/tripsplit/settlement-service/internal/store"
	"github.com/tripsplit/settlement-service/pkg/rabbitmq"
)

// TransactionStatusEvent is the payload the settlement network publishes when
// a transaction reaches a terminal state.
type TransactionStatusEvent struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"` // "confirmed" or "failed"
}

// TransactionStatusConsumer applies terminal network statuses to pending
// payments.
type TransactionStatusConsumer struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	logger        *slog.Logger
	now           func() time.Time
}

func NewTransactionStatusConsumer(repo store.Repository, producer rabbitmq.Publisher, logger *slog.Logger) *TransactionStatusConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionStatusConsumer{
		repo:          repo,
		eventProducer: producer,
		logger:        logger,
		now:           time.Now,
	}
}

// HandleMessage processes one status event. Returning true acknowledges the
// delivery; returning false requeues it for retry.
func (c *TransactionStatusConsumer) HandleMessage(body []byte) bool {
	var event TransactionStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("status-consumer: failed to unmarshal payload, dropping", "error", err)
		return true
	}
	if event.TxHash == "" {
		c.logger.Warn("status-consumer: event missing tx hash, dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		c.logger.Error("status-consumer: processing failed, requeuing", "tx_hash", event.TxHash, "error", err)
		return false
	}
	return true
}

func (c *TransactionStatusConsumer) processEvent(ctx context.Context, event TransactionStatusEvent) error {
	payment, err := c.repo.FindPaymentByTxHash(ctx, event.TxHash)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			// Not every network transaction is one of ours (loans and
			// repayments confirm inline). Drop silently.
			c.logger.Debug("status-consumer: no payment for tx hash", "tx_hash", event.TxHash)
			return nil
		}
		return err
	}
	if payment.Status != domain.PaymentPending {
		// Already resolved, either by the inline confirmation poll or by a
		// redelivered event. Idempotent no-op.
		return nil
	}

	var status domain.PaymentStatus
	switch event.Status {
	case "confirmed":
		status = domain.PaymentConfirmed
	case "failed":
		status = domain.PaymentFailed
	default:
		c.logger.Warn("status-consumer: ignoring non-terminal status", "tx_hash", event.TxHash, "status", event.Status)
		return nil
	}

	if err := c.repo.UpdatePaymentStatus(ctx, payment.ID, status); err != nil {
		return fmt.Errorf("failed to update payment %s: %w", payment.ID, err)
	}
	metrics.PaymentsTotal.WithLabelValues(string(status)).Inc()
	if status == domain.PaymentConfirmed {
		settleReferencedSplit(ctx, c.repo, c.logger, payment)
	}

	payment.Status = status
	routingKey := rabbitmq.RoutingPaymentConfirmed
	if status == domain.PaymentFailed {
		routingKey = rabbitmq.RoutingPaymentFailed
	}
	if err := c.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, routingKey, rabbitmq.PaymentEvent{
		PaymentID:    payment.ID,
		FromUserID:   payment.FromUserID,
		ToUserID:     payment.ToUserID,
		AmountMUSD:   payment.AmountMUSD.Decimal().StringFixed(domain.MUSD.Decimals),
		TxHash:       payment.TxHash,
		AutoBorrowed: payment.AutoBorrowed,
		Status:       string(status),
		Timestamp:    c.now(),
	}); err != nil {
		c.logger.Warn("status-consumer: failed to publish payment event", "payment_id", payment.ID, "error", err)
	}

	c.logger.Info("status-consumer: payment resolved", "payment_id", payment.ID, "status", status)
	return nil
}
