// Package gateway receives payment gateway callbacks and turns
// confirmed payments into wallet deposits. Deliveries are verified
// against the webhook signing secret; replays are absorbed by the
// ledger's external reference dedupe.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/safedeal/safedeal/internal/ledger"
	"github.com/safedeal/safedeal/internal/metrics"
	"github.com/safedeal/safedeal/internal/validation"
)

// maxPayloadBytes caps the webhook body; Stripe events are small.
const maxPayloadBytes = 64 * 1024

// DepositService is the slice of the wallet ledger the gateway uses.
type DepositService interface {
	Deposit(ctx context.Context, customerID string, amount int64, externalRef string) error
}

// DepositNotifier announces confirmed deposits to live subscribers.
type DepositNotifier interface {
	DepositConfirmed(customerID string, amount int64, reference string)
}

// Handler processes gateway webhook deliveries.
type Handler struct {
	deposits DepositService
	secret   string
	notifier DepositNotifier // optional
	logger   *slog.Logger
}

// NewHandler creates a gateway webhook handler.
func NewHandler(deposits DepositService, secret string, logger *slog.Logger) *Handler {
	return &Handler{deposits: deposits, secret: secret, logger: logger}
}

// WithNotifier adds a deposit event sink.
func (h *Handler) WithNotifier(n DepositNotifier) *Handler {
	h.notifier = n
	return h
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/stripe/webhook", h.HandleWebhook)
}

// paymentIntent is the slice of the event payload the gateway needs.
type paymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// HandleWebhook handles POST /gateway/stripe/webhook.
//
// Signature failures are rejected with 400 so the sender retries after
// a configuration fix. Permanently malformed events are acknowledged
// with 200 and logged; retrying them can never succeed.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return
	}

	// Events arrive at the Stripe account's pinned API version, which
	// need not match the SDK's, so only the signature is enforced.
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("invalid_signature").Inc()
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if event.Type != "payment_intent.succeeded" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var intent paymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		metrics.DepositsTotal.WithLabelValues("malformed").Inc()
		h.logger.Error("failed to parse payment intent", "event_id", event.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	customerID := intent.Metadata["customer_id"]
	if !validation.IsValidID(customerID) || intent.Amount <= 0 || intent.ID == "" {
		metrics.DepositsTotal.WithLabelValues("malformed").Inc()
		h.logger.Error("payment intent missing deposit metadata",
			"event_id", event.ID, "intent_id", intent.ID, "customer_id", customerID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	err = h.deposits.Deposit(c.Request.Context(), customerID, intent.Amount, intent.ID)
	switch {
	case errors.Is(err, ledger.ErrDuplicateDeposit):
		// Redelivery of an already-credited payment.
		metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	case err != nil:
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		h.logger.Error("failed to credit deposit",
			"customer_id", customerID, "intent_id", intent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed"})
		return
	}

	metrics.DepositsTotal.WithLabelValues("ok").Inc()
	h.logger.Info("deposit credited",
		"customer_id", customerID, "amount", intent.Amount, "intent_id", intent.ID)
	if h.notifier != nil {
		h.notifier.DepositConfirmed(customerID, intent.Amount, intent.ID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
