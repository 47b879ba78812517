// Package handlers contains the HTTP handler implementations for the paysync
// API. Webhook routes are mounted outside the API-key middleware: the caller
// is the payment provider, and integrity comes from the signed
// Provider-Signature header, not from bearer credentials.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paysync/internal/config"
	"paysync/internal/core"
	"paysync/internal/types"
	"paysync/internal/webhook"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Provider payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventProcessor dispatches a parsed event through the idempotency ledger.
// Implemented by webhook.Processor.
type EventProcessor interface {
	Process(ctx context.Context, event *webhook.Event) (webhook.Outcome, error)
}

// WebhookHandler receives asynchronous events from the payment provider.
type WebhookHandler struct {
	processor EventProcessor
	secret    types.SecretString
	tolerance time.Duration
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler from the billing configuration.
// An empty webhook secret disables signature verification; this is a local
// development posture only and is logged loudly at construction.
func NewWebhookHandler(processor EventProcessor, cfg config.BillingConfig, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if cfg.WebhookSecret.Empty() {
		logger.Warn("webhook signature verification is DISABLED: no webhook secret configured")
	}
	return &WebhookHandler{
		processor: processor,
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the
// authenticated API routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// Handle processes one incoming provider event:
//
//  1. Reads the raw body with a size limit.
//  2. Verifies the Provider-Signature header against the raw bytes.
//  3. Parses the event envelope.
//  4. Runs the event through the idempotency ledger and handler table.
//
// A processing failure returns 5xx so the provider redelivers; the ledger
// entry was rolled back with the handler's transaction, so the retry is not
// mistaken for a duplicate.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	if !h.secret.Empty() {
		sigHeader := r.Header.Get("Provider-Signature")
		if sigHeader == "" {
			h.logger.WarnContext(r.Context(), "missing Provider-Signature header")
			core.Error(w, r, types.NewAppError(
				types.ErrCodeWebhookSignatureInvalid,
				"missing Provider-Signature header",
				nil,
			))
			return
		}

		if err := webhook.VerifySignature(payload, sigHeader, h.secret.Unmask(), h.tolerance); err != nil {
			h.logger.WarnContext(r.Context(), "webhook signature verification failed",
				"error", err,
			)
			core.Error(w, r, err)
			return
		}
	}

	event, err := webhook.ParseEvent(payload)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse webhook event",
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	outcome, err := h.processor.Process(r.Context(), event)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"received": true,
		"outcome":  string(outcome),
	}})
}
