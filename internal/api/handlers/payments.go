package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paysync/internal/core"
	"paysync/internal/types"
)

// IntentRetriever fetches the live payment-intent state from the provider.
// Implemented by external.ProviderClient.
type IntentRetriever interface {
	RetrieveIntent(ctx context.Context, intentID string) (*types.RemotePaymentIntent, error)
}

// PaymentsHandler exposes the confirmation resource: the read-only view a
// client-side payment widget polls while the customer finishes an incomplete
// payment. It is mounted publicly; possession of the intent ID (delivered via
// the 402 response or the confirmation email) is the capability.
type PaymentsHandler struct {
	intents IntentRetriever
	logger  *slog.Logger
}

// NewPaymentsHandler creates a PaymentsHandler.
func NewPaymentsHandler(intents IntentRetriever, logger *slog.Logger) *PaymentsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentsHandler{intents: intents, logger: logger}
}

// RegisterRoutes mounts the confirmation resource.
func (h *PaymentsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/payments/{intentID}", h.Get)
}

// paymentView is the confirmation resource representation. The provider's
// many intent statuses collapse into the three states the widget renders.
type paymentView struct {
	PaymentIntentID string                  `json:"payment_intent_id"`
	State           types.ConfirmationState `json:"state"`
	ClientSecret    string                  `json:"client_secret,omitempty"`
	Amount          int64                   `json:"amount"`
	Currency        string                  `json:"currency"`
}

// Get returns the current confirmation state of a payment intent, read live
// from the provider so a just-completed authentication is visible
// immediately.
func (h *PaymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "intentID")

	remote, err := h.intents.RetrieveIntent(r.Context(), intentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	state := types.ConfirmationStateFor(types.PaymentIntentStatus(remote.Status))
	view := paymentView{
		PaymentIntentID: remote.ID,
		State:           state,
		Amount:          remote.Amount,
		Currency:        remote.Currency,
	}
	// The client secret is only useful, and only exposed, while input is
	// still expected.
	if state == types.ConfirmationRequiresInput {
		view.ClientSecret = remote.ClientSecret
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}
