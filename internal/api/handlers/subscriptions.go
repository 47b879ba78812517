package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paysync/internal/billing"
	"paysync/internal/core"
	"paysync/internal/types"
)

// ConfirmationNotifier enqueues the "finish your payment" job when a
// subscription attempt is blocked on customer action. Implemented by
// queue.ConfirmationNotifier.
type ConfirmationNotifier interface {
	NotifyActionRequired(ctx context.Context, owner *types.Owner, subscriptionName string, intent types.PaymentIntent) error
}

// SubscriptionsHandler exposes the owner-scoped subscription lifecycle:
// create, read, cancel, pause/resume, and item management.
type SubscriptionsHandler struct {
	owners     billing.OwnerStore
	store      billing.SubscriptionStore
	subscriber *billing.Subscriber
	pauser     *billing.PauseController
	notifier   ConfirmationNotifier
	validator  *core.Validator
	clock      types.Clock
	logger     *slog.Logger
}

// NewSubscriptionsHandler creates a SubscriptionsHandler.
func NewSubscriptionsHandler(
	owners billing.OwnerStore,
	store billing.SubscriptionStore,
	subscriber *billing.Subscriber,
	pauser *billing.PauseController,
	notifier ConfirmationNotifier,
	validator *core.Validator,
	clock types.Clock,
	logger *slog.Logger,
) *SubscriptionsHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionsHandler{
		owners:     owners,
		store:      store,
		subscriber: subscriber,
		pauser:     pauser,
		notifier:   notifier,
		validator:  validator,
		clock:      clock,
		logger:     logger,
	}
}

// RegisterRoutes mounts the subscription routes. The router group these are
// mounted in carries the API-key middleware.
func (h *SubscriptionsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/owners/{ownerID}/subscriptions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Cancel)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/items", h.AddItem)
			r.Delete("/items/{itemID}", h.RemoveItem)
		})
	})
}

// requestOwner resolves the path owner and enforces that the authenticated
// actor owns it. A foreign owner ID reads as not found rather than forbidden
// so the namespace cannot be enumerated.
func (h *SubscriptionsHandler) requestOwner(r *http.Request) (*types.Owner, error) {
	ownerID := chi.URLParam(r, "ownerID")

	if actor, ok := types.GetActor(r.Context()); ok && actor.Type == types.ActorTypeAPIKey && actor.ID != ownerID {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundOwner,
			"owner not found",
			nil,
		)
	}

	return h.owners.GetByID(r.Context(), ownerID)
}

// loadSubscription fetches the named subscription for the path owner.
func (h *SubscriptionsHandler) loadSubscription(r *http.Request, owner *types.Owner) (*types.Subscription, error) {
	return h.store.GetByOwnerAndName(r.Context(), owner.ID, chi.URLParam(r, "name"))
}

type createItemRequest struct {
	PriceID  string `json:"price_id" validate:"required"`
	Quantity *int64 `json:"quantity,omitempty" validate:"omitempty,min=1"`
}

type createSubscriptionRequest struct {
	Name      string              `json:"name" validate:"required,min=1,max=120"`
	PriceID   string              `json:"price_id" validate:"required"`
	Quantity  *int64              `json:"quantity,omitempty" validate:"omitempty,min=1"`
	TrialDays *int                `json:"trial_days,omitempty" validate:"omitempty,min=1,max=730"`
	Items     []createItemRequest `json:"items,omitempty" validate:"omitempty,dive"`
}

// Create starts a new subscription for the owner. When the first payment
// still needs customer action the subscription is persisted as incomplete, a
// confirmation notification is enqueued, and the response is 402 carrying
// the intent reference the client needs to finish the payment.
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req createSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	builder := billing.NewSubscriptionBuilder(owner, req.Name, req.PriceID)
	if req.Quantity != nil {
		builder.Quantity(*req.Quantity)
	}
	if req.TrialDays != nil {
		builder.TrialUntil(h.clock.Now().AddDate(0, 0, *req.TrialDays))
	}
	for _, item := range req.Items {
		builder.AddItem(item.PriceID, item.Quantity)
	}

	sub, err := h.subscriber.Create(r.Context(), builder)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodePaymentActionRequired {
			h.enqueueConfirmation(r.Context(), owner, req.Name, appErr)
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// enqueueConfirmation publishes the confirmation job for an
// action-required creation. A queue failure is logged, not surfaced: the
// subscription is already persisted and the 402 response carries everything
// the client needs regardless.
func (h *SubscriptionsHandler) enqueueConfirmation(ctx context.Context, owner *types.Owner, name string, appErr *types.AppError) {
	intent := types.PaymentIntent{
		ID:           detailString(appErr.Details, "payment_intent_id"),
		Status:       types.PaymentIntentStatus(detailString(appErr.Details, "payment_status")),
		ClientSecret: detailString(appErr.Details, "client_secret"),
		Amount:       detailInt64(appErr.Details, "amount"),
		Currency:     detailString(appErr.Details, "currency"),
	}

	if err := h.notifier.NotifyActionRequired(ctx, owner, name, intent); err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue confirmation notification",
			"owner_id", owner.ID,
			"subscription_name", name,
			"payment_intent_id", intent.ID,
			"error", err,
		)
	}
}

// Get returns the owner's subscription by name.
func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Cancel cancels the subscription immediately. Cancelling an already
// canceled subscription is a no-op success.
func (h *SubscriptionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.subscriber.Cancel(r.Context(), sub); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

type pauseRequest struct {
	Behavior  string     `json:"behavior" validate:"required"`
	ResumesAt *time.Time `json:"resumes_at,omitempty"`
}

// Pause suspends invoice collection on the subscription.
func (h *SubscriptionsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req pauseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.pauser.Pause(r.Context(), sub, types.PauseBehavior(req.Behavior), req.ResumesAt); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Resume lifts a pause.
func (h *SubscriptionsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.pauser.Unpause(r.Context(), sub); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// AddItem attaches an additional priced line to the subscription.
func (h *SubscriptionsHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req createItemRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	item, err := h.subscriber.AddItem(r.Context(), sub, req.PriceID, req.Quantity)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: item})
}

// RemoveItem detaches a priced line by its provider item ID.
func (h *SubscriptionsHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, err := h.requestOwner(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.loadSubscription(r, owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.subscriber.RemoveItem(r.Context(), sub, chi.URLParam(r, "itemID")); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func detailString(details map[string]any, key string) string {
	s, _ := details[key].(string)
	return s
}

func detailInt64(details map[string]any, key string) int64 {
	n, _ := details[key].(int64)
	return n
}
