package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"paysync/internal/billing"
	"paysync/internal/db"
	"paysync/internal/types"
)

// Handlers builds the static dispatch table mapping event kinds onto the
// billing state machine. Everything runs inside the processor's transaction.
type Handlers struct {
	sync   *billing.StateSync
	clock  types.Clock
	logger *slog.Logger
}

// NewHandlers creates the handler set. clock may be nil.
func NewHandlers(sync *billing.StateSync, clock types.Clock, logger *slog.Logger) *Handlers {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sync: sync, clock: clock, logger: logger}
}

// Table returns the event-kind dispatch table consumed by NewProcessor.
func (h *Handlers) Table() map[types.EventKind]Handler {
	return map[types.EventKind]Handler{
		types.EventSubscriptionCreated: h.handleSubscriptionUpdated,
		types.EventSubscriptionUpdated: h.handleSubscriptionUpdated,
		types.EventSubscriptionDeleted: h.handleSubscriptionDeleted,
		types.EventCustomerUpdated:     h.handleCustomerUpdated,
		types.EventCustomerDeleted:     h.handleCustomerDeleted,
		types.EventSourceDeleted:       h.handleSourceDeleted,
	}
}

func decodePayload[T any](event *Event) (*T, error) {
	var obj T
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed event payload", err)
	}
	return &obj, nil
}

// handleSubscriptionUpdated covers both created and updated events: either
// way the remote snapshot is authoritative and applies through the state
// machine. Snapshots for subscriptions this side never persisted are
// ignored; the creation flow, not webhooks, introduces new rows.
func (h *Handlers) handleSubscriptionUpdated(ctx context.Context, tx db.DBTX, event *Event) error {
	remote, err := decodePayload[types.RemoteSubscription](event)
	if err != nil {
		return err
	}
	_, err = h.sync.SyncFromRemoteTx(ctx, tx, remote)
	return err
}

func (h *Handlers) handleSubscriptionDeleted(ctx context.Context, tx db.DBTX, event *Event) error {
	remote, err := decodePayload[types.RemoteSubscription](event)
	if err != nil {
		return err
	}
	_, err = h.sync.CancelFromRemoteTx(ctx, tx, remote.ID)
	return err
}

// handleCustomerUpdated refreshes the owner's cached billing email and
// default payment method fingerprint.
func (h *Handlers) handleCustomerUpdated(ctx context.Context, tx db.DBTX, event *Event) error {
	customer, err := decodePayload[types.RemoteCustomer](event)
	if err != nil {
		return err
	}

	owners := db.NewOwnerRepository(tx)
	owner, err := owners.GetByProviderCustomerID(ctx, customer.ID)
	if err != nil {
		if isOwnerNotFound(err) {
			h.logger.InfoContext(ctx, "customer event for unknown owner ignored",
				"customer_id", customer.ID)
			return nil
		}
		return err
	}

	var brand, last4 *string
	if pm := customer.InvoiceSettings.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		brand = &pm.Card.Brand
		last4 = &pm.Card.Last4
	}
	email := customer.Email
	if email == "" {
		email = owner.BillingEmail
	}
	return owners.UpdateBillingContact(ctx, owner.ID, email, brand, last4)
}

// handleCustomerDeleted is the cascade: when the remote customer vanishes,
// nothing billable remains. Every subscription of the owner is forced to a
// skip-trial cancellation and the owner's remote linkage, trial, and payment
// method fields are cleared, all in the one processor transaction.
func (h *Handlers) handleCustomerDeleted(ctx context.Context, tx db.DBTX, event *Event) error {
	customer, err := decodePayload[types.RemoteCustomer](event)
	if err != nil {
		return err
	}

	owners := db.NewOwnerRepository(tx)
	owner, err := owners.GetByProviderCustomerID(ctx, customer.ID)
	if err != nil {
		if isOwnerNotFound(err) {
			return nil
		}
		return err
	}

	subs := db.NewSubscriptionRepository(tx)
	active, err := subs.ListByOwnerForUpdate(ctx, owner.ID)
	if err != nil {
		return err
	}

	now := h.clock.Now()
	for _, sub := range active {
		if billing.MarkCanceledSkipTrial(sub, now) {
			if err := subs.Save(ctx, sub); err != nil {
				return err
			}
		}
	}

	if err := owners.ClearRemoteLinkage(ctx, owner.ID); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "customer deletion cascade applied",
		"owner_id", owner.ID,
		"subscriptions_canceled", len(active),
	)
	return nil
}

// handleSourceDeleted clears the owner's cached payment method when the
// backing source is detached upstream.
func (h *Handlers) handleSourceDeleted(ctx context.Context, tx db.DBTX, event *Event) error {
	source, err := decodePayload[types.RemoteSource](event)
	if err != nil {
		return err
	}
	if source.CustomerID == "" {
		return nil
	}

	owners := db.NewOwnerRepository(tx)
	owner, err := owners.GetByProviderCustomerID(ctx, source.CustomerID)
	if err != nil {
		if isOwnerNotFound(err) {
			return nil
		}
		return err
	}
	return owners.ClearPaymentMethod(ctx, owner.ID)
}

func isOwnerNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundOwner
}
