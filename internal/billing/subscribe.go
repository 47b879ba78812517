package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paysync/internal/types"
)

// OwnerStore is the owner persistence capability the creation flow needs.
// Implemented by db.OwnerRepository.
type OwnerStore interface {
	GetByID(ctx context.Context, ownerID string) (*types.Owner, error)
	SetProviderCustomerID(ctx context.Context, ownerID, customerID string) error
}

// CustomersAPI creates the remote customer backing an owner on first use.
// Implemented by external.ProviderClient.
type CustomersAPI interface {
	EnsureCustomer(ctx context.Context, owner *types.Owner) (string, error)
}

// CreateItemParams is one priced line requested at creation time.
type CreateItemParams struct {
	PriceID  string
	Quantity *int64
}

// CreateSubscriptionParams is the provider-facing shape of a creation call.
type CreateSubscriptionParams struct {
	CustomerID string
	Items      []CreateItemParams
	TrialEnd   *time.Time
	Metadata   map[string]string
}

// SubscriptionBuilder accumulates the parts of a new subscription and
// performs the creation call. Local invariants (duplicate price, slot
// uniqueness) are enforced before anything goes on the wire.
type SubscriptionBuilder struct {
	owner    *types.Owner
	name     string
	priceID  string
	quantity *int64
	trialEnd *time.Time
	items    []CreateItemParams
}

// NewSubscriptionBuilder starts a builder for the owner's named subscription
// slot at the given primary price.
func NewSubscriptionBuilder(owner *types.Owner, name, priceID string) *SubscriptionBuilder {
	return &SubscriptionBuilder{owner: owner, name: name, priceID: priceID}
}

// Quantity makes the subscription quantity-based.
func (b *SubscriptionBuilder) Quantity(q int64) *SubscriptionBuilder {
	b.quantity = &q
	return b
}

// TrialUntil schedules a trial ending at t.
func (b *SubscriptionBuilder) TrialUntil(t time.Time) *SubscriptionBuilder {
	t = t.UTC()
	b.trialEnd = &t
	return b
}

// AddItem attaches an additional priced line beyond the primary price.
func (b *SubscriptionBuilder) AddItem(priceID string, quantity *int64) *SubscriptionBuilder {
	b.items = append(b.items, CreateItemParams{PriceID: priceID, Quantity: quantity})
	return b
}

// validate enforces the local invariants that never require a remote call.
func (b *SubscriptionBuilder) validate() error {
	if b.name == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription name is required", nil)
	}
	if b.priceID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "price id is required", nil)
	}
	seen := map[string]bool{b.priceID: true}
	for _, it := range b.items {
		if seen[it.PriceID] {
			return types.NewAppError(
				types.ErrCodeDuplicatePrice,
				fmt.Sprintf("price %s appears more than once on the subscription", it.PriceID),
				nil,
			)
		}
		seen[it.PriceID] = true
	}
	return nil
}

// Subscriber runs the creation flow: ensure the remote customer exists, call
// the provider, persist the local projection, and raise the typed
// incomplete-payment condition when the first invoice needs customer action.
type Subscriber struct {
	owners    OwnerStore
	subs      SubscriptionStore
	api       SubscriptionsAPI
	customers CustomersAPI
	logger    *slog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(owners OwnerStore, subs SubscriptionStore, api SubscriptionsAPI, customers CustomersAPI, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{owners: owners, subs: subs, api: api, customers: customers, logger: logger}
}

// Create executes the builder. On success the persisted subscription is
// returned. When the provider answers with a payment intent still requiring
// customer action, the subscription is persisted as incomplete and the error
// is ErrCodePaymentActionRequired carrying the intent snapshot; the provider
// finalizes the subscription through later webhooks once the customer
// completes authentication. A declined card surfaces as ErrCodePaymentFailure
// and nothing is persisted.
func (s *Subscriber) Create(ctx context.Context, b *SubscriptionBuilder) (*types.Subscription, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	if existing, err := s.subs.GetByOwnerAndName(ctx, b.owner.ID, b.name); err == nil {
		if !existing.Status.Terminal() {
			return nil, types.NewAppError(
				types.ErrCodeSubscriptionSlotTaken,
				fmt.Sprintf("owner %s already has an active %q subscription", b.owner.ID, b.name),
				nil,
			)
		}
	} else {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSubscription {
			return nil, err
		}
	}

	customerID, err := s.customers.EnsureCustomer(ctx, b.owner)
	if err != nil {
		return nil, err
	}
	if !b.owner.HasProviderCustomer() {
		if err := s.owners.SetProviderCustomerID(ctx, b.owner.ID, customerID); err != nil {
			return nil, err
		}
		b.owner.ProviderCustomerID = &customerID
	}

	params := CreateSubscriptionParams{
		CustomerID: customerID,
		Items:      append([]CreateItemParams{{PriceID: b.priceID, Quantity: b.quantity}}, b.items...),
		TrialEnd:   b.trialEnd,
		Metadata:   map[string]string{"owner_id": b.owner.ID, "name": b.name},
	}

	remote, err := s.api.Create(ctx, params)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodePaymentFailure {
			s.logger.WarnContext(ctx, "subscription creation declined",
				"owner_id", b.owner.ID,
				"name", b.name,
				"price_id", b.priceID,
			)
		}
		return nil, err
	}

	sub := &types.Subscription{
		ID:                     uuid.NewString(),
		OwnerID:                b.owner.ID,
		Name:                   b.name,
		ProviderSubscriptionID: remote.ID,
		Status:                 types.ParseSubscriptionStatus(remote.Status),
		PriceID:                b.priceID,
		Quantity:               b.quantity,
		TrialEndsAt:            remote.TrialEndTime(),
	}
	for _, ri := range remote.Items.Data {
		sub.Items = append(sub.Items, types.SubscriptionItem{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			ProviderItemID: ri.ID,
			ProductID:      ri.Price.ProductID,
			PriceID:        ri.Price.ID,
			Quantity:       ri.Quantity,
		})
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	if intent := pendingIntent(remote); intent != nil {
		s.logger.InfoContext(ctx, "subscription created pending customer action",
			"subscription_id", sub.ID,
			"payment_intent_id", intent.ID,
			"intent_status", intent.Status,
		)
		return sub, types.NewPaymentActionRequired(intent.Snapshot(), b.name, b.priceID)
	}

	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"provider_subscription_id", remote.ID,
		"status", string(sub.Status),
	)
	return sub, nil
}

// pendingIntent extracts the first-invoice payment intent when it still
// requires customer action.
func pendingIntent(remote *types.RemoteSubscription) *types.RemotePaymentIntent {
	if remote.LatestInvoice == nil || remote.LatestInvoice.PaymentIntent == nil {
		return nil
	}
	pi := remote.LatestInvoice.PaymentIntent
	if types.PaymentIntentStatus(pi.Status).RequiresCustomerAction() {
		return pi
	}
	return nil
}

// AddItem attaches a new priced line to an existing subscription. The
// duplicate-price invariant is checked locally first; the remote call only
// happens for a price the subscription does not already carry.
func (s *Subscriber) AddItem(ctx context.Context, sub *types.Subscription, priceID string, quantity *int64) (*types.SubscriptionItem, error) {
	if sub.Status.Terminal() {
		return nil, types.NewAppError(
			types.ErrCodeSubscriptionTerminal,
			fmt.Sprintf("subscription %s is %s", sub.ID, sub.Status),
			nil,
		)
	}
	if sub.HasPrice(priceID) {
		return nil, types.NewAppError(
			types.ErrCodeDuplicatePrice,
			fmt.Sprintf("subscription %s already carries price %s", sub.ID, priceID),
			nil,
		)
	}

	remoteItem, err := s.api.AddItem(ctx, sub.ProviderSubscriptionID, priceID, quantity)
	if err != nil {
		return nil, err
	}

	item := &types.SubscriptionItem{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		ProviderItemID: remoteItem.ID,
		ProductID:      remoteItem.Price.ProductID,
		PriceID:        remoteItem.Price.ID,
		Quantity:       remoteItem.Quantity,
	}
	if err := s.subs.AddItem(ctx, sub.ID, item); err != nil {
		return nil, err
	}
	sub.Items = append(sub.Items, *item)
	return item, nil
}

// RemoveItem detaches a priced line remotely then locally.
func (s *Subscriber) RemoveItem(ctx context.Context, sub *types.Subscription, providerItemID string) error {
	found := false
	for _, it := range sub.Items {
		if it.ProviderItemID == providerItemID {
			found = true
			break
		}
	}
	if !found {
		return types.NewAppError(types.ErrCodeNotFoundItem, "subscription item not found", nil)
	}

	if err := s.api.RemoveItem(ctx, providerItemID); err != nil {
		return err
	}
	return s.subs.RemoveItem(ctx, sub.ID, providerItemID)
}

// Cancel requests remote cancellation and marks the local projection
// canceled in the same call. The deletion webhook that follows is absorbed
// by the terminal-state replay rule.
func (s *Subscriber) Cancel(ctx context.Context, sub *types.Subscription) error {
	if sub.Canceled() {
		return nil
	}
	if _, err := s.api.Cancel(ctx, sub.ProviderSubscriptionID); err != nil {
		return err
	}
	MarkCanceled(sub, time.Now())
	return s.subs.Save(ctx, sub)
}
