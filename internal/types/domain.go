package types

import "time"

// Owner is the local billable principal. It owns at most one remote customer
// record and any number of subscriptions. The remote linkage fields are
// cleared when the provider reports the customer deleted.
type Owner struct {
	ID                 string     `json:"id"`
	ProviderCustomerID *string    `json:"provider_customer_id,omitempty"`
	BillingEmail       string     `json:"billing_email"`
	PaymentMethodLast4 string     `json:"payment_method_last4,omitempty"`
	PaymentMethodBrand string     `json:"payment_method_brand,omitempty"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"-"`
}

// HasProviderCustomer reports whether the owner has been created remotely.
func (o *Owner) HasProviderCustomer() bool {
	return o.ProviderCustomerID != nil && *o.ProviderCustomerID != ""
}

// PauseCollection is the orthogonal pause sub-state stored on a subscription.
// ResumesAt is informational metadata mirrored from the provider; it never
// triggers a local automatic resume.
type PauseCollection struct {
	Behavior  PauseBehavior `json:"behavior"`
	ResumesAt *time.Time    `json:"resumes_at,omitempty"`
}

// Subscription is the local projection of one remote subscription.
// It is mutated only by the synchronizer and the pause controller, and is
// soft-terminated (status canceled, EndsAt fixed) rather than deleted so
// billing history survives.
type Subscription struct {
	ID                     string             `json:"id"`
	OwnerID                string             `json:"owner_id"`
	Name                   string             `json:"name"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	PriceID                string             `json:"price_id"`
	Quantity               *int64             `json:"quantity,omitempty"`
	TrialEndsAt            *time.Time         `json:"trial_ends_at,omitempty"`
	EndsAt                 *time.Time         `json:"ends_at,omitempty"`
	Pause                  *PauseCollection   `json:"pause_collection,omitempty"`
	Items                  []SubscriptionItem `json:"items,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// OnTrial reports whether the subscription is inside its trial window at t.
func (s *Subscription) OnTrial(t time.Time) bool {
	return s.Status == SubStatusTrialing ||
		(s.TrialEndsAt != nil && s.TrialEndsAt.After(t))
}

// Canceled reports whether the subscription has reached its terminal
// canceled state.
func (s *Subscription) Canceled() bool {
	return s.Status == SubStatusCanceled
}

// OnGracePeriod reports whether a cancellation is scheduled but not yet
// effective at t.
func (s *Subscription) OnGracePeriod(t time.Time) bool {
	return s.EndsAt != nil && s.EndsAt.After(t) && s.Status != SubStatusCanceled
}

// Paused reports whether invoice collection is paused; with a behavior
// argument it additionally requires the stored behavior to match.
func (s *Subscription) Paused(behavior ...PauseBehavior) bool {
	if s.Pause == nil {
		return false
	}
	if len(behavior) == 0 {
		return true
	}
	return s.Pause.Behavior == behavior[0]
}

// HasPrice reports whether any item on the subscription carries priceID.
// The primary price counts as an item for this check.
func (s *Subscription) HasPrice(priceID string) bool {
	if s.PriceID == priceID {
		return true
	}
	for _, it := range s.Items {
		if it.PriceID == priceID {
			return true
		}
	}
	return false
}

// SubscriptionItem is one priced line within a subscription. A subscription
// never carries two items at the same price.
type SubscriptionItem struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	ProviderItemID string    `json:"provider_item_id"`
	ProductID      string    `json:"product_id"`
	PriceID        string    `json:"price_id"`
	Quantity       *int64    `json:"quantity,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PaymentIntent is an on-demand projection of a remote payment intent.
// It is never persisted; it travels inside raised incomplete-payment
// conditions and the confirmation view. The client secret is write-once
// data consumed by the client-side payment widget.
type PaymentIntent struct {
	ID           string              `json:"id"`
	Status       PaymentIntentStatus `json:"status"`
	ClientSecret string              `json:"client_secret,omitempty"`
	Amount       int64               `json:"amount"`
	Currency     string              `json:"currency"`
}

// APIKey authenticates server-to-server callers of the billing API. The
// plaintext secret is shown once at creation; only the bcrypt hash and a
// lookup prefix are stored.
type APIKey struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// WebhookEvent is one idempotency-ledger entry. AppliedAt stays nil until the
// event's handler has fully run; a given EventID is applied at most once.
type WebhookEvent struct {
	EventID    string     `json:"event_id"`
	EventType  EventKind  `json:"event_type"`
	ReceivedAt time.Time  `json:"received_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

// Applied reports whether the event has been fully processed.
func (e *WebhookEvent) Applied() bool {
	return e.AppliedAt != nil
}
