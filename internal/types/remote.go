package types

import "time"

// RemoteSubscription is the provider's authoritative view of a subscription
// as read from webhook payloads and retrieve calls. Pointer fields model
// "not reported" -- a nil field never overwrites local state.
type RemoteSubscription struct {
	ID                string                 `json:"id"`
	CustomerID        string                 `json:"customer"`
	Status            string                 `json:"status"`
	CancelAtPeriodEnd bool                   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                  `json:"current_period_end"`
	TrialEnd          int64                  `json:"trial_end"`
	Quantity          *int64                 `json:"quantity,omitempty"`
	PauseCollection   *RemotePauseCollection `json:"pause_collection,omitempty"`
	Items             RemoteItemList         `json:"items"`
	LatestInvoice     *RemoteInvoice         `json:"latest_invoice,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
}

// PrimaryPriceID returns the first item's price, or "" when the provider
// reported no items.
func (r *RemoteSubscription) PrimaryPriceID() string {
	if len(r.Items.Data) == 0 {
		return ""
	}
	return r.Items.Data[0].Price.ID
}

// TrialEndTime converts the unix trial end to a *time.Time, nil when unset.
func (r *RemoteSubscription) TrialEndTime() *time.Time {
	if r.TrialEnd == 0 {
		return nil
	}
	t := time.Unix(r.TrialEnd, 0).UTC()
	return &t
}

// CurrentPeriodEndTime converts the unix period end, zero time when unset.
func (r *RemoteSubscription) CurrentPeriodEndTime() time.Time {
	if r.CurrentPeriodEnd == 0 {
		return time.Time{}
	}
	return time.Unix(r.CurrentPeriodEnd, 0).UTC()
}

// RemotePauseCollection mirrors the provider's pause_collection object.
type RemotePauseCollection struct {
	Behavior  string `json:"behavior"`
	ResumesAt int64  `json:"resumes_at,omitempty"`
}

// ResumesAtTime converts the unix resume timestamp, nil when unset.
func (p *RemotePauseCollection) ResumesAtTime() *time.Time {
	if p == nil || p.ResumesAt == 0 {
		return nil
	}
	t := time.Unix(p.ResumesAt, 0).UTC()
	return &t
}

// RemoteItemList wraps the provider's list envelope for subscription items.
type RemoteItemList struct {
	Data []RemoteItem `json:"data"`
}

// RemoteItem is one priced line as reported by the provider.
type RemoteItem struct {
	ID       string      `json:"id"`
	Price    RemotePrice `json:"price"`
	Quantity *int64      `json:"quantity,omitempty"`
}

// RemotePrice carries the price and owning product identifiers.
type RemotePrice struct {
	ID        string `json:"id"`
	ProductID string `json:"product"`
}

// RemoteInvoice is the slice of the provider invoice the subscription-creation
// flow reads: the payment intent that must settle for the first period.
type RemoteInvoice struct {
	ID            string               `json:"id"`
	PaymentIntent *RemotePaymentIntent `json:"payment_intent,omitempty"`
}

// RemotePaymentIntent is the provider's payment-intent representation.
type RemotePaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Snapshot projects the remote intent onto the local PaymentIntent type.
func (p *RemotePaymentIntent) Snapshot() PaymentIntent {
	return PaymentIntent{
		ID:           p.ID,
		Status:       PaymentIntentStatus(p.Status),
		ClientSecret: p.ClientSecret,
		Amount:       p.Amount,
		Currency:     p.Currency,
	}
}

// RemoteCustomer is the provider's customer object as read from customer.*
// webhook payloads.
type RemoteCustomer struct {
	ID              string                `json:"id"`
	Email           string                `json:"email"`
	Deleted         bool                  `json:"deleted,omitempty"`
	DefaultSource   string                `json:"default_source,omitempty"`
	InvoiceSettings RemoteInvoiceSettings `json:"invoice_settings"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
}

// RemoteInvoiceSettings carries the customer's default payment method.
type RemoteInvoiceSettings struct {
	DefaultPaymentMethod *RemotePaymentMethod `json:"default_payment_method,omitempty"`
}

// RemotePaymentMethod is the card fingerprint slice of a payment method.
type RemotePaymentMethod struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Card *RemoteCardInfo `json:"card,omitempty"`
}

// RemoteCardInfo carries the displayable card fields.
type RemoteCardInfo struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// RemoteSource is a legacy payment source as reported by
// customer.source.deleted events.
type RemoteSource struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer"`
}
