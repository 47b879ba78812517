// Package types defines the domain model for the paysync platform: billing
// entities, closed enums mirroring provider vocabulary, the tagged AppError
// type, and context helpers shared by every layer.
package types

// SubscriptionStatus is the closed enum of subscription lifecycle states.
// The values mirror the provider's wire vocabulary so that remote snapshots
// map onto local state without translation tables.
type SubscriptionStatus string

const (
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusCanceled          SubscriptionStatus = "canceled"
)

// Terminal reports whether the status is a dead end: once reached, no remote
// update may move the subscription to any other status.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubStatusCanceled || s == SubStatusIncompleteExpired
}

// Pausable reports whether invoice collection may be paused in this status.
// Pause collection is an orthogonal sub-state layered onto active/trialing,
// not a status value of its own.
func (s SubscriptionStatus) Pausable() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// ParseSubscriptionStatus maps a provider status string onto the enum.
// Unknown values are returned as-is so that new provider statuses degrade
// gracefully instead of being silently rewritten.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch raw {
	case "incomplete":
		return SubStatusIncomplete
	case "incomplete_expired":
		return SubStatusIncompleteExpired
	case "trialing":
		return SubStatusTrialing
	case "active":
		return SubStatusActive
	case "past_due":
		return SubStatusPastDue
	case "unpaid":
		return SubStatusUnpaid
	case "canceled":
		return SubStatusCanceled
	default:
		return SubscriptionStatus(raw)
	}
}

// PauseBehavior names how the provider treats invoices generated while
// collection is paused. The three behaviors are mutually exclusive.
type PauseBehavior string

const (
	PauseMarkUncollectible PauseBehavior = "mark_uncollectible"
	PauseKeepAsDraft       PauseBehavior = "keep_as_draft"
	PauseVoid              PauseBehavior = "void"
)

// Valid reports whether b is one of the three recognized behaviors.
func (b PauseBehavior) Valid() bool {
	switch b {
	case PauseMarkUncollectible, PauseKeepAsDraft, PauseVoid:
		return true
	}
	return false
}

// EventKind is the closed enum of webhook event types this platform reacts to.
// Anything outside this set is acknowledged as a no-op; the dispatcher never
// fails on an unknown type.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "customer.subscription.created"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventCustomerUpdated     EventKind = "customer.updated"
	EventCustomerDeleted     EventKind = "customer.deleted"
	EventSourceDeleted       EventKind = "customer.source.deleted"
)

// PaymentIntentStatus is the subset of provider payment-intent statuses the
// incomplete-payment flow distinguishes.
type PaymentIntentStatus string

const (
	IntentRequiresAction        PaymentIntentStatus = "requires_action"
	IntentRequiresConfirmation  PaymentIntentStatus = "requires_confirmation"
	IntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	IntentProcessing            PaymentIntentStatus = "processing"
	IntentSucceeded             PaymentIntentStatus = "succeeded"
	IntentCanceled              PaymentIntentStatus = "canceled"
)

// RequiresCustomerAction reports whether the intent is blocked on the end
// customer completing an authentication or confirmation step.
func (s PaymentIntentStatus) RequiresCustomerAction() bool {
	return s == IntentRequiresAction || s == IntentRequiresConfirmation
}

// ConfirmationState is the collapsed status exposed by the confirmation
// resource to client-side payment widgets.
type ConfirmationState string

const (
	ConfirmationSucceeded     ConfirmationState = "succeeded"
	ConfirmationCanceled      ConfirmationState = "canceled"
	ConfirmationRequiresInput ConfirmationState = "requires_input"
)

// ConfirmationStateFor collapses a payment-intent status into the three
// states the confirmation view distinguishes.
func ConfirmationStateFor(s PaymentIntentStatus) ConfirmationState {
	switch s {
	case IntentSucceeded:
		return ConfirmationSucceeded
	case IntentCanceled:
		return ConfirmationCanceled
	default:
		return ConfirmationRequiresInput
	}
}
