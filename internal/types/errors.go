package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"

	// Auth (401)
	ErrCodeAuthAPIKeyMissing ErrorCode = "auth_api_key_missing"
	ErrCodeAuthAPIKeyInvalid ErrorCode = "auth_api_key_invalid"
	ErrCodeAuthAPIKeyRevoked ErrorCode = "auth_api_key_revoked"

	// Webhook transport/integrity (403) -- terminal for the request,
	// never retried by the provider on a 4xx.
	ErrCodeWebhookSignatureInvalid ErrorCode = "webhook_signature_invalid"
	ErrCodeWebhookSignatureExpired ErrorCode = "webhook_signature_expired"

	// Ownership (409) -- a remote object does not belong to the owner it
	// is being applied to; processing aborts for that item only.
	ErrCodeOwnershipMismatch ErrorCode = "ownership_mismatch"

	// State machine (409) -- logic errors, never sent upstream, never retried.
	ErrCodeSubscriptionTerminal      ErrorCode = "subscription_terminal"
	ErrCodeSubscriptionStateConflict ErrorCode = "subscription_state_conflict"
	ErrCodeSubscriptionSlotTaken     ErrorCode = "subscription_slot_taken"
	ErrCodeDuplicatePrice            ErrorCode = "duplicate_price"

	// Incomplete payment (402) -- recoverable by the end customer
	// completing authentication; carries the payment-intent snapshot.
	ErrCodePaymentActionRequired ErrorCode = "payment_action_required"
	ErrCodePaymentFailure        ErrorCode = "payment_failure"

	// Not Found (404)
	ErrCodeNotFoundOwner        ErrorCode = "not_found_owner"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundPayment      ErrorCode = "not_found_payment"
	ErrCodeNotFoundItem         ErrorCode = "not_found_item"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamProvider     ErrorCode = "upstream_provider_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "webhook_signature_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "payment_"):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case s == string(ErrCodeOwnershipMismatch),
		strings.HasPrefix(s, "subscription_"),
		s == string(ErrCodeDuplicatePrice):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether the provider should redeliver a webhook whose
// processing produced this code. Transient infrastructure failures retry;
// logic, ownership, and integrity errors are terminal for the delivery.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeInternalDB, ErrCodeInternalUnexpected,
		ErrCodeUpstreamProvider, ErrCodeUpstreamRateLimited:
		return true
	}
	return false
}

// AppError is the standard application error type used throughout the
// platform. All domain and handler errors are expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
// Callers match on Code; Details carries the structured payload per kind
// (e.g., the payment-intent snapshot for payment_action_required).
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewPaymentActionRequired builds the incomplete-payment condition for an
// intent blocked on customer authentication. The subscription name and price
// ride along for diagnostics when the condition was raised during a
// subscription attempt.
func NewPaymentActionRequired(intent PaymentIntent, subscriptionName, priceID string) *AppError {
	details := map[string]any{
		"payment_intent_id": intent.ID,
		"payment_status":    string(intent.Status),
		"client_secret":     intent.ClientSecret,
		"amount":            intent.Amount,
		"currency":          intent.Currency,
	}
	if subscriptionName != "" {
		details["subscription_name"] = subscriptionName
		details["price_id"] = priceID
	}
	return NewAppErrorWithDetails(
		ErrCodePaymentActionRequired,
		"additional customer action is required to complete this payment",
		nil,
		details,
	)
}

// NewPaymentFailure builds the condition for a payment declined outright
// during a subscription attempt.
func NewPaymentFailure(intent PaymentIntent, subscriptionName, priceID string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodePaymentFailure,
		"the payment attempt failed and the subscription was not activated",
		nil,
		map[string]any{
			"payment_intent_id": intent.ID,
			"payment_status":    string(intent.Status),
			"amount":            intent.Amount,
			"currency":          intent.Currency,
			"subscription_name": subscriptionName,
			"price_id":          priceID,
		},
	)
}
