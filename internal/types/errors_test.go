package types

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeAuthAPIKeyMissing, http.StatusUnauthorized},
		{ErrCodeAuthAPIKeyInvalid, http.StatusUnauthorized},
		{ErrCodeWebhookSignatureInvalid, http.StatusForbidden},
		{ErrCodeWebhookSignatureExpired, http.StatusForbidden},
		{ErrCodePaymentActionRequired, http.StatusPaymentRequired},
		{ErrCodePaymentFailure, http.StatusPaymentRequired},
		{ErrCodeNotFoundOwner, http.StatusNotFound},
		{ErrCodeNotFoundSubscription, http.StatusNotFound},
		{ErrCodeOwnershipMismatch, http.StatusConflict},
		{ErrCodeSubscriptionTerminal, http.StatusConflict},
		{ErrCodeSubscriptionStateConflict, http.StatusConflict},
		{ErrCodeDuplicatePrice, http.StatusConflict},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeUpstreamProvider, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	assert.True(t, ErrCodeInternalDB.Retryable())
	assert.True(t, ErrCodeUpstreamProvider.Retryable())
	assert.False(t, ErrCodeWebhookSignatureInvalid.Retryable())
	assert.False(t, ErrCodeSubscriptionTerminal.Retryable())
	assert.False(t, ErrCodeOwnershipMismatch.Retryable())
	assert.False(t, ErrCodePaymentActionRequired.Retryable())
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "failed to update subscription", inner)

	assert.Equal(t, "internal_database_error: failed to update subscription", appErr.Error())
	assert.Equal(t, inner, errors.Unwrap(appErr))
	assert.True(t, errors.Is(appErr, inner))
}

func TestAppError_WithDetails_DoesNotMutateOriginal(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeDuplicatePrice, "price already present", nil,
		map[string]any{"price_id": "price_pro"})

	merged := orig.WithDetails(map[string]any{"subscription_id": "sub_1"})

	assert.Len(t, orig.Details, 1)
	assert.Len(t, merged.Details, 2)
	assert.Equal(t, "price_pro", merged.Details["price_id"])
	assert.Equal(t, "sub_1", merged.Details["subscription_id"])
}

func TestNewPaymentActionRequired_CarriesIntentSnapshot(t *testing.T) {
	intent := PaymentIntent{
		ID:           "pi_123",
		Status:       IntentRequiresAction,
		ClientSecret: "pi_123_secret_abc",
		Amount:       2900,
		Currency:     "usd",
	}

	err := NewPaymentActionRequired(intent, "default", "price_pro")

	require.Equal(t, ErrCodePaymentActionRequired, err.Code)
	assert.Equal(t, "pi_123", err.Details["payment_intent_id"])
	assert.Equal(t, "pi_123_secret_abc", err.Details["client_secret"])
	assert.Equal(t, int64(2900), err.Details["amount"])
	assert.Equal(t, "default", err.Details["subscription_name"])
	assert.Equal(t, "price_pro", err.Details["price_id"])
}

func TestNewPaymentActionRequired_WithoutSubscriptionContext(t *testing.T) {
	intent := PaymentIntent{ID: "pi_9", Status: IntentRequiresConfirmation}

	err := NewPaymentActionRequired(intent, "", "")

	_, hasName := err.Details["subscription_name"]
	assert.False(t, hasName)
}

func TestNewPaymentFailure_Distinguishable(t *testing.T) {
	intent := PaymentIntent{ID: "pi_declined", Status: IntentRequiresPaymentMethod}

	actionRequired := NewPaymentActionRequired(intent, "default", "price_pro")
	failure := NewPaymentFailure(intent, "default", "price_pro")

	assert.NotEqual(t, actionRequired.Code, failure.Code)
	assert.Equal(t, ErrCodePaymentFailure, failure.Code)
}
