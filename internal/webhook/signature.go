// Package webhook implements the inbound provider-event pipeline: signature
// verification, the event envelope, and the idempotent processor that routes
// verified events to their handlers.
package webhook

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82/webhook"

	"paysync/internal/types"
)

// DefaultTolerance bounds replay risk when no tolerance is configured.
const DefaultTolerance = 300 * time.Second

// VerifySignature checks that payload genuinely originates from the provider
// and was signed within the tolerance window. Validation is delegated to
// stripe-go, which checks both the HMAC-SHA256 of "{t}.{payload}" under the
// shared secret and the timestamp tolerance. The header format is
// "t=<unix>,v1=<hex-hmac>[,v1=...]"; multiple v1 values appear during
// provider-side secret rotation and any match passes.
//
// Failures are typed: ErrCodeWebhookSignatureExpired when the timestamp has
// aged past tolerance, ErrCodeWebhookSignatureInvalid for a missing or
// malformed header or no matching hash.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	err := stripe.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stripe.ErrTooOld):
		return types.NewAppError(types.ErrCodeWebhookSignatureExpired, "signature timestamp outside tolerance window", err)
	case errors.Is(err, stripe.ErrNotSigned):
		return types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "missing signature header", err)
	case errors.Is(err, stripe.ErrNoValidSignature):
		return types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "no matching signature", err)
	default:
		return types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "malformed signature header", err)
	}
}

// SignPayload generates a signature header for a payload, the counterpart of
// VerifySignature. Tests and local tooling use it to fabricate deliveries.
func SignPayload(payload []byte, secret string, at time.Time) string {
	sig := stripe.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}
