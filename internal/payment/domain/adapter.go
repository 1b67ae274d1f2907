package domain

import (
	"context"
	"net/http"
)

// InitiateResult is the provider's answer to an initiate call.
type InitiateResult struct {
	Accepted          bool
	ProviderRequestID string
	Reason            string
}

// VerifyResult is the provider's answer to a status query. Status carries
// the canonical mapping of the raw ProviderStatus code; unknown codes map
// to StatusProcessing, never to StatusCompleted.
type VerifyResult struct {
	Status         Status
	ProviderStatus string
	ProviderTxnID  string
}

// WebhookEvent is a decoded, signature-verified provider callback.
type WebhookEvent struct {
	Reference      string
	Status         Status
	ProviderStatus string
	ProviderTxnID  string
	EventType      string
}

// ProviderAdapter is the capability interface every payment rail implements.
type ProviderAdapter interface {
	Method() Method

	// Initiate performs the outbound request-to-pay carrying the payment's
	// reference number as the merchant idempotency key. Manual rails accept
	// immediately.
	Initiate(ctx context.Context, payment *Payment) (InitiateResult, error)

	// Verify queries the provider's status endpoint. Manual rails return the
	// payment's local status.
	Verify(ctx context.Context, payment *Payment) (VerifyResult, error)

	// Cancel releases provider-side state where the rail supports it. It is
	// local-only for push rails and must not block on the provider.
	Cancel(ctx context.Context, payment *Payment) error

	// DecodeWebhook verifies the payload signature before any parsing and
	// returns the canonical event. Payloads failing verification return
	// ErrInvalidSignature without touching any state.
	DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookEvent, error)
}
