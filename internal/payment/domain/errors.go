package domain

import "errors"

var (
	// Validation failures, rejected before any state is created.
	ErrInvalidMethod    = errors.New("invalid_method")
	ErrMethodInactive   = errors.New("method_inactive")
	ErrAmountOutOfRange = errors.New("amount_out_of_range")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidPhone     = errors.New("invalid_phone")
	ErrInvalidDetail    = errors.New("invalid_detail")
	ErrCashMismatch     = errors.New("cash_change_mismatch")

	// Conflicts on the state machine.
	ErrActivePaymentExists = errors.New("active_payment_exists")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrPaymentTerminal     = errors.New("payment_terminal")

	// Lookup failures.
	ErrPaymentNotFound = errors.New("payment_not_found")

	// Provider-side failures.
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrProviderRejected    = errors.New("provider_rejected")

	// Webhook ingestion.
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")

	// Reconciliation.
	ErrRetryExhausted = errors.New("retry_exhausted")
)

// ValidationErr reports whether err is a caller-input failure that left no
// state behind.
func ValidationErr(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidMethod),
		errors.Is(err, ErrMethodInactive),
		errors.Is(err, ErrAmountOutOfRange),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrInvalidDetail),
		errors.Is(err, ErrCashMismatch):
		return true
	}
	return false
}

// ConflictErr reports whether err is an illegal operation against the
// current payment state.
func ConflictErr(err error) bool {
	switch {
	case errors.Is(err, ErrActivePaymentExists),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrPaymentTerminal):
		return true
	}
	return false
}
