package billing

import "errors"

var (
	// Webhook ingress.
	ErrWebhookNotConfigured = errors.New("billing: webhook secret is not configured")
	ErrSignatureInvalid     = errors.New("billing: webhook signature is invalid")
	ErrMalformedEvent       = errors.New("billing: webhook payload is malformed")
	ErrEventInFlight        = errors.New("billing: event is being processed by another worker")
	// ErrEventNotApplicable marks permanent failures: redelivery cannot
	// change the result, so the event is acknowledged and recorded.
	ErrEventNotApplicable = errors.New("billing: event cannot be applied")

	// Collaborators.
	ErrUserNotFound     = errors.New("billing: user not found")
	ErrCustomerConflict = errors.New("billing: billing customer id belongs to another user")
	ErrProviderNotFound = errors.New("billing: provider object not found")
	ErrProviderFailure  = errors.New("billing: provider request failed")
	ErrStoreFailure     = errors.New("billing: user store request failed")
	ErrLedgerFailure    = errors.New("billing: idempotency ledger failure")

	// Sessions.
	ErrNotCustomer         = errors.New("billing: user has no billing customer")
	ErrPriceNotConfigured  = errors.New("billing: price id is not configured")
	ErrNoSessionURL        = errors.New("billing: provider returned no session url")
	ErrProviderUnsupported = errors.New("billing: unsupported provider")
)
