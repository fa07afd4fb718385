// Package billing reconciles subscription-billing webhooks into the local
// entitlement record of a user.
//
// A webhook travels through a fixed pipeline:
//
//	verify signature -> idempotency ledger -> identity resolver ->
//	reconciler (persist) -> dispatcher (emails) -> ledger commit -> ack
//
// The provider retries every delivery that is not acknowledged with a 2xx, so
// each stage is written to tolerate at-least-once, out-of-order input:
//
//   - the Ledger turns redeliveries into no-ops and makes the per-event work a
//     critical section (Claim/Release);
//   - the Reconciler only ever writes absolute values, so reprocessing an event
//     is harmless and no handler depends on seeing a particular prior state;
//   - the Dispatcher never returns an error, so a broken mail transport cannot
//     force a retry of an already-applied state change.
//
// Access is decided by a single predicate, User.HasAccess, which compares the
// stored entitlement end with the current time. Status mapping is fail-closed:
// unknown statuses and granting statuses without a period end revoke access.
//
// Stripe is the primary provider (StripeProvider); Paddle is supported through
// PaddleProvider, which maps its events onto the same canonical event types.
package billing
