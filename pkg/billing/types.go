package billing

import (
	"time"

	"github.com/google/uuid"
)

// Raw subscription statuses as reported by the provider.
const (
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

// Entitlement is the local interpretation of a raw provider status.
type Entitlement string

const (
	EntitlementNone     Entitlement = "none"
	EntitlementTrialing Entitlement = "trialing"
	EntitlementActive   Entitlement = "active"
	EntitlementGrace    Entitlement = "grace"
	EntitlementRevoked  Entitlement = "revoked"
)

// Grants reports whether the entitlement gives access while the period lasts.
func (e Entitlement) Grants() bool {
	return e == EntitlementTrialing || e == EntitlementActive || e == EntitlementGrace
}

// EntitlementFor maps a raw status to an entitlement. It is total: anything it
// does not recognize revokes.
func EntitlementFor(status string) Entitlement {
	switch status {
	case "":
		return EntitlementNone
	case StatusTrialing:
		return EntitlementTrialing
	case StatusActive:
		return EntitlementActive
	case StatusPastDue:
		return EntitlementGrace
	default:
		return EntitlementRevoked
	}
}

// Grant computes the entitlement and its end for a status and the provider's
// period boundaries. Trialing subscriptions prefer the trial end. A granting
// status without a usable end revokes, so a half-populated payload can never
// hand out open-ended access.
func Grant(status string, periodEnd, trialEnd *time.Time) (Entitlement, *time.Time) {
	ent := EntitlementFor(status)
	if !ent.Grants() {
		return ent, nil
	}

	end := periodEnd
	if ent == EntitlementTrialing && usable(trialEnd) {
		end = trialEnd
	}
	if !usable(end) {
		return EntitlementRevoked, nil
	}

	t := end.UTC()
	return ent, &t
}

func usable(t *time.Time) bool {
	return t != nil && !t.IsZero() && t.Unix() > 0
}

// User is the local entitlement record. Only the Reconciler mutates the
// billing fields.
type User struct {
	ID                 uuid.UUID
	Email              string
	CustomerID         string
	SubscriptionID     string
	SubscriptionStatus string
	EntitlementEnd     *time.Time
}

// HasAccess is the only access predicate: entitlement end strictly after now.
func (u User) HasAccess(now time.Time) bool {
	return u.EntitlementEnd != nil && u.EntitlementEnd.After(now)
}

// Entitlement returns the entitlement implied by the stored status.
func (u User) Entitlement() Entitlement {
	return EntitlementFor(u.SubscriptionStatus)
}

// Transition describes what the Reconciler did to a user for one event. It
// feeds the Dispatcher.
type Transition struct {
	From           Entitlement
	To             Entitlement
	PreviousStatus string
	Status         string
	EntitlementEnd *time.Time
	// Skipped is set when the event was authentic but not meant for this
	// product (for example a checkout with a different purpose tag).
	Skipped bool
}

// Changed reports whether the entitlement state moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Outcome is the acknowledgement status returned for a delivered webhook.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
)
