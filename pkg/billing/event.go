package billing

import (
	"slices"
	"time"
)

// EventType is the canonical event type. Values follow Stripe's naming; other
// providers map onto them.
type EventType string

const (
	EventCheckoutCompleted        EventType = "checkout.session.completed"
	EventSubscriptionCreated      EventType = "customer.subscription.created"
	EventSubscriptionUpdated      EventType = "customer.subscription.updated"
	EventSubscriptionDeleted      EventType = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd EventType = "customer.subscription.trial_will_end"
	EventInvoicePaymentSucceeded  EventType = "invoice.payment_succeeded"
	EventInvoicePaid              EventType = "invoice.paid"
	EventInvoicePaymentFailed     EventType = "invoice.payment_failed"
	EventInvoiceUpcoming          EventType = "invoice.upcoming"
)

var recognizedEvents = []EventType{
	EventCheckoutCompleted,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventSubscriptionTrialWillEnd,
	EventInvoicePaymentSucceeded,
	EventInvoicePaid,
	EventInvoicePaymentFailed,
	EventInvoiceUpcoming,
}

// Recognized reports whether the engine acts on this event type. Anything else
// is acknowledged and ignored.
func (t EventType) Recognized() bool {
	return slices.Contains(recognizedEvents, t)
}

// Metadata keys written into provider objects.
const (
	MetadataUserID  = "user_id"
	MetadataPurpose = "purpose"
)

// Event is a verified, decoded webhook delivery. Exactly one of the payload
// pointers is set for recognized types.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	CreatedAt    time.Time
	ReceivedAt   time.Time

	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

type CheckoutPayload struct {
	SessionID         string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	CustomerEmail     string
	Metadata          map[string]string
}

type SubscriptionPayload struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
	TrialEnd         *time.Time
	Metadata         map[string]string
}

type InvoicePayload struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	Metadata       map[string]string
}

// Hints collects the identity clues an event carries.
func (e *Event) Hints() Hints {
	var h Hints
	switch {
	case e.Checkout != nil:
		h.ClientReferenceID = e.Checkout.ClientReferenceID
		h.MetadataUserID = e.Checkout.Metadata[MetadataUserID]
		h.CustomerID = e.Checkout.CustomerID
		h.SubscriptionID = e.Checkout.SubscriptionID
		h.Email = e.Checkout.CustomerEmail
	case e.Subscription != nil:
		h.MetadataUserID = e.Subscription.Metadata[MetadataUserID]
		h.CustomerID = e.Subscription.CustomerID
		h.SubscriptionID = e.Subscription.ID
	case e.Invoice != nil:
		h.MetadataUserID = e.Invoice.Metadata[MetadataUserID]
		h.CustomerID = e.Invoice.CustomerID
		h.SubscriptionID = e.Invoice.SubscriptionID
		h.Email = e.Invoice.CustomerEmail
	}
	return h
}

// SubscriptionID returns the subscription the event refers to, if any.
func (e *Event) SubscriptionID() string {
	return e.Hints().SubscriptionID
}
