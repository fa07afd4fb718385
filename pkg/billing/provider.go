package billing

import (
	"context"
	"time"
)

// Provider is the billing provider client. Implementations wrap transport
// failures in ErrProviderFailure and missing objects in ErrProviderNotFound.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// ParseWebhook authenticates the raw body and decodes it. It returns
	// ErrWebhookNotConfigured, ErrSignatureInvalid or ErrMalformedEvent.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error)
	CreatePortalSession(ctx context.Context, params PortalParams) (*Session, error)
}

// Subscription is a live subscription snapshot fetched from the provider.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
	TrialEnd         *time.Time
	Metadata         map[string]string
}

type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

type CustomerParams struct {
	Email    string
	Metadata map[string]string
}

type CheckoutParams struct {
	CustomerID        string
	PriceID           string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	TrialDays         int64
	Metadata          map[string]string
}

type PortalParams struct {
	CustomerID     string
	SubscriptionID string
	ReturnURL      string
}

// Session is a hosted checkout or portal page.
type Session struct {
	ID  string
	URL string
}
