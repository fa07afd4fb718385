package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider on top of stripe-go.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	var backends *stripe.Backends
	if cfg.APIBaseURL != "" {
		b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL: stripe.String(strings.TrimSuffix(cfg.APIBaseURL, "/")),
		})
		backends = &stripe.Backends{API: b, Connect: b, Uploads: b}
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	return &StripeProvider{api: api, webhookSecret: cfg.WebhookSecret}
}

func (p *StripeProvider) Name() string            { return ProviderStripe }
func (p *StripeProvider) SignatureHeader() string { return "Stripe-Signature" }

func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	if p.webhookSecret == "" {
		return nil, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return nil, ErrSignatureInvalid
	}

	se, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, errors.Join(ErrSignatureInvalid, err)
		}
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if se.ID == "" {
		return nil, errors.Join(ErrMalformedEvent, errors.New("event id is empty"))
	}

	ev := &Event{
		ID:           se.ID,
		Type:         EventType(se.Type),
		ProviderType: string(se.Type),
		CreatedAt:    time.Unix(se.Created, 0).UTC(),
	}
	if !ev.Type.Recognized() {
		return ev, nil
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, errors.Join(ErrMalformedEvent, errors.New("event data is empty"))
	}

	if err := decodeStripeObject(ev, se.Data.Raw); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	return ev, nil
}

// stripeRef accepts both an id string and an expanded object with an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = stripeRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

type stripeCheckoutObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeSubscriptionObject struct {
	ID               string            `json:"id"`
	Customer         stripeRef         `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	TrialEnd         int64             `json:"trial_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd prefers item-level periods (current API versions) and falls back
// to the legacy top-level field.
func (s stripeSubscriptionObject) periodEnd() int64 {
	var end int64
	for _, it := range s.Items.Data {
		end = max(end, it.CurrentPeriodEnd)
	}
	if end == 0 {
		end = s.CurrentPeriodEnd
	}
	return end
}

type stripeSubscriptionDetails struct {
	Subscription stripeRef         `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeInvoiceObject struct {
	ID                  string                     `json:"id"`
	Customer            stripeRef                  `json:"customer"`
	CustomerEmail       string                     `json:"customer_email"`
	AmountPaid          int64                      `json:"amount_paid"`
	AmountDue           int64                      `json:"amount_due"`
	Currency            string                     `json:"currency"`
	Subscription        stripeRef                  `json:"subscription"`
	SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

func decodeStripeObject(ev *Event, raw json.RawMessage) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		var obj stripeCheckoutObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		ev.Checkout = &CheckoutPayload{
			SessionID:         obj.ID,
			ClientReferenceID: obj.ClientReferenceID,
			CustomerID:        string(obj.Customer),
			SubscriptionID:    string(obj.Subscription),
			CustomerEmail:     firstNonEmpty(obj.CustomerDetails.Email, obj.CustomerEmail),
			Metadata:          obj.Metadata,
		}

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventSubscriptionTrialWillEnd:
		var obj stripeSubscriptionObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		ev.Subscription = &SubscriptionPayload{
			ID:               obj.ID,
			CustomerID:       string(obj.Customer),
			Status:           obj.Status,
			CurrentPeriodEnd: unixTime(obj.periodEnd()),
			TrialEnd:         unixTime(obj.TrialEnd),
			Metadata:         obj.Metadata,
		}

	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventInvoicePaymentFailed, EventInvoiceUpcoming:
		var obj stripeInvoiceObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		inv := &InvoicePayload{
			ID:             obj.ID,
			CustomerID:     string(obj.Customer),
			CustomerEmail:  obj.CustomerEmail,
			AmountPaid:     obj.AmountPaid,
			AmountDue:      obj.AmountDue,
			Currency:       obj.Currency,
			SubscriptionID: string(obj.Subscription),
		}
		for _, d := range []*stripeSubscriptionDetails{obj.SubscriptionDetails, parentDetails(obj)} {
			if d == nil {
				continue
			}
			if inv.SubscriptionID == "" {
				inv.SubscriptionID = string(d.Subscription)
			}
			if inv.Metadata == nil && len(d.Metadata) > 0 {
				inv.Metadata = d.Metadata
			}
		}
		ev.Invoice = inv
	}
	return nil
}

func parentDetails(obj stripeInvoiceObject) *stripeSubscriptionDetails {
	if obj.Parent == nil {
		return nil
	}
	return obj.Parent.SubscriptionDetails
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, stripeErr(err)
	}

	out := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		TrialEnd: unixTime(sub.TrialEnd),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		var end int64
		for _, it := range sub.Items.Data {
			if it != nil {
				end = max(end, it.CurrentPeriodEnd)
			}
		}
		out.CurrentPeriodEnd = unixTime(end)
	}
	return out, nil
}

func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return nil, stripeErr(err)
	}
	if c.Deleted {
		return nil, ErrProviderNotFound
	}
	return &Customer{ID: c.ID, Email: c.Email, Metadata: c.Metadata}, nil
}

func (p *StripeProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return stripeErr(err)
	}
	return nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, in CustomerParams) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if in.Email != "" {
		params.Email = stripe.String(in.Email)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	c, err := p.api.Customers.New(params)
	if err != nil {
		return nil, stripeErr(err)
	}
	return &Customer{ID: c.ID, Email: c.Email, Metadata: c.Metadata}, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(in.ClientReferenceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(in.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
	}
	params.Context = ctx
	if in.SuccessURL != "" {
		params.SuccessURL = stripe.String(in.SuccessURL)
	}
	if in.CancelURL != "" {
		params.CancelURL = stripe.String(in.CancelURL)
	}
	if in.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(in.TrialDays)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeErr(err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, in PortalParams) (*Session, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer: stripe.String(in.CustomerID),
	}
	params.Context = ctx
	if in.ReturnURL != "" {
		params.ReturnURL = stripe.String(in.ReturnURL)
	}

	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, stripeErr(err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func stripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return errors.Join(ErrProviderNotFound, err)
	}
	return errors.Join(ErrProviderFailure, err)
}
