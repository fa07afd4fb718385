package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleProvider implements Provider for Paddle Billing. Paddle events are
// mapped onto the canonical event types:
//
//	transaction.completed (first purchase)      -> checkout.session.completed
//	transaction.completed (subscription_recurring) -> invoice.payment_succeeded
//	transaction.payment_failed                  -> invoice.payment_failed
//	subscription.created                        -> customer.subscription.created
//	subscription.canceled                       -> customer.subscription.deleted
//	other subscription.*                        -> customer.subscription.updated
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("paddle API key is required"))
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("invalid paddle environment: %s", cfg.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	p := &PaddleProvider{client: client}
	if cfg.WebhookSecret != "" {
		p.verifier = paddle.NewWebhookVerifier(cfg.WebhookSecret)
	}
	return p, nil
}

func (p *PaddleProvider) Name() string            { return ProviderPaddle }
func (p *PaddleProvider) SignatureHeader() string { return "Paddle-Signature" }

type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleSubscriptionObject struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	CustomerID           string         `json:"customer_id"`
	CustomData           map[string]any `json:"custom_data"`
	CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
	Items                []struct {
		TrialDates *paddlePeriod `json:"trial_dates"`
	} `json:"items"`
}

type paddleTransactionObject struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Origin         string         `json:"origin"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	if p.verifier == nil {
		return nil, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return nil, ErrSignatureInvalid
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	req.Header.Set(p.SignatureHeader(), signature)

	ok, err := p.verifier.Verify(req)
	if err != nil || !ok {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}

	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, errors.Join(ErrMalformedEvent, errors.New("event id or type is empty"))
	}

	ev := &Event{
		ID:           env.EventID,
		ProviderType: env.EventType,
		CreatedAt:    env.OccurredAt.UTC(),
		// Unmapped Paddle types stay unrecognized.
		Type: EventType("paddle." + env.EventType),
	}

	switch {
	case strings.HasPrefix(env.EventType, "subscription."):
		var obj paddleSubscriptionObject
		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		ev.Type = paddleSubscriptionEventType(env.EventType)
		ev.Subscription = &SubscriptionPayload{
			ID:               obj.ID,
			CustomerID:       obj.CustomerID,
			Status:           obj.Status,
			CurrentPeriodEnd: periodEnd(obj.CurrentBillingPeriod),
			TrialEnd:         obj.trialEnd(),
			Metadata:         stringMap(obj.CustomData),
		}

	case env.EventType == "transaction.completed" || env.EventType == "transaction.payment_failed":
		var obj paddleTransactionObject
		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		meta := stringMap(obj.CustomData)

		if env.EventType == "transaction.completed" && obj.Origin != "subscription_recurring" {
			ev.Type = EventCheckoutCompleted
			ev.Checkout = &CheckoutPayload{
				SessionID:         obj.ID,
				ClientReferenceID: meta[MetadataUserID],
				CustomerID:        obj.CustomerID,
				SubscriptionID:    obj.SubscriptionID,
				Metadata:          meta,
			}
			break
		}

		ev.Type = EventInvoicePaymentSucceeded
		if env.EventType == "transaction.payment_failed" {
			ev.Type = EventInvoicePaymentFailed
		}
		total, _ := strconv.ParseInt(obj.Details.Totals.GrandTotal, 10, 64)
		ev.Invoice = &InvoicePayload{
			ID:             obj.ID,
			CustomerID:     obj.CustomerID,
			SubscriptionID: obj.SubscriptionID,
			Currency:       strings.ToLower(obj.CurrencyCode),
			AmountDue:      total,
			Metadata:       meta,
		}
		if ev.Type == EventInvoicePaymentSucceeded {
			ev.Invoice.AmountPaid = total
		}
	}

	return ev, nil
}

func paddleSubscriptionEventType(t string) EventType {
	switch t {
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	default:
		return EventSubscriptionUpdated
	}
}

func (s paddleSubscriptionObject) trialEnd() *time.Time {
	for _, it := range s.Items {
		if end := periodEnd(it.TrialDates); end != nil {
			return end
		}
	}
	return nil
}

func periodEnd(p *paddlePeriod) *time.Time {
	if p == nil || p.EndsAt.IsZero() {
		return nil
	}
	t := p.EndsAt.UTC()
	return &t
}

func parsePaddleTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// stringMap flattens Paddle custom_data, which is arbitrary JSON, into string
// metadata. Non-string values are skipped.
func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (p *PaddleProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}

	out := &Subscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
		Metadata:   stringMap(sub.CustomData),
	}
	if sub.CurrentBillingPeriod != nil {
		out.CurrentPeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	for _, it := range sub.Items {
		if it.TrialDates != nil {
			if end := parsePaddleTime(it.TrialDates.EndsAt); end != nil {
				out.TrialEnd = end
				break
			}
		}
	}
	return out, nil
}

func (p *PaddleProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	c, err := p.client.CustomersClient.GetCustomer(ctx, &paddle.GetCustomerRequest{CustomerID: customerID})
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}
	return &Customer{ID: c.ID, Email: c.Email, Metadata: stringMap(c.CustomData)}, nil
}

// UpdateSubscriptionMetadata merges metadata into the subscription's
// custom_data. Paddle replaces custom_data wholesale, so the current value is
// read first.
func (p *PaddleProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return errors.Join(ErrProviderFailure, err)
	}

	data := paddle.CustomData{}
	for k, v := range sub.CustomData {
		data[k] = v
	}
	for k, v := range metadata {
		data[k] = v
	}

	if _, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID: subscriptionID,
		CustomData:     paddle.NewPatchField(data),
	}); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

func (p *PaddleProvider) CreateCustomer(ctx context.Context, in CustomerParams) (*Customer, error) {
	data := paddle.CustomData{}
	for k, v := range in.Metadata {
		data[k] = v
	}

	c, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email:      in.Email,
		CustomData: data,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}
	return &Customer{ID: c.ID, Email: c.Email, Metadata: stringMap(c.CustomData)}, nil
}

// CreateCheckoutSession creates a draft transaction whose checkout URL is the
// hosted payment page. Paddle has no client_reference_id, so the user id
// travels in custom_data together with the purpose tag.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*Session, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  in.PriceID,
		Quantity: 1,
	})

	data := paddle.CustomData{}
	for k, v := range in.Metadata {
		data[k] = v
	}
	data[MetadataUserID] = in.ClientReferenceID

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(in.CustomerID),
		CustomData: data,
	}
	if in.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(in.SuccessURL)}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return nil, ErrNoSessionURL
	}
	return &Session{ID: txn.ID, URL: *txn.Checkout.URL}, nil
}

func (p *PaddleProvider) CreatePortalSession(ctx context.Context, in PortalParams) (*Session, error) {
	req := &paddle.CreateCustomerPortalSessionRequest{CustomerID: in.CustomerID}
	if in.SubscriptionID != "" {
		req.SubscriptionIDs = []string{in.SubscriptionID}
	}

	sess, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, req)
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}
	if sess.URLs.General.Overview == "" {
		return nil, ErrNoSessionURL
	}
	return &Session{ID: sess.ID, URL: sess.URLs.General.Overview}, nil
}
