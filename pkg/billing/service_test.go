package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

type serviceFixture struct {
	svc      billing.Service
	store    billing.UserStore
	provider *MockProvider
	ledger   *billing.MemoryLedger
	sender   *recordingSender
}

func newServiceFixture(t *testing.T, store billing.UserStore) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    store,
		provider: &MockProvider{},
		ledger:   billing.NewMemoryLedger(),
		sender:   &recordingSender{},
	}
	cfg := billing.Config{
		PriceID:    "price_1",
		ProductTag: "premium",
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/cancel",
		TrialDays:  7,
	}
	f.svc = billing.NewService(cfg, store, f.provider, f.ledger,
		billing.WithDispatcher(billing.NewDispatcher(f.sender)),
		billing.WithClock(func() time.Time { return now }),
	)
	return f
}

// deliver registers ev as the decoded form of a payload equal to its id.
func (f *serviceFixture) deliver(ev *billing.Event) (billing.Outcome, error) {
	payload := []byte(ev.ID)
	f.provider.On("ParseWebhook", mock.Anything, payload, "sig").Return(ev, nil).Maybe()
	return f.svc.HandleWebhook(context.Background(), payload, "sig")
}

func (f *serviceFixture) user(t *testing.T, id uuid.UUID) *billing.User {
	t.Helper()
	u, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	return u
}

func checkoutEvent(id string, userID uuid.UUID) *billing.Event {
	return &billing.Event{
		ID:   id,
		Type: billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutPayload{
			ClientReferenceID: userID.String(),
			CustomerID:        "cus_1",
			SubscriptionID:    "sub_1",
			Metadata:          map[string]string{billing.MetadataPurpose: "premium"},
		},
	}
}

func TestService_CheckoutTrialAndRedelivery(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusTrialing, CurrentPeriodEnd: ptr(periodEnd), TrialEnd: ptr(trialEnd),
	}, nil)

	ev := checkoutEvent("evt_checkout", u.ID)
	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)

	got := f.user(t, u.ID)
	assert.Equal(t, billing.EntitlementTrialing, got.Entitlement())
	assert.True(t, got.HasAccess(now))
	assert.Equal(t, []string{string(billing.NotifyTrialStarted)}, f.sender.tags())

	outcome, err = f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, outcome)
	assert.Len(t, f.sender.tags(), 1, "redelivery must not notify again")
	f.provider.AssertNumberOfCalls(t, "GetSubscription", 1)
	f.provider.AssertNotCalled(t, "UpdateSubscriptionMetadata", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Cancellation(t *testing.T) {
	t.Parallel()

	u := billing.User{
		ID:                 uuid.New(),
		Email:              "jane@example.com",
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: billing.StatusActive,
		EntitlementEnd:     ptr(periodEnd),
	}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))

	deleted := &billing.Event{ID: "evt_del", Type: billing.EventSubscriptionDeleted, Subscription: &billing.SubscriptionPayload{
		ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusCanceled,
		Metadata: map[string]string{billing.MetadataUserID: u.ID.String()},
	}}
	outcome, err := f.deliver(deleted)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)

	got := f.user(t, u.ID)
	assert.False(t, got.HasAccess(now))
	assert.Equal(t, billing.StatusCanceled, got.SubscriptionStatus)
	assert.Equal(t, []string{string(billing.NotifyCancellation)}, f.sender.tags())
}

func TestService_LateCreatedAfterCheckout(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)

	_, err := f.deliver(checkoutEvent("evt_checkout", u.ID))
	require.NoError(t, err)

	outcome, err := f.deliver(&billing.Event{ID: "evt_created", Type: billing.EventSubscriptionCreated, Subscription: &billing.SubscriptionPayload{
		ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
		Metadata: map[string]string{billing.MetadataUserID: u.ID.String()},
	}})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)

	got := f.user(t, u.ID)
	assert.Equal(t, billing.StatusActive, got.SubscriptionStatus)
	require.NotNil(t, got.EntitlementEnd)
	assert.True(t, got.EntitlementEnd.Equal(periodEnd))
	assert.Equal(t, []string{string(billing.NotifyWelcome)}, f.sender.tags())
}

func TestService_IgnoredEvents(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))

	t.Run("unrecognized type", func(t *testing.T) {
		outcome, err := f.deliver(&billing.Event{ID: "evt_other", Type: "customer.created"})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeIgnored, outcome)
		assert.Zero(t, f.ledger.Len())
	})

	t.Run("checkout for another product", func(t *testing.T) {
		ev := checkoutEvent("evt_donation", u.ID)
		ev.Checkout.Metadata[billing.MetadataPurpose] = "donation"
		outcome, err := f.deliver(ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeIgnored, outcome)
		assert.Empty(t, f.sender.tags())
	})
}

func TestService_NotificationFailureStillProcessed(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com", SubscriptionID: "sub_1", CustomerID: "cus_1"}
	store := billing.NewMemoryUserStore(u)
	provider := &MockProvider{}
	ledger := billing.NewMemoryLedger()
	svc := billing.NewService(billing.Config{ProductTag: "premium"}, store, provider, ledger,
		billing.WithDispatcher(billing.NewDispatcher(&recordingSender{fail: errors.New("smtp down")})))

	provider.On("GetSubscription", mock.Anything, "sub_1").
		Return(&billing.Subscription{ID: "sub_1", Status: billing.StatusPastDue, CurrentPeriodEnd: ptr(periodEnd)}, nil)
	ev := &billing.Event{ID: "evt_failed", Type: billing.EventInvoicePaymentFailed, Invoice: &billing.InvoicePayload{
		SubscriptionID: "sub_1", Metadata: map[string]string{billing.MetadataUserID: u.ID.String()},
	}}
	provider.On("ParseWebhook", mock.Anything, []byte("p"), "sig").Return(ev, nil)

	outcome, err := svc.HandleWebhook(context.Background(), []byte("p"), "sig")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)

	seen, err := ledger.Seen(context.Background(), "evt_failed")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestService_Unresolved(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, billing.NewMemoryUserStore())
	f.provider.On("GetCustomer", mock.Anything, "cus_ghost").Return(nil, billing.ErrProviderNotFound)

	outcome, err := f.deliver(&billing.Event{ID: "evt_ghost", Type: billing.EventSubscriptionUpdated, Subscription: &billing.SubscriptionPayload{
		ID: "sub_ghost", CustomerID: "cus_ghost", Status: billing.StatusActive,
	}})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeUnresolved, outcome)

	seen, _ := f.ledger.Seen(context.Background(), "evt_ghost")
	assert.True(t, seen, "unresolved events are recorded so redeliveries stop")
	assert.Empty(t, f.sender.tags())
}

func TestService_TransientFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	store := &flakyStore{
		MemoryUserStore: billing.NewMemoryUserStore(u),
		failOn:          "UpdateSubscriptionStatus",
		failN:           1,
		failWith:        errors.New("connection reset"),
	}
	f := newServiceFixture(t, store)
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)

	ev := checkoutEvent("evt_retry", u.ID)
	_, err := f.deliver(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStoreFailure)
	assert.Empty(t, f.sender.tags())
	assert.Zero(t, f.ledger.Len(), "claim is released for the redelivery")

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)
	assert.True(t, f.user(t, u.ID).HasAccess(now))
	assert.Equal(t, []string{string(billing.NotifyWelcome)}, f.sender.tags())
}

func TestService_RejectsBadDeliveries(t *testing.T) {
	t.Parallel()

	for _, want := range []error{billing.ErrWebhookNotConfigured, billing.ErrSignatureInvalid, billing.ErrMalformedEvent} {
		t.Run(want.Error(), func(t *testing.T) {
			t.Parallel()
			f := newServiceFixture(t, billing.NewMemoryUserStore())
			f.provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).Return(nil, want)

			_, err := f.svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
			assert.ErrorIs(t, err, want)
			assert.Zero(t, f.ledger.Len())
		})
	}
}

func TestService_InFlightElsewhere(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New()}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	ok, err := f.ledger.Claim(context.Background(), "evt_busy")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.deliver(checkoutEvent("evt_busy", u.ID))
	assert.ErrorIs(t, err, billing.ErrEventInFlight)
	f.provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestService_ConcurrentRedelivery(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)
	ev := checkoutEvent("evt_dup", u.ID)
	f.provider.On("ParseWebhook", mock.Anything, []byte(ev.ID), "sig").Return(ev, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.HandleWebhook(context.Background(), []byte(ev.ID), "sig")
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{string(billing.NotifyWelcome)}, f.sender.tags())
}

func TestService_RepairsMetadataOnce(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetCustomer", mock.Anything, "cus_1").
		Return(&billing.Customer{ID: "cus_1", Email: "jane@example.com"}, nil)
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)
	f.provider.On("UpdateSubscriptionMetadata", mock.Anything, "sub_1",
		map[string]string{billing.MetadataUserID: u.ID.String()}).Return(nil).Once()

	outcome, err := f.deliver(&billing.Event{ID: "evt_upd", Type: billing.EventSubscriptionUpdated, Subscription: &billing.SubscriptionPayload{
		ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)
	f.provider.AssertNumberOfCalls(t, "UpdateSubscriptionMetadata", 1)
	assert.Equal(t, "cus_1", f.user(t, u.ID).CustomerID)
}

func TestService_CreateCheckoutSession(t *testing.T) {
	t.Parallel()

	t.Run("creates and persists customer", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
		f := newServiceFixture(t, billing.NewMemoryUserStore(u))
		f.provider.On("CreateCustomer", mock.Anything, billing.CustomerParams{
			Email:    u.Email,
			Metadata: map[string]string{billing.MetadataUserID: u.ID.String()},
		}).Return(&billing.Customer{ID: "cus_new"}, nil).Once()
		f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "cus_new" &&
				p.PriceID == "price_1" &&
				p.ClientReferenceID == u.ID.String() &&
				p.TrialDays == 7 &&
				p.SuccessURL == "https://app.example.com/success" &&
				p.Metadata[billing.MetadataPurpose] == "premium" &&
				p.Metadata[billing.MetadataUserID] == u.ID.String()
		})).Return(&billing.Session{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil).Once()

		sess, err := f.svc.CreateCheckoutSession(context.Background(), u.ID, billing.CheckoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.example.com/cs_1", sess.URL)
		assert.Equal(t, "cus_new", f.user(t, u.ID).CustomerID)
		f.provider.AssertExpectations(t)
	})

	t.Run("reuses customer and honors overrides", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New(), Email: "jane@example.com", CustomerID: "cus_1"}
		f := newServiceFixture(t, billing.NewMemoryUserStore(u))
		noTrial := int64(0)
		f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "cus_1" && p.TrialDays == 0 && p.CancelURL == "https://app.example.com/pricing"
		})).Return(&billing.Session{ID: "cs_2", URL: "https://checkout.example.com/cs_2"}, nil).Once()

		_, err := f.svc.CreateCheckoutSession(context.Background(), u.ID, billing.CheckoutOptions{
			CancelURL: "https://app.example.com/pricing",
			TrialDays: &noTrial,
		})
		require.NoError(t, err)
		f.provider.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	})

	t.Run("price not configured", func(t *testing.T) {
		t.Parallel()
		svc := billing.NewService(billing.Config{}, billing.NewMemoryUserStore(), &MockProvider{}, billing.NewMemoryLedger())
		_, err := svc.CreateCheckoutSession(context.Background(), uuid.New(), billing.CheckoutOptions{})
		assert.ErrorIs(t, err, billing.ErrPriceNotConfigured)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t, billing.NewMemoryUserStore())
		_, err := f.svc.CreateCheckoutSession(context.Background(), uuid.New(), billing.CheckoutOptions{})
		assert.ErrorIs(t, err, billing.ErrUserNotFound)
	})

	t.Run("session without url", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New(), CustomerID: "cus_1"}
		f := newServiceFixture(t, billing.NewMemoryUserStore(u))
		f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(&billing.Session{ID: "cs_3"}, nil)
		_, err := f.svc.CreateCheckoutSession(context.Background(), u.ID, billing.CheckoutOptions{})
		assert.ErrorIs(t, err, billing.ErrNoSessionURL)
	})
}

func TestService_CreatePortalSession(t *testing.T) {
	t.Parallel()

	t.Run("not a customer", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New()}
		f := newServiceFixture(t, billing.NewMemoryUserStore(u))
		_, err := f.svc.CreatePortalSession(context.Background(), u.ID, "")
		assert.ErrorIs(t, err, billing.ErrNotCustomer)
	})

	t.Run("customer", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New(), CustomerID: "cus_1", SubscriptionID: "sub_1"}
		f := newServiceFixture(t, billing.NewMemoryUserStore(u))
		f.provider.On("CreatePortalSession", mock.Anything, billing.PortalParams{
			CustomerID: "cus_1", SubscriptionID: "sub_1", ReturnURL: "https://app.example.com/account",
		}).Return(&billing.Session{URL: "https://portal.example.com/s"}, nil).Once()

		sess, err := f.svc.CreatePortalSession(context.Background(), u.ID, "https://app.example.com/account")
		require.NoError(t, err)
		assert.Equal(t, "https://portal.example.com/s", sess.URL)
	})
}

func TestService_VanishedSubscriptionIsAcknowledged(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com", CustomerID: "cus_1", SubscriptionID: "sub_gone"}
	tests := []struct {
		name string
		ev   *billing.Event
	}{
		{"invoice", &billing.Event{ID: "evt_inv", Type: billing.EventInvoicePaymentSucceeded, Invoice: &billing.InvoicePayload{
			SubscriptionID: "sub_gone", CustomerID: "cus_1", AmountPaid: 1999, Currency: "usd",
		}}},
		{"checkout", &billing.Event{ID: "evt_co", Type: billing.EventCheckoutCompleted, Checkout: &billing.CheckoutPayload{
			ClientReferenceID: u.ID.String(), CustomerID: "cus_1", SubscriptionID: "sub_gone",
			Metadata: map[string]string{billing.MetadataPurpose: "premium"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newServiceFixture(t, billing.NewMemoryUserStore(u))
			f.provider.On("GetSubscription", mock.Anything, "sub_gone").Return(nil, billing.ErrProviderNotFound)

			outcome, err := f.deliver(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeIgnored, outcome)

			outcome, err = f.deliver(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeDuplicate, outcome, "a permanent failure is recorded")
			f.provider.AssertNumberOfCalls(t, "GetSubscription", 1)
			assert.Empty(t, f.sender.tags())
		})
	}
}

func TestService_CheckoutWithoutAccessSendsNoWelcome(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusIncomplete, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)

	outcome, err := f.deliver(checkoutEvent("evt_checkout", u.ID))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)

	got := f.user(t, u.ID)
	assert.Equal(t, billing.StatusIncomplete, got.SubscriptionStatus)
	assert.False(t, got.HasAccess(now))
	assert.Empty(t, f.sender.tags())
}

func TestService_CustomerOwnedByAnotherUser(t *testing.T) {
	t.Parallel()

	owner := billing.User{ID: uuid.New(), Email: "owner@example.com", CustomerID: "cus_1"}
	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(owner, u))

	ev := checkoutEvent("evt_checkout", u.ID)
	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, outcome)

	outcome, err = f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, outcome)

	got := f.user(t, u.ID)
	assert.Empty(t, got.CustomerID)
	assert.Empty(t, f.sender.tags())
	f.provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestService_CancelledRequestStillProcesses(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	f := newServiceFixture(t, billing.NewMemoryUserStore(u))
	f.provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}, nil)

	ev := checkoutEvent("evt_checkout", u.ID)
	payload := []byte(ev.ID)
	f.provider.On("ParseWebhook", mock.Anything, payload, "sig").Return(ev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := f.svc.HandleWebhook(ctx, payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, outcome)
	assert.True(t, f.user(t, u.ID).HasAccess(now))
}
