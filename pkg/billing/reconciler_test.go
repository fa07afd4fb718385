package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func newReconcilerFixture(t *testing.T, u billing.User) (*billing.MemoryUserStore, *MockProvider, *billing.Reconciler) {
	t.Helper()
	store := billing.NewMemoryUserStore(u)
	provider := &MockProvider{}
	return store, provider, billing.NewReconciler(store, provider, "premium", nil)
}

func load(t *testing.T, store *billing.MemoryUserStore, id uuid.UUID) *billing.User {
	t.Helper()
	u, err := store.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestReconciler_CheckoutCompleted(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), Email: "jane@example.com"}
	store, provider, r := newReconcilerFixture(t, u)
	provider.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.Subscription{
		ID:               "sub_1",
		Status:           billing.StatusTrialing,
		CurrentPeriodEnd: ptr(periodEnd),
		TrialEnd:         ptr(trialEnd),
	}, nil)

	ev := &billing.Event{
		ID:   "evt_1",
		Type: billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutPayload{
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Metadata:       map[string]string{billing.MetadataPurpose: "premium"},
		},
	}
	tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.EntitlementNone, tr.From)
	assert.Equal(t, billing.EntitlementTrialing, tr.To)
	assert.True(t, tr.Changed())

	got := load(t, store, u.ID)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.Equal(t, billing.StatusTrialing, got.SubscriptionStatus)
	require.NotNil(t, got.EntitlementEnd)
	assert.True(t, got.EntitlementEnd.Equal(trialEnd))
}

func TestReconciler_CheckoutForOtherProduct(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New()}
	store, provider, r := newReconcilerFixture(t, u)

	ev := &billing.Event{
		Type: billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutPayload{
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Metadata:       map[string]string{billing.MetadataPurpose: "donation"},
		},
	}
	tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
	require.NoError(t, err)
	assert.True(t, tr.Skipped)
	assert.Empty(t, load(t, store, u.ID).CustomerID)
	provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestReconciler_SubscriptionUpdated(t *testing.T) {
	t.Parallel()

	t.Run("live dates win", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New(), CustomerID: "cus_1"}
		store, provider, r := newReconcilerFixture(t, u)
		livePeriod := periodEnd.Add(24 * time.Hour)
		provider.On("GetSubscription", mock.Anything, "sub_1").
			Return(&billing.Subscription{ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: &livePeriod}, nil)

		ev := &billing.Event{Type: billing.EventSubscriptionUpdated, Subscription: &billing.SubscriptionPayload{
			ID: "sub_1", CustomerID: "cus_other", Status: billing.StatusPastDue, CurrentPeriodEnd: ptr(periodEnd),
		}}
		tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
		require.NoError(t, err)
		assert.Equal(t, billing.EntitlementGrace, tr.To, "status comes from the event")

		got := load(t, store, u.ID)
		assert.Equal(t, "cus_1", got.CustomerID, "existing customer id is kept")
		assert.Equal(t, "sub_1", got.SubscriptionID)
		require.NotNil(t, got.EntitlementEnd)
		assert.True(t, got.EntitlementEnd.Equal(livePeriod))
	})

	t.Run("fetch failure falls back to event", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New()}
		store, provider, r := newReconcilerFixture(t, u)
		provider.On("GetSubscription", mock.Anything, "sub_1").Return(nil, billing.ErrProviderFailure)

		ev := &billing.Event{Type: billing.EventSubscriptionCreated, Subscription: &billing.SubscriptionPayload{
			ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
		}}
		_, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
		require.NoError(t, err)

		got := load(t, store, u.ID)
		assert.Equal(t, "cus_1", got.CustomerID)
		require.NotNil(t, got.EntitlementEnd)
		assert.True(t, got.EntitlementEnd.Equal(periodEnd))
		assert.True(t, got.HasAccess(now))
	})

	t.Run("granting status without end revokes", func(t *testing.T) {
		t.Parallel()
		u := billing.User{ID: uuid.New()}
		store, provider, r := newReconcilerFixture(t, u)
		provider.On("GetSubscription", mock.Anything, "sub_1").
			Return(&billing.Subscription{ID: "sub_1", Status: billing.StatusActive}, nil)

		ev := &billing.Event{Type: billing.EventSubscriptionUpdated, Subscription: &billing.SubscriptionPayload{
			ID: "sub_1", Status: billing.StatusActive,
		}}
		tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
		require.NoError(t, err)
		assert.Equal(t, billing.EntitlementRevoked, tr.To)
		assert.False(t, load(t, store, u.ID).HasAccess(now))
	})
}

func TestReconciler_SubscriptionDeleted(t *testing.T) {
	t.Parallel()

	u := billing.User{
		ID:                 uuid.New(),
		SubscriptionID:     "sub_1",
		SubscriptionStatus: billing.StatusActive,
		EntitlementEnd:     ptr(periodEnd),
	}
	store, provider, r := newReconcilerFixture(t, u)

	ev := &billing.Event{Type: billing.EventSubscriptionDeleted, Subscription: &billing.SubscriptionPayload{
		ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}}
	tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, tr.PreviousStatus)
	assert.Equal(t, billing.EntitlementRevoked, tr.To)

	got := load(t, store, u.ID)
	assert.Equal(t, billing.StatusCanceled, got.SubscriptionStatus)
	assert.Nil(t, got.EntitlementEnd)
	provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestReconciler_InvoiceKeepsEntitlementEnd(t *testing.T) {
	t.Parallel()

	u := billing.User{
		ID:                 uuid.New(),
		SubscriptionID:     "sub_1",
		SubscriptionStatus: billing.StatusActive,
		EntitlementEnd:     ptr(periodEnd),
	}
	store, provider, r := newReconcilerFixture(t, u)
	provider.On("GetSubscription", mock.Anything, "sub_1").
		Return(&billing.Subscription{ID: "sub_1", Status: billing.StatusPastDue, CurrentPeriodEnd: ptr(periodEnd.Add(time.Hour))}, nil)

	ev := &billing.Event{Type: billing.EventInvoicePaymentFailed, Invoice: &billing.InvoicePayload{SubscriptionID: "sub_1"}}
	tr, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.EntitlementGrace, tr.To)

	got := load(t, store, u.ID)
	assert.Equal(t, billing.StatusPastDue, got.SubscriptionStatus)
	require.NotNil(t, got.EntitlementEnd)
	assert.True(t, got.EntitlementEnd.Equal(periodEnd))
}

func TestReconciler_OrderIndependence(t *testing.T) {
	t.Parallel()

	created := &billing.Event{Type: billing.EventSubscriptionCreated, Subscription: &billing.SubscriptionPayload{
		ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd),
	}}
	checkout := &billing.Event{Type: billing.EventCheckoutCompleted, Checkout: &billing.CheckoutPayload{
		CustomerID: "cus_1", SubscriptionID: "sub_1",
		Metadata: map[string]string{billing.MetadataPurpose: "premium"},
	}}

	run := func(order ...*billing.Event) *billing.User {
		u := billing.User{ID: uuid.New()}
		store, provider, r := newReconcilerFixture(t, u)
		provider.On("GetSubscription", mock.Anything, "sub_1").
			Return(&billing.Subscription{ID: "sub_1", Status: billing.StatusActive, CurrentPeriodEnd: ptr(periodEnd)}, nil)
		for _, ev := range order {
			_, err := r.Apply(context.Background(), load(t, store, u.ID), ev)
			require.NoError(t, err)
		}
		return load(t, store, u.ID)
	}

	a := run(checkout, created)
	b := run(created, checkout)
	assert.Equal(t, a.CustomerID, b.CustomerID)
	assert.Equal(t, a.SubscriptionID, b.SubscriptionID)
	assert.Equal(t, a.SubscriptionStatus, b.SubscriptionStatus)
	require.NotNil(t, a.EntitlementEnd)
	require.NotNil(t, b.EntitlementEnd)
	assert.True(t, a.EntitlementEnd.Equal(*b.EntitlementEnd))
}

func TestReconciler_StoreFailure(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New()}
	store := &flakyStore{
		MemoryUserStore: billing.NewMemoryUserStore(u),
		failOn:          "UpdateSubscriptionStatus",
		failN:           1,
		failWith:        errors.New("deadlock detected"),
	}
	r := billing.NewReconciler(store, &MockProvider{}, "premium", nil)

	current, err := store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	_, err = r.Apply(context.Background(), current, &billing.Event{Type: billing.EventSubscriptionDeleted})
	assert.ErrorIs(t, err, billing.ErrStoreFailure)
}

func TestReconciler_NotificationOnlyEvents(t *testing.T) {
	t.Parallel()

	u := billing.User{ID: uuid.New(), SubscriptionStatus: billing.StatusTrialing, EntitlementEnd: ptr(trialEnd)}
	store, provider, r := newReconcilerFixture(t, u)

	for _, typ := range []billing.EventType{billing.EventInvoiceUpcoming, billing.EventSubscriptionTrialWillEnd} {
		tr, err := r.Apply(context.Background(), load(t, store, u.ID), &billing.Event{Type: typ})
		require.NoError(t, err)
		assert.False(t, tr.Changed())
	}
	assert.Equal(t, billing.StatusTrialing, load(t, store, u.ID).SubscriptionStatus)
	provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}
