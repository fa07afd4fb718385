package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Reconciler applies one event to one user. Every write is absolute, so
// applying the same event twice, or events of different types in any order,
// converges on the same stored record.
type Reconciler struct {
	store      UserStore
	provider   Provider
	productTag string
	log        *slog.Logger
}

func NewReconciler(store UserStore, provider Provider, productTag string, log *slog.Logger) *Reconciler {
	if store == nil {
		panic("billing: UserStore is required")
	}
	if provider == nil {
		panic("billing: Provider is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Reconciler{store: store, provider: provider, productTag: productTag, log: log}
}

// Apply dispatches on the event type. Unknown types are a no-op transition.
func (r *Reconciler) Apply(ctx context.Context, user *User, ev *Event) (Transition, error) {
	base := Transition{
		From:           user.Entitlement(),
		To:             user.Entitlement(),
		PreviousStatus: user.SubscriptionStatus,
		Status:         user.SubscriptionStatus,
		EntitlementEnd: user.EntitlementEnd,
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		return r.checkoutCompleted(ctx, user, ev.Checkout, base)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return r.subscriptionChanged(ctx, user, ev.Subscription, base)
	case EventSubscriptionDeleted:
		return r.subscriptionDeleted(ctx, user, base)
	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventInvoicePaymentFailed:
		return r.invoiceSettled(ctx, user, ev.Invoice, base)
	default:
		// Notification-only events (upcoming invoice, trial ending).
		return base, nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, user *User, p *CheckoutPayload, tr Transition) (Transition, error) {
	if p == nil {
		return tr, ErrMalformedEvent
	}
	if p.Metadata[MetadataPurpose] != r.productTag {
		tr.Skipped = true
		return tr, nil
	}

	if p.CustomerID != "" {
		if err := r.store.UpdateCustomerID(ctx, user.ID, p.CustomerID); err != nil {
			return tr, storeErr(err)
		}
		user.CustomerID = p.CustomerID
	}
	if p.SubscriptionID == "" {
		return tr, nil
	}
	if err := r.store.UpdateSubscriptionID(ctx, user.ID, p.SubscriptionID); err != nil {
		return tr, errors.Join(ErrStoreFailure, err)
	}
	user.SubscriptionID = p.SubscriptionID

	sub, err := r.provider.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return tr, liveErr(err)
	}
	return r.persist(ctx, user, sub.Status, sub.CurrentPeriodEnd, sub.TrialEnd, tr)
}

// subscriptionChanged derives everything from the event itself. The live
// subscription is only a cross-check of the period boundaries: when it can be
// fetched its dates win, when it cannot the event is still applied.
func (r *Reconciler) subscriptionChanged(ctx context.Context, user *User, p *SubscriptionPayload, tr Transition) (Transition, error) {
	if p == nil {
		return tr, ErrMalformedEvent
	}

	periodEnd, trialEnd := p.CurrentPeriodEnd, p.TrialEnd
	if p.ID != "" {
		live, err := r.provider.GetSubscription(ctx, p.ID)
		switch {
		case err == nil:
			if usable(live.CurrentPeriodEnd) {
				periodEnd = live.CurrentPeriodEnd
			}
			if usable(live.TrialEnd) {
				trialEnd = live.TrialEnd
			}
		default:
			r.log.WarnContext(ctx, "live subscription cross-check failed, using event payload",
				logger.SubscriptionID(p.ID),
				logger.Error(err),
			)
		}

		if user.SubscriptionID != p.ID {
			if err := r.store.UpdateSubscriptionID(ctx, user.ID, p.ID); err != nil {
				return tr, errors.Join(ErrStoreFailure, err)
			}
			user.SubscriptionID = p.ID
		}
	}
	if p.CustomerID != "" && user.CustomerID == "" {
		if err := r.store.UpdateCustomerID(ctx, user.ID, p.CustomerID); err != nil {
			return tr, storeErr(err)
		}
		user.CustomerID = p.CustomerID
	}

	return r.persist(ctx, user, p.Status, periodEnd, trialEnd, tr)
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, user *User, tr Transition) (Transition, error) {
	return r.persist(ctx, user, StatusCanceled, nil, nil, tr)
}

// invoiceSettled refreshes the stored raw status from the live subscription.
// Entitlement end is owned by the subscription and checkout handlers.
func (r *Reconciler) invoiceSettled(ctx context.Context, user *User, p *InvoicePayload, tr Transition) (Transition, error) {
	if p == nil {
		return tr, ErrMalformedEvent
	}
	if p.SubscriptionID == "" {
		return tr, nil
	}

	sub, err := r.provider.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return tr, liveErr(err)
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, user.ID, sub.Status); err != nil {
		return tr, errors.Join(ErrStoreFailure, err)
	}
	user.SubscriptionStatus = sub.Status

	tr.Status = sub.Status
	tr.To = EntitlementFor(sub.Status)
	return tr, nil
}

func (r *Reconciler) persist(ctx context.Context, user *User, status string, periodEnd, trialEnd *time.Time, tr Transition) (Transition, error) {
	ent, end := Grant(status, periodEnd, trialEnd)

	if err := r.store.UpdateSubscriptionStatus(ctx, user.ID, status); err != nil {
		return tr, errors.Join(ErrStoreFailure, err)
	}
	if err := r.store.UpdateEntitlementEnd(ctx, user.ID, end); err != nil {
		return tr, errors.Join(ErrStoreFailure, err)
	}
	user.SubscriptionStatus = status
	user.EntitlementEnd = end

	tr.Status = status
	tr.To = ent
	tr.EntitlementEnd = end
	return tr, nil
}

// liveErr makes a subscription the provider no longer knows a permanent
// failure; anything else stays transient.
func liveErr(err error) error {
	if errors.Is(err, ErrProviderNotFound) {
		return errors.Join(ErrEventNotApplicable, err)
	}
	return err
}

// storeErr keeps a customer id already owned by another user out of the
// retry loop.
func storeErr(err error) error {
	if errors.Is(err, ErrCustomerConflict) {
		return errors.Join(ErrEventNotApplicable, err)
	}
	return errors.Join(ErrStoreFailure, err)
}
