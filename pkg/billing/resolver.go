package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Hints are the identity clues carried by an event.
type Hints struct {
	ClientReferenceID string
	MetadataUserID    string
	CustomerID        string
	SubscriptionID    string
	Email             string
}

// ResolveMethod names the step of the chain that matched.
type ResolveMethod string

const (
	ResolvedByClientReference ResolveMethod = "client_reference"
	ResolvedByMetadata        ResolveMethod = "metadata"
	ResolvedByCustomerID      ResolveMethod = "customer_id"
	ResolvedByCustomerEmail   ResolveMethod = "customer_email"
	ResolvedByEventEmail      ResolveMethod = "event_email"
)

// Resolution is the result of Resolve. Found is false when no step matched.
type Resolution struct {
	Found  bool
	User   *User
	Method ResolveMethod
}

// IsFallback reports whether the user was found without a direct key, which
// is when provider-side metadata is worth repairing.
func (r Resolution) IsFallback() bool {
	switch r.Method {
	case ResolvedByCustomerID, ResolvedByCustomerEmail, ResolvedByEventEmail:
		return r.Found
	}
	return false
}

// Resolver maps event hints to a local user through a fixed fallback chain:
// direct reference, metadata tag, then the billing customer (local lookup,
// then provider customer email).
type Resolver struct {
	store    UserStore
	provider Provider
	log      *slog.Logger
	cache    *expirable.LRU[string, uuid.UUID]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCustomerCache caches successful customer-id fallbacks so repeated events
// for a customer whose metadata is not repaired yet skip the provider call.
func WithCustomerCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if size > 0 {
			r.cache = expirable.NewLRU[string, uuid.UUID](size, nil, ttl)
		}
	}
}

func NewResolver(store UserStore, provider Provider, opts ...ResolverOption) *Resolver {
	if store == nil {
		panic("billing: UserStore is required")
	}
	if provider == nil {
		panic("billing: Provider is required")
	}
	r := &Resolver{store: store, provider: provider, log: logger.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve walks the chain and returns the first match. Store and provider
// transport failures are returned as errors; the caller must treat them as
// transient. A hint that points at a user that does not exist falls through
// to the next step.
func (r *Resolver) Resolve(ctx context.Context, h Hints) (Resolution, error) {
	for _, step := range []struct {
		method ResolveMethod
		raw    string
	}{
		{ResolvedByClientReference, h.ClientReferenceID},
		{ResolvedByMetadata, h.MetadataUserID},
	} {
		id, err := uuid.Parse(step.raw)
		if err != nil {
			continue
		}
		u, err := r.store.GetUserByID(ctx, id)
		if err == nil {
			return Resolution{Found: true, User: u, Method: step.method}, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return Resolution{}, errors.Join(ErrStoreFailure, err)
		}
	}

	if h.CustomerID != "" {
		res, err := r.byCustomer(ctx, h.CustomerID)
		if err != nil || res.Found {
			return res, err
		}
	}

	// The email carried by the event itself is the last resort.
	if h.Email != "" {
		u, err := r.store.GetUserByEmail(ctx, h.Email)
		switch {
		case err == nil:
			return Resolution{Found: true, User: u, Method: ResolvedByEventEmail}, nil
		case !errors.Is(err, ErrUserNotFound):
			return Resolution{}, errors.Join(ErrStoreFailure, err)
		}
	}

	return Resolution{}, nil
}

func (r *Resolver) byCustomer(ctx context.Context, customerID string) (Resolution, error) {
	if r.cache != nil {
		if id, ok := r.cache.Get(customerID); ok {
			u, err := r.store.GetUserByID(ctx, id)
			if err == nil {
				return Resolution{Found: true, User: u, Method: ResolvedByCustomerID}, nil
			}
			if !errors.Is(err, ErrUserNotFound) {
				return Resolution{}, errors.Join(ErrStoreFailure, err)
			}
			r.cache.Remove(customerID)
		}
	}

	u, err := r.store.GetUserByCustomerID(ctx, customerID)
	switch {
	case err == nil:
		r.remember(customerID, u.ID)
		return Resolution{Found: true, User: u, Method: ResolvedByCustomerID}, nil
	case !errors.Is(err, ErrUserNotFound):
		return Resolution{}, errors.Join(ErrStoreFailure, err)
	}

	cust, err := r.provider.GetCustomer(ctx, customerID)
	switch {
	case errors.Is(err, ErrProviderNotFound):
		return Resolution{}, nil
	case err != nil:
		return Resolution{}, err
	case cust.Email == "":
		return Resolution{}, nil
	}

	u, err = r.store.GetUserByEmail(ctx, cust.Email)
	switch {
	case err == nil:
		r.remember(customerID, u.ID)
		return Resolution{Found: true, User: u, Method: ResolvedByCustomerEmail}, nil
	case errors.Is(err, ErrUserNotFound):
		return Resolution{}, nil
	default:
		return Resolution{}, errors.Join(ErrStoreFailure, err)
	}
}

func (r *Resolver) remember(customerID string, id uuid.UUID) {
	if r.cache != nil {
		r.cache.Add(customerID, id)
	}
}

// Repair writes the user id into the provider-side subscription metadata so
// later events resolve directly. Failures are logged and swallowed.
func (r *Resolver) Repair(ctx context.Context, subscriptionID string, userID uuid.UUID) {
	if subscriptionID == "" {
		return
	}
	err := r.provider.UpdateSubscriptionMetadata(ctx, subscriptionID, map[string]string{
		MetadataUserID: userID.String(),
	})
	if err != nil {
		r.log.WarnContext(ctx, "failed to repair subscription metadata",
			logger.SubscriptionID(subscriptionID),
			logger.UserID(userID),
			logger.Error(err),
		)
		return
	}
	r.log.InfoContext(ctx, "repaired subscription metadata",
		logger.SubscriptionID(subscriptionID),
		logger.UserID(userID),
	)
}
