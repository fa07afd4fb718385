package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore is the persistence surface the engine needs. Lookups return
// ErrUserNotFound when nothing matches; any other error is treated as
// transient and makes the provider redeliver the event.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	UpdateCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	UpdateSubscriptionID(ctx context.Context, id uuid.UUID, subscriptionID string) error
	UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateEntitlementEnd(ctx context.Context, id uuid.UUID, end *time.Time) error
}
