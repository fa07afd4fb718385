// Package billingstore persists users and the webhook ledger in PostgreSQL.
// Schema lives in db/migrations.
package billingstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

// DB is the part of pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `id, COALESCE(email, ''), COALESCE(billing_customer_id, ''), COALESCE(billing_subscription_id, ''), subscription_status, entitlement_end`

// UserStore implements billing.UserStore on the users table.
type UserStore struct {
	db DB
}

var _ billing.UserStore = (*UserStore)(nil)

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a user with no billing state.
// An empty email is stored as NULL.
func (s *UserStore) CreateUser(ctx context.Context, id uuid.UUID, email string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, NULLIF($2, ''))`, id, email)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("user %s already exists: %w", email, err)
	}
	return err
}

func (s *UserStore) GetUserByID(ctx context.Context, id uuid.UUID) (*billing.User, error) {
	return s.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	if email == "" {
		return nil, billing.ErrUserNotFound
	}
	return s.get(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (s *UserStore) GetUserByCustomerID(ctx context.Context, customerID string) (*billing.User, error) {
	if customerID == "" {
		return nil, billing.ErrUserNotFound
	}
	return s.get(ctx, `SELECT `+userColumns+` FROM users WHERE billing_customer_id = $1`, customerID)
}

func (s *UserStore) UpdateCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	err := s.update(ctx, `UPDATE users SET billing_customer_id = NULLIF($2, ''), updated_at = now() WHERE id = $1`, id, customerID)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("customer %s: %w", customerID, billing.ErrCustomerConflict)
	}
	return err
}

func (s *UserStore) UpdateSubscriptionID(ctx context.Context, id uuid.UUID, subscriptionID string) error {
	return s.update(ctx, `UPDATE users SET billing_subscription_id = NULLIF($2, ''), updated_at = now() WHERE id = $1`, id, subscriptionID)
}

func (s *UserStore) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.update(ctx, `UPDATE users SET subscription_status = $2, updated_at = now() WHERE id = $1`, id, status)
}

func (s *UserStore) UpdateEntitlementEnd(ctx context.Context, id uuid.UUID, end *time.Time) error {
	return s.update(ctx, `UPDATE users SET entitlement_end = $2, updated_at = now() WHERE id = $1`, id, end)
}

func (s *UserStore) get(ctx context.Context, query string, arg any) (*billing.User, error) {
	var (
		u   billing.User
		end *time.Time
	)
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.CustomerID, &u.SubscriptionID, &u.SubscriptionStatus, &end,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrUserNotFound
		}
		return nil, err
	}
	if end != nil {
		t := end.UTC()
		u.EntitlementEnd = &t
	}
	return &u, nil
}

func (s *UserStore) update(ctx context.Context, query string, id uuid.UUID, arg any) error {
	tag, err := s.db.Exec(ctx, query, id, arg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

func wrapLedger(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(billing.ErrLedgerFailure, fmt.Errorf("%s: %w", op, err))
}
