package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is a concurrency-safe UserStore for development and tests.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewMemoryUserStore(users ...User) *MemoryUserStore {
	s := &MemoryUserStore{users: make(map[uuid.UUID]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put inserts or replaces a user.
func (s *MemoryUserStore) Put(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *MemoryUserStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return clone(u), nil
}

func (s *MemoryUserStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	return s.find(func(u User) bool {
		return email != "" && strings.EqualFold(u.Email, email)
	})
}

func (s *MemoryUserStore) GetUserByCustomerID(_ context.Context, customerID string) (*User, error) {
	return s.find(func(u User) bool {
		return customerID != "" && u.CustomerID == customerID
	})
}

// UpdateCustomerID enforces one user per customer id, like the unique index
// in PostgreSQL.
func (s *MemoryUserStore) UpdateCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if customerID != "" {
		for _, other := range s.users {
			if other.ID != id && other.CustomerID == customerID {
				return ErrCustomerConflict
			}
		}
	}
	u.CustomerID = customerID
	s.users[id] = u
	return nil
}

func (s *MemoryUserStore) UpdateSubscriptionID(_ context.Context, id uuid.UUID, subscriptionID string) error {
	return s.update(id, func(u *User) { u.SubscriptionID = subscriptionID })
}

func (s *MemoryUserStore) UpdateSubscriptionStatus(_ context.Context, id uuid.UUID, status string) error {
	return s.update(id, func(u *User) { u.SubscriptionStatus = status })
}

func (s *MemoryUserStore) UpdateEntitlementEnd(_ context.Context, id uuid.UUID, end *time.Time) error {
	return s.update(id, func(u *User) {
		if end == nil {
			u.EntitlementEnd = nil
			return
		}
		t := *end
		u.EntitlementEnd = &t
	})
}

func (s *MemoryUserStore) find(match func(User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryUserStore) update(id uuid.UUID, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&u)
	s.users[id] = u
	return nil
}

func clone(u User) *User {
	if u.EntitlementEnd != nil {
		t := *u.EntitlementEnd
		u.EntitlementEnd = &t
	}
	return &u
}
