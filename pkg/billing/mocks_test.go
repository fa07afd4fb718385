package billing_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/email"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string            { return "mock" }
func (m *MockProvider) SignatureHeader() string { return "Mock-Signature" }

func (m *MockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// Each delivery gets its own copy, like a real decode would produce.
	ev := *args.Get(0).(*billing.Event)
	return &ev, args.Error(1)
}

func (m *MockProvider) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *MockProvider) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *MockProvider) UpdateSubscriptionMetadata(ctx context.Context, id string, md map[string]string) error {
	args := m.Called(ctx, id, md)
	return args.Error(0)
}

func (m *MockProvider) CreateCustomer(ctx context.Context, p billing.CustomerParams) (*billing.Customer, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *MockProvider) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (*billing.Session, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Session), args.Error(1)
}

func (m *MockProvider) CreatePortalSession(ctx context.Context, p billing.PortalParams) (*billing.Session, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Session), args.Error(1)
}

// recordingSender captures sent emails. fail and panicWith inject failures.
type recordingSender struct {
	mu        sync.Mutex
	sent      []email.SendEmailParams
	fail      error
	panicWith any
}

func (s *recordingSender) SendEmail(_ context.Context, p email.SendEmailParams) error {
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordingSender) tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, p := range s.sent {
		out = append(out, p.Tag)
	}
	return out
}

// flakyStore fails the named write method failN times before delegating.
type flakyStore struct {
	*billing.MemoryUserStore
	mu       sync.Mutex
	failOn   string
	failN    int
	failWith error
}

func (s *flakyStore) shouldFail(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == method && s.failN > 0 {
		s.failN--
		return s.failWith
	}
	return nil
}

func (s *flakyStore) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status string) error {
	if err := s.shouldFail("UpdateSubscriptionStatus"); err != nil {
		return err
	}
	return s.MemoryUserStore.UpdateSubscriptionStatus(ctx, id, status)
}

func (s *flakyStore) GetUserByCustomerID(ctx context.Context, customerID string) (*billing.User, error) {
	if err := s.shouldFail("GetUserByCustomerID"); err != nil {
		return nil, err
	}
	return s.MemoryUserStore.GetUserByCustomerID(ctx, customerID)
}

func ptr(t time.Time) *time.Time { return &t }

var (
	now       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodEnd = now.Add(30 * 24 * time.Hour)
	trialEnd  = now.Add(14 * 24 * time.Hour)
)
