package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Service is the public surface of the engine.
type Service interface {
	// HandleWebhook verifies, deduplicates and applies one delivery. A nil
	// error means the delivery must be acknowledged with 200.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error)
	// SignatureHeader names the header the provider signs deliveries with.
	SignatureHeader() string

	CreateCheckoutSession(ctx context.Context, userID uuid.UUID, opts CheckoutOptions) (*Session, error)
	CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (*Session, error)
	// Status returns the user's current billing record.
	Status(ctx context.Context, userID uuid.UUID) (*User, error)
}

// CheckoutOptions override configured checkout defaults per call.
type CheckoutOptions struct {
	SuccessURL string
	CancelURL  string
	TrialDays  *int64
}

// Archiver keeps a copy of verified payloads. Failures never affect
// processing.
type Archiver interface {
	Archive(ctx context.Context, ev *Event, payload []byte) error
}

type service struct {
	cfg        Config
	store      UserStore
	provider   Provider
	ledger     Ledger
	resolver   *Resolver
	reconciler *Reconciler
	dispatcher *Dispatcher
	archiver   Archiver
	group      singleflight.Group
	tracer     trace.Tracer
	log        *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDispatcher replaces the default Dispatcher, which sends nothing.
func WithDispatcher(d *Dispatcher) ServiceOption {
	return func(s *service) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithResolver replaces the default Resolver.
func WithResolver(r *Resolver) ServiceOption {
	return func(s *service) {
		if r != nil {
			s.resolver = r
		}
	}
}

func WithArchiver(a Archiver) ServiceOption {
	return func(s *service) { s.archiver = a }
}

func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the pipeline. Panics if a required dependency is nil.
func NewService(cfg Config, store UserStore, provider Provider, ledger Ledger, opts ...ServiceOption) Service {
	if store == nil {
		panic("billing: UserStore is required")
	}
	if provider == nil {
		panic("billing: Provider is required")
	}
	if ledger == nil {
		panic("billing: Ledger is required")
	}
	if cfg.ProductTag == "" {
		cfg.ProductTag = "premium"
	}
	if cfg.LedgerClaimLease <= 0 {
		cfg.LedgerClaimLease = DefaultClaimLease
	}

	s := &service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		ledger:   ledger,
		tracer:   otel.Tracer("github.com/dmitrymomot/billingsync/pkg/billing"),
		log:      logger.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("billing"))
	if s.resolver == nil {
		s.resolver = NewResolver(store, provider, WithResolverLogger(s.log))
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(nil, WithDispatcherLogger(s.log))
	}
	s.reconciler = NewReconciler(store, provider, cfg.ProductTag, s.log)
	return s
}

func (s *service) SignatureHeader() string {
	return s.provider.SignatureHeader()
}

func (s *service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "billing.webhook", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	ev, err := s.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrWebhookNotConfigured):
			s.log.ErrorContext(ctx, "webhook secret is not configured")
		case errors.Is(err, ErrSignatureInvalid):
			s.log.WarnContext(ctx, "webhook signature verification failed", logger.Error(err))
		default:
			s.log.WarnContext(ctx, "malformed webhook payload", logger.Error(err))
		}
		span.SetStatus(codes.Error, "rejected")
		return "", err
	}
	ev.ReceivedAt = s.now()

	span.SetAttributes(
		attribute.String("billing.event_id", ev.ID),
		attribute.String("billing.event_type", string(ev.Type)),
	)
	log := s.log.With(logger.EventID(ev.ID), logger.EventType(string(ev.Type)))

	if !ev.Type.Recognized() {
		log.DebugContext(ctx, "ignoring unrecognized event", "provider_type", ev.ProviderType)
		span.SetAttributes(attribute.String("billing.outcome", string(OutcomeIgnored)))
		return OutcomeIgnored, nil
	}

	// The shared call outlives any one caller: a cancelled first delivery
	// must not fail the duplicates waiting on it. The claim lease bounds it.
	v, err, _ := s.group.Do(ev.ID, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LedgerClaimLease)
		defer cancel()
		return s.process(pctx, ev, payload, log)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	outcome := v.(Outcome)
	span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
	return outcome, nil
}

// process is the per-event critical section: concurrent deliveries of the
// same id inside this process share one call, and the ledger claim keeps
// other instances out.
func (s *service) process(ctx context.Context, ev *Event, payload []byte, log *slog.Logger) (Outcome, error) {
	seen, err := s.ledger.Seen(ctx, ev.ID)
	if err != nil {
		log.ErrorContext(ctx, "ledger lookup failed", logger.Error(err))
		return "", err
	}
	if seen {
		log.DebugContext(ctx, "duplicate delivery")
		return OutcomeDuplicate, nil
	}

	claimed, err := s.ledger.Claim(ctx, ev.ID)
	if err != nil {
		log.ErrorContext(ctx, "ledger claim failed", logger.Error(err))
		return "", err
	}
	if !claimed {
		if seen, err := s.ledger.Seen(ctx, ev.ID); err == nil && seen {
			log.DebugContext(ctx, "duplicate delivery")
			return OutcomeDuplicate, nil
		}
		log.InfoContext(ctx, "event is in flight elsewhere")
		return "", ErrEventInFlight
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, ev, payload); err != nil {
			log.WarnContext(ctx, "failed to archive webhook payload", logger.Error(err))
		}
	}

	outcome, err := s.apply(ctx, ev, log)
	if err != nil {
		if rerr := s.ledger.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
			log.ErrorContext(ctx, "failed to release ledger claim", logger.Error(rerr))
		}
		log.ErrorContext(ctx, "webhook processing failed, provider will retry", logger.Error(err))
		return "", err
	}

	if err := s.ledger.Record(context.WithoutCancel(ctx), ev.ID); err != nil {
		// The state change is already applied and idempotent; acknowledging
		// is safer than provoking a redelivery that would resend emails.
		log.ErrorContext(ctx, "failed to record processed event", logger.Error(err))
	}
	return outcome, nil
}

func (s *service) apply(ctx context.Context, ev *Event, log *slog.Logger) (Outcome, error) {
	hints := ev.Hints()

	ctx, span := s.tracer.Start(ctx, "billing.resolve")
	res, err := s.resolver.Resolve(ctx, hints)
	span.End()
	if err != nil {
		return "", err
	}
	if !res.Found {
		log.WarnContext(ctx, "could not resolve user for event",
			logger.CustomerID(hints.CustomerID),
			logger.SubscriptionID(hints.SubscriptionID),
		)
		return OutcomeUnresolved, nil
	}
	user := res.User
	log = log.With(logger.UserID(user.ID), "resolved_by", string(res.Method))

	ctx, span = s.tracer.Start(ctx, "billing.reconcile")
	tr, err := s.reconciler.Apply(ctx, user, ev)
	span.End()
	if errors.Is(err, ErrEventNotApplicable) {
		log.WarnContext(ctx, "event cannot be applied, acknowledging", logger.Error(err))
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if res.IsFallback() {
		s.resolver.Repair(ctx, hints.SubscriptionID, user.ID)
	}

	if tr.Skipped {
		log.InfoContext(ctx, "event is not for this product, ignoring")
		return OutcomeIgnored, nil
	}

	ctx, span = s.tracer.Start(ctx, "billing.dispatch")
	s.dispatcher.Dispatch(ctx, user, ev, tr)
	span.End()

	log.InfoContext(ctx, "webhook processed",
		"from", string(tr.From),
		"to", string(tr.To),
		"status", tr.Status,
	)
	return OutcomeProcessed, nil
}

func (s *service) CreateCheckoutSession(ctx context.Context, userID uuid.UUID, opts CheckoutOptions) (*Session, error) {
	if s.cfg.PriceID == "" {
		return nil, ErrPriceNotConfigured
	}

	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerID := user.CustomerID
	if customerID == "" {
		cust, err := s.provider.CreateCustomer(ctx, CustomerParams{
			Email:    user.Email,
			Metadata: map[string]string{MetadataUserID: user.ID.String()},
		})
		if err != nil {
			return nil, err
		}
		// Persist before creating the session so the checkout webhook can
		// always be matched by customer id.
		if err := s.store.UpdateCustomerID(ctx, user.ID, cust.ID); err != nil {
			return nil, errors.Join(ErrStoreFailure, err)
		}
		customerID = cust.ID
		s.log.InfoContext(ctx, "created billing customer", logger.UserID(user.ID), logger.CustomerID(customerID))
	}

	trialDays := s.cfg.TrialDays
	if opts.TrialDays != nil {
		trialDays = *opts.TrialDays
	}

	sess, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:        customerID,
		PriceID:           s.cfg.PriceID,
		ClientReferenceID: user.ID.String(),
		SuccessURL:        firstNonEmpty(opts.SuccessURL, s.cfg.SuccessURL),
		CancelURL:         firstNonEmpty(opts.CancelURL, s.cfg.CancelURL),
		TrialDays:         trialDays,
		Metadata: map[string]string{
			MetadataUserID:  user.ID.String(),
			MetadataPurpose: s.cfg.ProductTag,
		},
	})
	if err != nil {
		return nil, err
	}
	if sess.URL == "" {
		return nil, ErrNoSessionURL
	}
	return sess, nil
}

func (s *service) CreatePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (*Session, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.CustomerID == "" {
		return nil, ErrNotCustomer
	}

	sess, err := s.provider.CreatePortalSession(ctx, PortalParams{
		CustomerID:     user.CustomerID,
		SubscriptionID: user.SubscriptionID,
		ReturnURL:      firstNonEmpty(returnURL, s.cfg.PortalReturnURL),
	})
	if err != nil {
		return nil, err
	}
	if sess.URL == "" {
		return nil, ErrNoSessionURL
	}
	return sess, nil
}

func (s *service) Status(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.user(ctx, userID)
}

func (s *service) user(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, errors.Join(ErrStoreFailure, err)
	}
	return u, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
