// Package billingapi exposes the billing engine over HTTP: the provider
// webhook endpoint and the authenticated checkout, portal and status routes.
package billingapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/core"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/ratelimiter"
)

// DefaultMaxBodySize caps webhook and JSON request bodies.
const DefaultMaxBodySize int64 = 1 << 20

// UserIDFunc extracts the authenticated user from a request. The host
// application supplies it from its own session layer.
type UserIDFunc func(r *http.Request) (uuid.UUID, bool)

var (
	errNotACustomer       = core.NewHTTPError(http.StatusConflict, "not_a_customer")
	errEventInFlight      = core.NewHTTPError(http.StatusConflict, "event_in_flight")
	errInvalidSignature   = core.NewHTTPError(http.StatusBadRequest, "invalid_signature")
	errMalformedEvent     = core.NewHTTPError(http.StatusBadRequest, "malformed_event")
	errWebhookDisabled    = core.NewHTTPError(http.StatusServiceUnavailable, "webhook_not_configured")
	errPriceNotConfigured = core.NewHTTPError(http.StatusServiceUnavailable, "price_not_configured")
	errValidation         = core.NewHTTPError(http.StatusUnprocessableEntity, "validation_failed")
)

// Handler serves the billing routes.
type Handler struct {
	svc         billing.Service
	userID      UserIDFunc
	provider    string
	log         *slog.Logger
	metrics     *Metrics
	maxBodySize int64
	validate    *validator.Validate
	limiter     *ratelimiter.Bucket
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation of the webhook route.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithMaxBodySize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodySize = n
		}
	}
}

// WithSessionLimiter throttles checkout and portal creation per user. Each
// call reaches the provider API.
func WithSessionLimiter(b *ratelimiter.Bucket) Option {
	return func(h *Handler) { h.limiter = b }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(h *Handler) { h.provider = name }
}

func NewHandler(svc billing.Service, userID UserIDFunc, opts ...Option) *Handler {
	if svc == nil {
		panic("billingapi: billing.Service is required")
	}
	if userID == nil {
		userID = func(*http.Request) (uuid.UUID, bool) { return uuid.Nil, false }
	}
	h := &Handler{
		svc:         svc,
		userID:      userID,
		provider:    "unknown",
		log:         logger.Discard(),
		maxBodySize: DefaultMaxBodySize,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("billing_http"))
	return h
}

// Handle returns the billing routes, meant to be mounted under /billing.
func (h *Handler) Handle() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhook", core.Handler(h.webhook))
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(ratelimiter.Middleware(h.limiter, h.limitKey,
				ratelimiter.WithLimitedHandler(core.Handler(func(*http.Request) core.Response {
					return core.JSONError(core.ErrTooManyRequests)
				})),
			))
		}
		r.Method(http.MethodPost, "/checkout", core.Handler(h.checkout))
		r.Method(http.MethodPost, "/portal", core.Handler(h.portal))
	})
	r.Method(http.MethodGet, "/status", core.Handler(h.status))
	return r
}

// limitKey is empty for unauthenticated requests; the handlers reject those.
func (h *Handler) limitKey(r *http.Request) string {
	id, ok := h.userID(r)
	if !ok {
		return ""
	}
	return "session:" + id.String()
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool            `json:"received"`
	Status   billing.Outcome `json:"status"`
}

func (h *Handler) webhook(r *http.Request) core.Response {
	started := time.Now()
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBodySize))
	if err != nil {
		h.metrics.observe(h.provider, "rejected", started)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.WarnContext(ctx, "webhook body too large", "limit", h.maxBodySize)
			return core.JSONError(core.ErrRequestEntityTooLarge)
		}
		return core.JSONError(core.ErrBadRequest)
	}

	outcome, err := h.svc.HandleWebhook(ctx, payload, r.Header.Get(h.svc.SignatureHeader()))
	if err != nil {
		httpErr := webhookError(err)
		h.metrics.observe(h.provider, httpErr.Key, started)
		return core.JSONError(httpErr)
	}

	h.metrics.observe(h.provider, string(outcome), started)
	return core.JSONStatus(http.StatusOK, WebhookResponse{Received: true, Status: outcome})
}

func webhookError(err error) core.HTTPError {
	switch {
	case errors.Is(err, billing.ErrWebhookNotConfigured):
		return errWebhookDisabled
	case errors.Is(err, billing.ErrSignatureInvalid):
		return errInvalidSignature
	case errors.Is(err, billing.ErrMalformedEvent):
		return errMalformedEvent
	case errors.Is(err, billing.ErrEventInFlight):
		return errEventInFlight
	default:
		return core.ErrInternalServerError
	}
}

// CheckoutRequest overrides the configured checkout defaults. All fields are
// optional and the body may be empty.
type CheckoutRequest struct {
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
	TrialDays  *int64 `json:"trial_days" validate:"omitempty,min=0,max=730"`
}

// PortalRequest selects where the portal sends the user back to.
type PortalRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// SessionResponse points the client at a hosted page.
type SessionResponse struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

func (h *Handler) checkout(r *http.Request) core.Response {
	userID, ok := h.userID(r)
	if !ok {
		return core.JSONError(core.ErrUnauthorized)
	}
	var req CheckoutRequest
	if err := h.bind(r, &req); err != nil {
		return core.JSONError(err)
	}

	sess, err := h.svc.CreateCheckoutSession(r.Context(), userID, billing.CheckoutOptions{
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		TrialDays:  req.TrialDays,
	})
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to create checkout session", logger.UserID(userID), logger.Error(err))
		return core.JSONError(sessionError(err))
	}
	return core.JSON(SessionResponse{ID: sess.ID, URL: sess.URL})
}

func (h *Handler) portal(r *http.Request) core.Response {
	userID, ok := h.userID(r)
	if !ok {
		return core.JSONError(core.ErrUnauthorized)
	}
	var req PortalRequest
	if err := h.bind(r, &req); err != nil {
		return core.JSONError(err)
	}

	sess, err := h.svc.CreatePortalSession(r.Context(), userID, req.ReturnURL)
	if err != nil {
		if !errors.Is(err, billing.ErrNotCustomer) {
			h.log.ErrorContext(r.Context(), "failed to create portal session", logger.UserID(userID), logger.Error(err))
		}
		return core.JSONError(sessionError(err))
	}
	return core.JSON(SessionResponse{ID: sess.ID, URL: sess.URL})
}

// StatusResponse is the user's billing state as seen by the application.
type StatusResponse struct {
	Status         string              `json:"status"`
	Entitlement    billing.Entitlement `json:"entitlement"`
	HasAccess      bool                `json:"has_access"`
	EntitlementEnd *time.Time          `json:"entitlement_end,omitempty"`
	IsCustomer     bool                `json:"is_customer"`
}

func (h *Handler) status(r *http.Request) core.Response {
	userID, ok := h.userID(r)
	if !ok {
		return core.JSONError(core.ErrUnauthorized)
	}
	u, err := h.svc.Status(r.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return core.JSONError(core.ErrNotFound)
		}
		h.log.ErrorContext(r.Context(), "failed to load billing status", logger.UserID(userID), logger.Error(err))
		return core.JSONError(core.ErrInternalServerError)
	}

	access := u.HasAccess(time.Now())
	ent := u.Entitlement()
	if ent.Grants() && !access {
		ent = billing.EntitlementRevoked
	}
	return core.JSON(StatusResponse{
		Status:         u.SubscriptionStatus,
		Entitlement:    ent,
		HasAccess:      access,
		EntitlementEnd: u.EntitlementEnd,
		IsCustomer:     u.CustomerID != "",
	})
}

func sessionError(err error) core.HTTPError {
	switch {
	case errors.Is(err, billing.ErrUserNotFound):
		return core.ErrNotFound
	case errors.Is(err, billing.ErrNotCustomer):
		return errNotACustomer
	case errors.Is(err, billing.ErrPriceNotConfigured):
		return errPriceNotConfigured
	case errors.Is(err, billing.ErrProviderFailure), errors.Is(err, billing.ErrProviderNotFound), errors.Is(err, billing.ErrNoSessionURL):
		return core.ErrBadGateway
	default:
		return core.ErrInternalServerError
	}
}

// bind decodes an optional JSON body into v and validates it.
func (h *Handler) bind(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, h.maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.ErrBadRequest
	}
	if err := h.validate.Struct(v); err != nil {
		return errValidation
	}
	return nil
}
