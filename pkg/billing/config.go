package billing

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Ledger backends selectable through BILLING_LEDGER_BACKEND.
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// Provider names selectable through BILLING_PROVIDER.
const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"
)

// MinLedgerRetention is the shortest retention accepted by Validate. Providers
// keep redelivering for days, but the bulk of retries lands within a day.
const MinLedgerRetention = 24 * time.Hour

var ErrInvalidConfig = errors.New("billing: invalid config")

type Config struct {
	Provider   string `env:"BILLING_PROVIDER" envDefault:"stripe" validate:"oneof=stripe paddle"`
	PriceID    string `env:"BILLING_PRICE_ID"`
	ProductTag string `env:"BILLING_PRODUCT_TAG" envDefault:"premium" validate:"required"`
	AppName    string `env:"BILLING_APP_NAME" envDefault:"Premium"`

	SuccessURL      string `env:"BILLING_SUCCESS_URL" validate:"omitempty,url"`
	CancelURL       string `env:"BILLING_CANCEL_URL" validate:"omitempty,url"`
	PortalReturnURL string `env:"BILLING_PORTAL_RETURN_URL" validate:"omitempty,url"`
	TrialDays       int64  `env:"BILLING_TRIAL_DAYS" envDefault:"0" validate:"min=0,max=730"`

	LedgerBackend       string        `env:"BILLING_LEDGER_BACKEND" envDefault:"memory" validate:"oneof=memory redis postgres"`
	LedgerRetention     time.Duration `env:"BILLING_LEDGER_RETENTION" envDefault:"24h"`
	LedgerSweepInterval time.Duration `env:"BILLING_LEDGER_SWEEP_INTERVAL" envDefault:"1h" validate:"gt=0"`
	LedgerClaimLease    time.Duration `env:"BILLING_LEDGER_CLAIM_LEASE" envDefault:"2m" validate:"gt=0"`

	CustomerCacheSize   int           `env:"BILLING_CUSTOMER_CACHE_SIZE" envDefault:"1024" validate:"min=0"`
	CustomerCacheTTL    time.Duration `env:"BILLING_CUSTOMER_CACHE_TTL" envDefault:"1h"`
	NotificationTimeout time.Duration `env:"BILLING_NOTIFICATION_TIMEOUT" envDefault:"10s"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the retention floor.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if c.LedgerRetention < MinLedgerRetention {
		return errors.Join(ErrInvalidConfig, errors.New("BILLING_LEDGER_RETENTION must be at least 24h"))
	}
	return nil
}

// StripeConfig configures StripeProvider. Keys are optional at load time; a
// missing webhook secret makes ParseWebhook fail with ErrWebhookNotConfigured.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// APIBaseURL overrides the API endpoint, e.g. for stripe-mock.
	APIBaseURL string `env:"STRIPE_API_BASE_URL"`
}

// PaddleConfig configures PaddleProvider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}
