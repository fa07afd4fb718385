package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/pkg/archive"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/clientip"
	"github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/email"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/pg"
	"github.com/dmitrymomot/billingsync/pkg/redis"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
	"github.com/dmitrymomot/billingsync/svc/billingstore"
)

// AppConfig holds process-level settings that belong to no package.
type AppConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_SERVICE_NAME" envDefault:"billingsync"`
	// UserIDHeader names a header set by an authenticating proxy. Empty
	// disables the user-facing routes.
	UserIDHeader string `env:"APP_USER_ID_HEADER"`
	ManageURL    string `env:"APP_MANAGE_URL"`
}

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg         AppConfig
	billing     billing.Config
	log         *slog.Logger
	pool        *pgxpool.Pool
	redis       *goredis.Client
	redisPrefix string
	store       billing.UserStore
	ledger      billing.Ledger
	provider    billing.Provider
	checks      []func(context.Context) error
	closers     []func()
}

func loadEnvFiles(cmd *cobra.Command) error {
	files, err := cmd.Flags().GetStringSlice("env-file")
	if err != nil || len(files) == 0 {
		return err
	}
	return config.LoadEnv(files...)
}

func newLogger(cfg AppConfig) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(cfg.Env, cfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor(), clientip.LoggerExtractor()),
	)
}

// bootstrap loads configuration and opens the storage backends. The provider
// is only built when withProvider is set.
func bootstrap(ctx context.Context, withProvider bool) (*app, error) {
	a := &app{}
	if err := config.Load(&a.cfg); err != nil {
		return nil, err
	}
	a.log = newLogger(a.cfg)

	if err := config.Load(&a.billing); err != nil {
		return nil, err
	}
	if err := a.billing.Validate(); err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		a.close()
		return nil, err
	}
	if withProvider {
		if err := a.openProvider(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, pg.Config, error) {
	var cfg pg.Config
	if err := config.Load(&cfg); err != nil {
		return nil, cfg, err
	}
	if a.pool != nil {
		return a.pool, cfg, nil
	}
	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return nil, cfg, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	a.checks = append(a.checks, pg.Healthcheck(pool))
	return pool, cfg, nil
}

// openStore uses PostgreSQL when PG_CONN_URL is set and an in-memory store
// otherwise.
func (a *app) openStore(ctx context.Context) error {
	var cfg pg.Config
	if err := config.Load(&cfg); err != nil {
		return err
	}
	if cfg.ConnectionString == "" {
		a.log.Warn("PG_CONN_URL is not set, using in-memory user store")
		a.store = billing.NewMemoryUserStore()
		return nil
	}
	pool, _, err := a.postgres(ctx)
	if err != nil {
		return err
	}
	a.store = billingstore.NewUserStore(pool)
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	switch a.billing.LedgerBackend {
	case billing.LedgerRedis:
		var cfg redis.Config
		if err := config.Load(&cfg); err != nil {
			return err
		}
		client, err := redis.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		a.redis = client
		a.redisPrefix = cfg.KeyPrefix
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.checks = append(a.checks, redis.Healthcheck(client))
		a.ledger = billing.NewRedisLedger(client, cfg.KeyPrefix, a.billing.LedgerRetention).
			WithLease(a.billing.LedgerClaimLease)
	case billing.LedgerPostgres:
		pool, _, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		a.ledger = billingstore.NewLedger(pool, a.billing.LedgerClaimLease)
	default:
		a.ledger = billing.NewMemoryLedger(billing.WithMemoryLedgerLease(a.billing.LedgerClaimLease))
	}
	a.log.Info("webhook ledger ready", "backend", a.billing.LedgerBackend)
	return nil
}

func (a *app) openProvider() error {
	switch a.billing.Provider {
	case billing.ProviderPaddle:
		var cfg billing.PaddleConfig
		if err := config.Load(&cfg); err != nil {
			return err
		}
		p, err := billing.NewPaddleProvider(cfg)
		if err != nil {
			return err
		}
		a.provider = p
	default:
		var cfg billing.StripeConfig
		if err := config.Load(&cfg); err != nil {
			return err
		}
		if cfg.SecretKey == "" {
			a.log.Warn("STRIPE_SECRET_KEY is not set, provider API calls will fail")
		}
		a.provider = billing.NewStripeProvider(cfg)
	}
	return nil
}

// sender picks Postmark when tokens are configured and the file-based dev
// sender otherwise.
func (a *app) sender() (email.Sender, error) {
	var cfg email.Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	if cfg.PostmarkServerToken == "" {
		a.log.Warn("Postmark is not configured, writing emails to disk", "dir", cfg.DevOutputDir)
		return email.NewDevSender(cfg.DevOutputDir), nil
	}
	return email.NewPostmarkClient(cfg)
}

func (a *app) archiver(ctx context.Context) (billing.Archiver, error) {
	var cfg archive.Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("webhook archive: %w", err)
	}
	return arch, nil
}

func (a *app) service(ctx context.Context) (billing.Service, error) {
	if a.provider == nil {
		return nil, errors.New("provider is not configured")
	}
	sender, err := a.sender()
	if err != nil {
		return nil, err
	}
	arch, err := a.archiver(ctx)
	if err != nil {
		return nil, err
	}

	opts := []billing.ServiceOption{
		billing.WithLogger(a.log),
		billing.WithDispatcher(billing.NewDispatcher(sender,
			billing.WithAppName(a.billing.AppName),
			billing.WithManageURL(a.cfg.ManageURL),
			billing.WithSendTimeout(a.billing.NotificationTimeout),
			billing.WithDispatcherLogger(a.log),
		)),
		billing.WithResolver(billing.NewResolver(a.store, a.provider,
			billing.WithResolverLogger(a.log),
			billing.WithCustomerCache(a.billing.CustomerCacheSize, a.billing.CustomerCacheTTL),
		)),
	}
	if arch != nil {
		opts = append(opts, billing.WithArchiver(arch))
	}
	return billing.NewService(a.billing, a.store, a.provider, a.ledger, opts...), nil
}

// userIDFromHeader trusts the configured header. It must only be enabled
// behind a proxy that strips the header from client requests.
func (a *app) userIDFromHeader(r *http.Request) (uuid.UUID, bool) {
	if a.cfg.UserIDHeader == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.Header.Get(a.cfg.UserIDHeader))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
