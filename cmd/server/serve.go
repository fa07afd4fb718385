package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingsync/db"
	"github.com/dmitrymomot/billingsync/modules/billingapi"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/clientip"
	"github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/httpserver"
	"github.com/dmitrymomot/billingsync/pkg/pg"
	"github.com/dmitrymomot/billingsync/pkg/ratelimiter"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook and billing API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFiles(cmd); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	if migrate && a.pool != nil {
		_, pgCfg, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx, a.pool, db.Migrations, db.MigrationsDir, pgCfg, a.log); err != nil {
			return err
		}
	}

	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	metrics, err := billingapi.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	limiter, limitStore, err := a.sessionLimiter()
	if err != nil {
		return err
	}
	api := billingapi.NewHandler(svc, a.userIDFromHeader,
		billingapi.WithLogger(a.log),
		billingapi.WithMetrics(metrics),
		billingapi.WithProviderName(a.provider.Name()),
		billingapi.WithSessionLimiter(limiter),
	)

	var ipCfg clientip.Config
	if err := config.Load(&ipCfg); err != nil {
		return err
	}
	ips, err := clientip.New(ipCfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware, ips.Middleware)
	r.Get("/health", httpserver.HealthCheckHandler(a.log))
	r.Get("/ready", httpserver.HealthCheckHandler(a.log, a.checks...))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/billing", api.Handle())

	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return err
	}
	srv := httpserver.New(httpCfg, httpserver.WithLogger(a.log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, r)
	})
	g.Go(func() error {
		billing.RunSweeper(ctx, a.ledger, a.billing.LedgerSweepInterval, a.billing.LedgerRetention, a.log)
		return nil
	})
	if limitStore != nil {
		g.Go(func() error {
			limitStore.RunCleanup(ctx, time.Minute, time.Hour)
			return nil
		})
	}
	return g.Wait()
}

// sessionLimiter shares buckets through Redis when the ledger already uses it.
// The returned memory store is nil in that case and needs no cleanup loop.
func (a *app) sessionLimiter() (*ratelimiter.Bucket, *ratelimiter.MemoryStore, error) {
	var cfg ratelimiter.Config
	if err := config.Load(&cfg); err != nil {
		return nil, nil, err
	}
	if a.redis != nil {
		b, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(a.redis, a.redisPrefix+"ratelimit:"), cfg)
		return b, nil, err
	}
	store := ratelimiter.NewMemoryStore()
	b, err := ratelimiter.NewBucket(store, cfg)
	if err != nil {
		return nil, nil, err
	}
	return b, store, nil
}
