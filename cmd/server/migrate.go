package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/db"
	"github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFiles(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			var appCfg AppConfig
			if err := config.Load(&appCfg); err != nil {
				return err
			}
			log := newLogger(appCfg)

			var cfg pg.Config
			if err := config.Load(&cfg); err != nil {
				return err
			}
			if cfg.ConnectionString == "" {
				return errors.New("migrate requires PG_CONN_URL")
			}
			pool, err := pg.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := pg.Migrate(ctx, pool, db.Migrations, db.MigrationsDir, cfg, log); err != nil {
				return err
			}
			log.InfoContext(ctx, "migrations applied")
			return nil
		},
	}
}
