package main

import (
	"time"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired webhook ledger entries once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFiles(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.ledger.Sweep(ctx, time.Now().Add(-a.billing.LedgerRetention))
			if err != nil {
				return err
			}
			a.log.InfoContext(ctx, "ledger swept", "removed", n, "backend", a.billing.LedgerBackend)
			return nil
		},
	}
}
