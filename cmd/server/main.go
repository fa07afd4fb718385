// Command server runs the billing webhook service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "billingsync",
		Short:         "Billing webhook reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSlice("env-file", nil, "additional .env files to load, later files win")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
