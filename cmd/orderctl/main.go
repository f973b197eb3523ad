// Package main provides orderctl, the operator CLI for the order services.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "orderctl",
		Short:         "Operate and inspect drug orders",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(expiryCmd())
	rootCmd.AddCommand(overlapsCmd())
	rootCmd.AddCommand(activeCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}
