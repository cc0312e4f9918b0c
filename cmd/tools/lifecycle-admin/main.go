// cmd/tools/lifecycle-admin/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:           "lifecycle-admin",
		Short:         "Operator tooling for the application lifecycle engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: configs/config.yaml lookup)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(migrateCmd(&opts))
	rootCmd.AddCommand(reconcileCmd(&opts))
	rootCmd.AddCommand(verifyCmd(&opts))
	rootCmd.AddCommand(forceTransitionCmd(&opts))
	rootCmd.AddCommand(reindexCmd(&opts))
	rootCmd.AddCommand(invalidateCatalogCmd(&opts))
	rootCmd.AddCommand(registryCmd())

	return rootCmd
}
