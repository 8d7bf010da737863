// Package cmd defines the CLI commands for the fedimirror executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fedimirror/fedimirror/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fedimirror",
		Short: "A Fediverse mirror relay for source-network accounts.",
		Long: `fedimirror continuously crawls a shard of source-network accounts,
mirrors their new posts as signed ActivityPub deliveries to subscribed
Fediverse inboxes, and serves the inbound Follow/Undo/Delete surface
that manages those subscriptions.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env FEDIMIRROR_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeygenCmd())

	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
