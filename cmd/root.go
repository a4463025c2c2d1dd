// Package cmd defines the CLI commands for the adaptive-crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "adaptive-crawler",
		Short: "Adaptive web crawl orchestrator.",
		Long: `adaptive-crawler accepts crawl requests over HTTP, seeds them from the
target page or its sitemap, and grows the frontier with the links a
relevance ranking service scores highest.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newServeCmd(&cfgFile))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
