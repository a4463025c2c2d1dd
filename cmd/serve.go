package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/server"
)

// runServer builds and runs the application. Tests replace it.
var runServer = func(ctx context.Context, cfg *config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the crawl workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServer(cmd.Context(), &cfg)
		},
	}
}
