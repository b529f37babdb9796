package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/config"
	"github.com/JakeFAU/listing-warehouse/internal/logging"
	"github.com/JakeFAU/listing-warehouse/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp builds the application for a command. Tests swap it to control configuration.
var newApp = func(ctx context.Context, cfgPath string) (*server.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "warehouse",
		Short: "Crawls classified listings into a bronze, silver and gold warehouse.",
		Long: `warehouse discovers listing ids, fetches detail pages politely, archives the raw
bytes, keeps one change-detected snapshot per listing and day, and builds the
dimensional model used for reporting.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			return app.Close(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file; WAREHOUSE_* variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newDiscoverCmd(),
		newQueueCmd(),
		newReenqueueCmd(),
		newBuildGoldCmd(),
		newEnrichViewsCmd(),
		newQualityCmd(),
		newReplayCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}
