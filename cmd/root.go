// Package cmd defines and implements the CLI commands for the relist executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/config"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Drafts() listing.DraftStore
	Uploader() server.Uploader
	Durable() bool
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relist",
		Short: "Relists products from source marketplaces onto a target marketplace.",
		Long: `relist collects product pages from source marketplaces, enriches them
with a marketplace category, a compliant price and a vetted image set, and
submits them through the seller console. Submitted listings are tracked
through marketplace review until they are approved or rejected.`,
		SilenceUsage: true,

		// Builds the application once the flags are parsed and stores it in the
		// context for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and RELIST_* env vars apply without one)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newRetryCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "relist:", err)
		os.Exit(1)
	}
}
