// Package cmd defines and implements the CLI commands for the
// docxharvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/app"
	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/events"
	"github.com/docfoundry/docxharvest/internal/metastore"
	"github.com/docfoundry/docxharvest/internal/storage"
)

var cfgFile string

// ctxKeyType is the key for storing the command services in the context.
type ctxKeyType string

const servicesKey ctxKeyType = "services"

// App defines the application surface commands consume. This allows us
// to inject a mock app during tests.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetBlobs() storage.BlobStore
	GetMeta() metastore.Store
	GetPublisher() events.Publisher
}

// services bundles the initialized app with the configuration it was
// built from. PersistentPreRunE stores one instance per invocation.
type services struct {
	app App
	cfg config.Config
}

// newApp is the application factory. It's a variable so we can replace
// it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docxharvest",
		Short: "Harvests deduplicated Word documents from Common Crawl.",
		Long: `docxharvest streams filtered Common Crawl index records, fetches the
archived payloads with adaptive rate limiting, validates them as Word
documents and lands deduplicated, content-addressed blobs plus metadata
rows. Companion commands extract text from the backlog and publish the
manifest downstream jobs consume.`,
		SilenceUsage: true,

		// This hook runs BEFORE the subcommand's RunE and is the single
		// place configuration is loaded and services are built.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), servicesKey, &services{app: appInstance, cfg: cfg})
			cmd.SetContext(ctx)
			return nil
		},

		// This hook ensures services are shut down gracefully.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if svc, ok := cmd.Context().Value(servicesKey).(*services); ok && svc != nil {
				svc.app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default reads .env and the environment)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newManifestCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// resolveServices retrieves what PersistentPreRunE stored.
func resolveServices(ctx context.Context) (*services, error) {
	svc, ok := ctx.Value(servicesKey).(*services)
	if !ok || svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return svc, nil
}

// Execute is the main entry point. Cobra prints the failing command's
// error; the exit code is all that is left to set.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
