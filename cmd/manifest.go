package cmd

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/manifest"
	"github.com/docfoundry/docxharvest/internal/storage"
)

// newManifestCmd creates and configures the 'manifest' subcommand.
func newManifestCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Writes the manifest of uploaded document ids",
		Long: `Writes one uploaded document id per line, ASCII sorted, to a local file
and mirrors it to the blob store when a remote backend is configured.
Downstream ingest jobs treat the manifest as the list of documents that
exist.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = filepath.Join(svc.cfg.Storage.Path, manifest.Key)
			}
			return runManifest(cmd.Context(), svc.app, svc.cfg, path)
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "manifest path (default <storage path>/manifest.txt)")

	return cmd
}

func runManifest(ctx context.Context, application App, cfg config.Config, path string) error {
	logger := application.GetLogger()

	// Local runs keep the documents and the manifest on the same disk;
	// mirroring only matters when uploads went to a remote bucket.
	var mirror storage.BlobStore
	if cfg.Storage.UseRemote() || cfg.Storage.UseGCS() {
		mirror = application.GetBlobs()
	}

	gen, err := manifest.New(application.GetMeta(), mirror, path, logger.Named("manifest"))
	if err != nil {
		return err
	}
	res, err := gen.Write(ctx)
	if err != nil {
		return err
	}
	logger.Info("manifest complete",
		zap.Int("documents", res.Count),
		zap.String("path", res.Path),
		zap.Bool("mirrored", res.Mirrored),
	)
	return nil
}
