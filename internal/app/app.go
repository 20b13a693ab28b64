// Package app initializes and holds long-lived pipeline services,
// acting as a dependency injection container for the harvest commands.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/events"
	eventspubsub "github.com/docfoundry/docxharvest/internal/events/pubsub"
	"github.com/docfoundry/docxharvest/internal/logging"
	"github.com/docfoundry/docxharvest/internal/metastore"
	metamem "github.com/docfoundry/docxharvest/internal/metastore/memory"
	"github.com/docfoundry/docxharvest/internal/metastore/postgres"
	"github.com/docfoundry/docxharvest/internal/storage"
	"github.com/docfoundry/docxharvest/internal/storage/fs"
	gcsstorage "github.com/docfoundry/docxharvest/internal/storage/gcs"
	"github.com/docfoundry/docxharvest/internal/storage/s3"
)

// App holds the shared, long-lived services for one command invocation:
// the logger, the blob store, the metadata store and the optional
// uploaded-document publisher. It is initialized once at startup and
// passed to whichever pipeline the command runs.
type App struct {
	logger    *zap.Logger
	blobs     storage.BlobStore
	meta      metastore.Store
	publisher events.Publisher

	pg           *postgres.Store
	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *eventspubsub.Publisher
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetBlobs exposes the configured blob store.
func (a *App) GetBlobs() storage.BlobStore {
	return a.blobs
}

// GetMeta provides access to the document metadata store.
func (a *App) GetMeta() metastore.Store {
	return a.meta
}

// GetPublisher returns the uploaded-document publisher, or nil when no
// topic is configured. The scrape orchestrator substitutes events.Nop
// for a nil publisher.
func (a *App) GetPublisher() events.Publisher {
	return a.publisher
}

// New creates and initializes an App from the validated configuration.
// It is the central point for service construction and fails fast when
// any critical backend cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	a := &App{logger: logger}

	// 1. Blob storage. Documents and extraction output go to R2 or GCS
	// when one is configured, otherwise to the local storage path.
	switch {
	case cfg.Storage.UseRemote():
		logger.Info("Using R2 blob storage", zap.String("bucket", cfg.Storage.R2.Bucket))
		a.blobs, err = s3.New(ctx, s3.Config{
			AccountID:       cfg.Storage.R2.AccountID,
			AccessKeyID:     cfg.Storage.R2.AccessKeyID,
			SecretAccessKey: cfg.Storage.R2.SecretAccessKey,
			Bucket:          cfg.Storage.R2.Bucket,
		})
	case cfg.Storage.UseGCS():
		logger.Info("Using GCS blob storage", zap.String("bucket", cfg.Storage.GCSBucket))
		a.gcsClient, err = gstorage.NewClient(ctx)
		if err == nil {
			a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		}
	default:
		logger.Info("Using local blob storage", zap.String("path", cfg.Storage.Path))
		a.blobs, err = fs.New(fs.Config{BaseDir: cfg.Storage.Path})
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize blob storage: %w", err)
	}

	// 2. Metadata store. Dedup state only survives across runs with a
	// database behind it; the in-memory store exists for smoke tests
	// and one-off local harvests.
	if cfg.Database.URL != "" {
		logger.Info("Connecting to PostgreSQL")
		pg, err := postgres.New(ctx, postgres.Config{DSN: cfg.Database.URL})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize metadata store: %w", err)
		}
		a.pg = pg
		a.meta = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure metadata schema: %w", err)
		}
	} else {
		logger.Warn("DATABASE_URL is not set; dedup state will not survive this process")
		a.meta = metamem.New()
	}

	// 3. Uploaded-document events, only when both Pub/Sub knobs are set.
	if cfg.PubSub.Enabled() {
		logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.Topic))
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize pubsub client: %w", err)
		}
		a.pubsubClient = client
		pub, err := eventspubsub.New(client.Topic(cfg.PubSub.Topic))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.pubsubPub = pub
		a.publisher = pub
	}

	logger.Info("Pipeline services initialized")
	return a, nil
}

// Close gracefully shuts down every service in the container. It is
// called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("Error closing pubsub client", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Error closing gcs client", zap.Error(err))
		}
	}
	// Syncing stderr fails on some platforms; this is best effort.
	_ = a.logger.Sync()
}
